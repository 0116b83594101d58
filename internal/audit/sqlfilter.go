package audit

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// WhereClause renders the non-pagination constraints of f as a SQL WHERE
// clause over the standard audit columns. Placeholders start at $startArg.
// It returns an empty clause when f has no constraints.
func WhereClause(f Filter, startArg int) (string, []any) {
	var conds []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", startArg+len(args)-1)
	}

	if f.EntityType != "" {
		conds = append(conds, "entity_type = "+next(f.EntityType))
	}
	if len(f.EntityTypes) > 0 {
		conds = append(conds, "entity_type = ANY("+next(pq.Array(f.EntityTypes))+")")
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = "+next(f.EntityID))
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = "+next(f.ActorID))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		conds = append(conds, "action = ANY("+next(pq.Array(actions))+")")
	}
	if !f.From.IsZero() {
		conds = append(conds, "occurred_at >= "+next(f.From.UTC()))
	}
	if !f.To.IsZero() {
		conds = append(conds, "occurred_at < "+next(f.To.UTC()))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

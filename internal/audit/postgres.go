package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// EventColumns is the column list shared by every query on the hot table.
const EventColumns = `id, entity_type, entity_id, action, actor_id, occurred_at,
	source_address, client_agent, request_id, before_state, after_state,
	changed_fields, note, bulk_count, bulk_filter`

// PostgresRepository stores events in the partitioned audit_events table.
// It must be opened with the application credential, which is granted
// INSERT and SELECT only.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// Append inserts e. Re-inserting an existing event is a no-op.
func (r *PostgresRepository) Append(ctx context.Context, e *Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	query := `INSERT INTO audit_events (` + EventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id, occurred_at) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", ClassifyStorageError(err))
	}
	return nil
}

// Get returns the event with the given ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Event, error) {
	query := `SELECT ` + EventColumns + ` FROM audit_events WHERE id = $1`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit event: %w", err)
	}
	events, err := ScanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}
	return &events[0], nil
}

// Search returns matching events newest first with the total match count.
func (r *PostgresRepository) Search(ctx context.Context, f Filter) (Page, error) {
	where, args := WhereClause(f, 1)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	query := `SELECT ` + EventColumns + ` FROM audit_events` + where +
		` ORDER BY occurred_at DESC, id DESC` + limitOffset(f, len(args)+1)
	args = append(args, limitOffsetArgs(f)...)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query audit events: %w", err)
	}
	events, err := ScanEvents(rows)
	if err != nil {
		return Page{}, err
	}
	return Page{Events: events, Total: total}, nil
}

// Update attempts to modify a persisted event. The storage grants and the
// mutation trigger reject it; the result is always ErrImmutabilityViolation
// unless the database is unreachable.
func (r *PostgresRepository) Update(ctx context.Context, e *Event) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE audit_events SET note = $2 WHERE id = $1`, e.ID, e.Note)
	if err == nil {
		r.logger.ErrorContext(ctx, "audit event update was not rejected by storage",
			slog.String("event_id", e.ID))
		return ErrImmutabilityViolation
	}
	return ClassifyStorageError(err)
}

// Delete attempts to remove a persisted event under the application
// credential. Like Update, it is rejected by storage.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM audit_events WHERE id = $1`, id)
	if err == nil {
		r.logger.ErrorContext(ctx, "audit event delete was not rejected by storage",
			slog.String("event_id", id))
		return ErrImmutabilityViolation
	}
	return ClassifyStorageError(err)
}

// eventArgs returns the insert arguments for e in EventColumns order.
func eventArgs(e *Event) ([]any, error) {
	before, err := MarshalFieldMap(e.BeforeState)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal before_state: %w", err)
	}
	after, err := MarshalFieldMap(e.AfterState)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal after_state: %w", err)
	}

	var changed any
	if e.ChangedFields != nil {
		changed = pq.Array(e.ChangedFields)
	}
	var bulkCount sql.NullInt64
	var bulkFilter []byte
	if e.Bulk != nil {
		bulkCount = sql.NullInt64{Int64: int64(e.Bulk.Count), Valid: true}
		if bulkFilter, err = MarshalFieldMap(e.Bulk.Filter); err != nil {
			return nil, fmt.Errorf("failed to marshal filter_descriptor: %w", err)
		}
	}

	return []any{
		e.ID, e.EntityType, e.EntityID, string(e.Action), e.ActorID, e.OccurredAt.UTC(),
		nullString(e.SourceAddress), nullString(e.ClientAgent), nullString(e.RequestID),
		nullJSON(before), nullJSON(after), changed, nullString(e.Note), bulkCount, nullJSON(bulkFilter),
	}, nil
}

// ScanEvents reads rows selected with EventColumns and closes them.
func ScanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                              Event
			action                         string
			source, agent, requestID, note sql.NullString
			before, after, bulkFilter      []byte
			changed                        pq.StringArray
			bulkCount                      sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &action, &e.ActorID, &e.OccurredAt,
			&source, &agent, &requestID, &before, &after, &changed, &note, &bulkCount, &bulkFilter); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Action = Action(action)
		e.OccurredAt = e.OccurredAt.UTC()
		e.SourceAddress = source.String
		e.ClientAgent = agent.String
		e.RequestID = requestID.String
		e.Note = note.String
		if changed != nil {
			e.ChangedFields = []string(changed)
		} else if e.Action == ActionUpdate {
			e.ChangedFields = []string{}
		}

		var err error
		if e.BeforeState, err = UnmarshalFieldMap(before); err != nil {
			return nil, err
		}
		if e.AfterState, err = UnmarshalFieldMap(after); err != nil {
			return nil, err
		}
		if bulkCount.Valid {
			filter, err := UnmarshalFieldMap(bulkFilter)
			if err != nil {
				return nil, err
			}
			e.Bulk = &BulkRead{Count: int(bulkCount.Int64), Filter: filter}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

// limitOffset renders LIMIT/OFFSET placeholders starting at $argN.
func limitOffset(f Filter, argN int) string {
	switch {
	case f.Limit > 0 && f.Offset > 0:
		return fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
	case f.Limit > 0:
		return fmt.Sprintf(" LIMIT $%d", argN)
	case f.Offset > 0:
		return fmt.Sprintf(" OFFSET $%d", argN)
	}
	return ""
}

func limitOffsetArgs(f Filter) []any {
	var args []any
	if f.Limit > 0 {
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
	}
	return args
}

// LimitOffset renders pagination placeholders for other packages that
// query tables with the standard audit columns.
func LimitOffset(f Filter, argN int) (string, []any) {
	return limitOffset(f, argN), limitOffsetArgs(f)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON keeps absent snapshots as SQL NULL rather than JSON null.
func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

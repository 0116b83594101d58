package retention

import (
	"context"
	"fmt"

	"github.com/onnwee/audittrail/internal/audit"
)

// TieredReader answers trail queries across tiers. Hot and warm are always
// consulted; the archive only when the filter sets IncludeArchive.
type TieredReader struct {
	hot     audit.Reader
	warm    audit.Reader
	archive audit.Reader
}

// NewTieredReader combines tier readers. warm and archive may be nil.
func NewTieredReader(hot, warm, archive audit.Reader) *TieredReader {
	return &TieredReader{hot: hot, warm: warm, archive: archive}
}

// Search implements audit.Reader. Each tier is asked for enough rows to
// cover the requested page, results are merged newest first, and an event
// visible in two tiers mid-move is returned once.
func (r *TieredReader) Search(ctx context.Context, f audit.Filter) (audit.Page, error) {
	sub := f
	sub.Offset = 0
	if f.Limit > 0 {
		sub.Limit = f.Offset + f.Limit
	}

	tiers := []audit.Reader{r.hot}
	if r.warm != nil {
		tiers = append(tiers, r.warm)
	}
	if f.IncludeArchive && r.archive != nil {
		tiers = append(tiers, r.archive)
	}

	seen := make(map[string]struct{})
	var merged []audit.Event
	total := 0
	duplicates := 0
	for _, tier := range tiers {
		page, err := tier.Search(ctx, sub)
		if err != nil {
			return audit.Page{}, fmt.Errorf("tiered search: %w", err)
		}
		total += page.Total
		for _, e := range page.Events {
			if _, dup := seen[e.ID]; dup {
				duplicates++
				continue
			}
			seen[e.ID] = struct{}{}
			merged = append(merged, e)
		}
	}

	page := audit.Paginate(merged, f)
	page.Total = total - duplicates
	if page.Total < len(merged) {
		page.Total = len(merged)
	}
	return page, nil
}

package retention

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
)

// ErrObjectNotFound is returned by ObjectStore.Get for a missing key.
var ErrObjectNotFound = errors.New("archive object not found")

// DefaultArchivePrefix is prepended to every object key.
const DefaultArchivePrefix = "audit"

// Archive is the cold tier: gzip JSONL objects plus a metadata index.
type Archive struct {
	objects ObjectStore
	index   ColdIndex
	prefix  string
	logger  *slog.Logger
}

// NewArchive combines an object store and its index.
func NewArchive(objects ObjectStore, index ColdIndex, prefix string, logger *slog.Logger) *Archive {
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		objects: objects,
		index:   index,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger,
	}
}

// ObjectKey derives the key for a batch from its contents so storing the
// same batch twice writes the same object.
func (a *Archive) ObjectKey(events []audit.Event) string {
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))

	oldest := events[0].OccurredAt
	for i := range events {
		if events[i].OccurredAt.Before(oldest) {
			oldest = events[i].OccurredAt
		}
	}
	oldest = oldest.UTC()
	return path.Join(a.prefix, oldest.Format("2006/01/02"), hex.EncodeToString(sum[:12])+".jsonl.gz")
}

// Store writes events as one object and indexes them. It returns the
// object key.
func (a *Archive) Store(ctx context.Context, events []audit.Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	key := a.ObjectKey(events)
	data, err := encodeBatch(events)
	if err != nil {
		return "", err
	}
	if err := a.objects.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("put archive object %s: %w", key, err)
	}
	if err := a.index.Add(ctx, key, events); err != nil {
		return "", fmt.Errorf("index archive object %s: %w", key, err)
	}
	return key, nil
}

// Count returns how many of ids are archived.
func (a *Archive) Count(ctx context.Context, ids []string) (int, error) {
	return a.index.Count(ctx, ids)
}

// Search serves archived events matching f, newest first.
func (a *Archive) Search(ctx context.Context, f audit.Filter) (audit.Page, error) {
	entries, total, err := a.index.Lookup(ctx, f)
	if err != nil {
		return audit.Page{}, fmt.Errorf("archive lookup: %w", err)
	}

	loaded := make(map[string]map[string]audit.Event)
	events := make([]audit.Event, 0, len(entries))
	for _, entry := range entries {
		byID, ok := loaded[entry.ObjectKey]
		if !ok {
			byID, err = a.load(ctx, entry.ObjectKey)
			if err != nil {
				return audit.Page{}, err
			}
			loaded[entry.ObjectKey] = byID
		}
		e, ok := byID[entry.EventID]
		if !ok {
			// Object purged after lookup, or index ahead of a failed put.
			a.logger.WarnContext(ctx, "archived event missing from object",
				slog.String("event_id", entry.EventID),
				slog.String("object_key", entry.ObjectKey))
			total--
			continue
		}
		events = append(events, e)
	}
	return audit.Page{Events: events, Total: total}, nil
}

func (a *Archive) load(ctx context.Context, key string) (map[string]audit.Event, error) {
	data, err := a.objects.Get(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return map[string]audit.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archive object %s: %w", key, err)
	}
	events, err := decodeBatch(data)
	if err != nil {
		return nil, fmt.Errorf("decode archive object %s: %w", key, err)
	}
	byID := make(map[string]audit.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	return byID, nil
}

// Purge removes every archived event older than cutoff, visiting at most
// limit objects. Fully expired objects are deleted; the rest are rewritten
// without their expired events. Objects change before the index does, so
// an interrupted purge is finished by the next call. beforeDelete, when not
// nil, sees each object's summary (Batch is the object key) before the
// object changes; its error stops the purge with that object intact.
func (a *Archive) Purge(ctx context.Context, cutoff time.Time, limit int, beforeDelete func(PurgeSummary) error) (PurgeSummary, int, error) {
	summary := PurgeSummary{Tier: TierCold, Cutoff: cutoff}
	expired, err := a.index.Expired(ctx, cutoff, limit)
	if err != nil {
		return summary, 0, fmt.Errorf("list expired archive objects: %w", err)
	}
	for _, obj := range expired {
		if beforeDelete != nil {
			entry := PurgeSummary{Tier: TierCold, Batch: obj.Key, Cutoff: cutoff}
			entry.add(obj.Count, obj.Oldest, obj.Newest)
			if err := beforeDelete(entry); err != nil {
				return summary, 0, err
			}
		}
		if obj.Whole {
			if err := a.objects.Delete(ctx, obj.Key); err != nil {
				return summary, 0, fmt.Errorf("delete archive object %s: %w", obj.Key, err)
			}
		} else if err := a.rewriteWithout(ctx, obj.Key, cutoff); err != nil {
			return summary, 0, err
		}
		if err := a.index.RemoveBefore(ctx, obj.Key, cutoff); err != nil {
			return summary, 0, fmt.Errorf("unindex archive object %s: %w", obj.Key, err)
		}
		summary.add(obj.Count, obj.Oldest, obj.Newest)
	}
	return summary, len(expired), nil
}

// rewriteWithout replaces the object at key with its events that are not
// older than cutoff.
func (a *Archive) rewriteWithout(ctx context.Context, key string, cutoff time.Time) error {
	data, err := a.objects.Get(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get archive object %s: %w", key, err)
	}
	events, err := decodeBatch(data)
	if err != nil {
		return fmt.Errorf("decode archive object %s: %w", key, err)
	}
	kept := events[:0]
	for _, e := range events {
		if !e.OccurredAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(events) {
		return nil
	}
	if len(kept) == 0 {
		if err := a.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete archive object %s: %w", key, err)
		}
		return nil
	}
	out, err := encodeBatch(kept)
	if err != nil {
		return err
	}
	if err := a.objects.Put(ctx, key, out); err != nil {
		return fmt.Errorf("rewrite archive object %s: %w", key, err)
	}
	return nil
}

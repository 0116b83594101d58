package retention

import (
	"context"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
)

// HotStore is the live trail as seen by the retention credential.
// audit.InMemoryRepository (via RetentionView) and PostgresHotStore satisfy it.
type HotStore interface {
	// ListBefore returns up to limit events older than cutoff, oldest first.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]audit.Event, error)
	// Remove deletes the listed events. Missing IDs are ignored.
	Remove(ctx context.Context, ids []string) error
}

// WarmStore holds compressed events that are still directly queryable.
type WarmStore interface {
	audit.Reader
	HotStore
	// Insert stores events; events already present are left unchanged.
	Insert(ctx context.Context, events []audit.Event) error
	// Count returns how many of ids are present.
	Count(ctx context.Context, ids []string) (int, error)
}

// ObjectStore is a flat key/value blob store, such as an S3 bucket.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrObjectNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete succeeds for a missing key.
	Delete(ctx context.Context, key string) error
}

// IndexEntry locates one archived event.
type IndexEntry struct {
	EventID    string
	ObjectKey  string
	OccurredAt time.Time
}

// ObjectSummary describes the expired events indexed under one archive
// object.
type ObjectSummary struct {
	Key string
	// Count, Oldest and Newest cover only the expired events.
	Count  int
	Oldest time.Time
	Newest time.Time
	// Whole is set when every event in the object has expired.
	Whole bool
}

// ColdIndex is the metadata index over archive objects. It lets the
// archive answer filtered queries without reading every object.
type ColdIndex interface {
	// Add indexes events under objectKey. Already indexed IDs keep their
	// original entry.
	Add(ctx context.Context, objectKey string, events []audit.Event) error
	// Count returns how many of ids are indexed.
	Count(ctx context.Context, ids []string) (int, error)
	// Lookup returns one page of entries matching f, newest first, and the
	// total number of matches.
	Lookup(ctx context.Context, f audit.Filter) ([]IndexEntry, int, error)
	// Expired returns objects holding at least one event older than cutoff,
	// oldest first.
	Expired(ctx context.Context, cutoff time.Time, limit int) ([]ObjectSummary, error)
	// RemoveBefore drops the entries under objectKey older than cutoff.
	RemoveBefore(ctx context.Context, objectKey string, cutoff time.Time) error
}

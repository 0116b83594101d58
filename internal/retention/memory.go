package retention

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
)

// MemoryWarmStore is an in-process WarmStore for tests and development.
// Events are held compressed, as the Postgres store holds them.
type MemoryWarmStore struct {
	mu      sync.RWMutex
	payload map[string][]byte
	meta    map[string]audit.Event
}

// NewMemoryWarmStore creates an empty store.
func NewMemoryWarmStore() *MemoryWarmStore {
	return &MemoryWarmStore{
		payload: make(map[string][]byte),
		meta:    make(map[string]audit.Event),
	}
}

// Insert implements WarmStore.
func (s *MemoryWarmStore) Insert(ctx context.Context, events []audit.Event) error {
	encoded := make(map[string][]byte, len(events))
	for i := range events {
		data, err := encodePayload(&events[i])
		if err != nil {
			return err
		}
		encoded[events[i].ID] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range events {
		id := events[i].ID
		if _, exists := s.payload[id]; exists {
			continue
		}
		s.payload[id] = encoded[id]
		s.meta[id] = metadataOnly(events[i])
	}
	return nil
}

// Count implements WarmStore.
func (s *MemoryWarmStore) Count(ctx context.Context, ids []string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range uniqueIDs(ids) {
		if _, ok := s.payload[id]; ok {
			n++
		}
	}
	return n, nil
}

// ListBefore implements HotStore.
func (s *MemoryWarmStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	var ids []string
	for id, m := range s.meta {
		if m.OccurredAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	events, err := s.decode(ids)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Remove implements HotStore.
func (s *MemoryWarmStore) Remove(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.payload, id)
		delete(s.meta, id)
	}
	return nil
}

// Search implements audit.Reader.
func (s *MemoryWarmStore) Search(ctx context.Context, f audit.Filter) (audit.Page, error) {
	s.mu.RLock()
	var ids []string
	for id, m := range s.meta {
		if f.Matches(&m) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	events, err := s.decode(ids)
	if err != nil {
		return audit.Page{}, err
	}
	return audit.Paginate(events, f), nil
}

// Len returns the number of stored events.
func (s *MemoryWarmStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payload)
}

func (s *MemoryWarmStore) decode(ids []string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]audit.Event, 0, len(ids))
	for _, id := range ids {
		data, ok := s.payload[id]
		if !ok {
			continue
		}
		e, err := decodePayload(data)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// MemoryObjectStore is an in-process ObjectStore.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjectStore creates an empty store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

// Put implements ObjectStore.
func (s *MemoryObjectStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get implements ObjectStore.
func (s *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements ObjectStore.
func (s *MemoryObjectStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Keys returns every stored key in order.
func (s *MemoryObjectStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MemoryColdIndex is an in-process ColdIndex.
type MemoryColdIndex struct {
	mu      sync.RWMutex
	entries map[string]coldEntry
}

type coldEntry struct {
	key  string
	meta audit.Event
}

// NewMemoryColdIndex creates an empty index.
func NewMemoryColdIndex() *MemoryColdIndex {
	return &MemoryColdIndex{entries: make(map[string]coldEntry)}
}

// Add implements ColdIndex.
func (x *MemoryColdIndex) Add(ctx context.Context, objectKey string, events []audit.Event) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range events {
		if _, exists := x.entries[events[i].ID]; exists {
			continue
		}
		x.entries[events[i].ID] = coldEntry{key: objectKey, meta: metadataOnly(events[i])}
	}
	return nil
}

// Count implements ColdIndex.
func (x *MemoryColdIndex) Count(ctx context.Context, ids []string) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, id := range uniqueIDs(ids) {
		if _, ok := x.entries[id]; ok {
			n++
		}
	}
	return n, nil
}

// Lookup implements ColdIndex.
func (x *MemoryColdIndex) Lookup(ctx context.Context, f audit.Filter) ([]IndexEntry, int, error) {
	x.mu.RLock()
	var matched []audit.Event
	keys := make(map[string]string)
	for id, entry := range x.entries {
		if f.Matches(&entry.meta) {
			matched = append(matched, entry.meta)
			keys[id] = entry.key
		}
	}
	x.mu.RUnlock()

	page := audit.Paginate(matched, f)
	out := make([]IndexEntry, len(page.Events))
	for i, e := range page.Events {
		out[i] = IndexEntry{EventID: e.ID, ObjectKey: keys[e.ID], OccurredAt: e.OccurredAt}
	}
	return out, page.Total, nil
}

// Expired implements ColdIndex.
func (x *MemoryColdIndex) Expired(ctx context.Context, cutoff time.Time, limit int) ([]ObjectSummary, error) {
	x.mu.RLock()
	byKey := make(map[string]*ObjectSummary)
	var order []string
	for _, entry := range x.entries {
		s, ok := byKey[entry.key]
		if !ok {
			s = &ObjectSummary{Key: entry.key, Whole: true}
			byKey[entry.key] = s
			order = append(order, entry.key)
		}
		at := entry.meta.OccurredAt
		if !at.Before(cutoff) {
			s.Whole = false
			continue
		}
		if s.Count == 0 || at.Before(s.Oldest) {
			s.Oldest = at
		}
		if s.Count == 0 || at.After(s.Newest) {
			s.Newest = at
		}
		s.Count++
	}
	x.mu.RUnlock()

	var out []ObjectSummary
	for _, key := range order {
		if s := byKey[key]; s.Count > 0 {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Oldest.Equal(out[j].Oldest) {
			return out[i].Oldest.Before(out[j].Oldest)
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RemoveBefore implements ColdIndex.
func (x *MemoryColdIndex) RemoveBefore(ctx context.Context, objectKey string, cutoff time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, entry := range x.entries {
		if entry.key == objectKey && entry.meta.OccurredAt.Before(cutoff) {
			delete(x.entries, id)
		}
	}
	return nil
}

// Len returns the number of indexed events.
func (x *MemoryColdIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// metadataOnly strips snapshots, keeping what filters match on.
func metadataOnly(e audit.Event) audit.Event {
	return audit.Event{
		ID:         e.ID,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Action:     e.Action,
		ActorID:    e.ActorID,
		OccurredAt: e.OccurredAt,
	}
}

func sortOldestFirst(events []audit.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return audit.Newer(&events[j], &events[i])
	})
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

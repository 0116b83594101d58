package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Appender durably persists a single event. Appending an ID that is
// already stored returns nil.
type Appender interface {
	Append(ctx context.Context, e *Event) error
}

// Reader serves filtered, paginated event queries, newest first.
type Reader interface {
	Search(ctx context.Context, f Filter) (Page, error)
}

// Repository is the application-facing audit store. It deliberately exposes
// no way to change an event once appended.
type Repository interface {
	Appender
	Reader
}

// Filter selects events. Zero values mean "no constraint".
type Filter struct {
	EntityType string
	// EntityTypes restricts results to any of the listed types. It is applied
	// in addition to EntityType.
	EntityTypes []string
	EntityID    string
	ActorID     string
	Actions     []Action

	// From is inclusive, To is exclusive.
	From time.Time
	To   time.Time

	// IncludeArchive asks tiered readers to consult the cold archive.
	IncludeArchive bool

	Limit  int
	Offset int
}

// Matches reports whether e satisfies every constraint in f except
// pagination.
func (f Filter) Matches(e *Event) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if len(f.EntityTypes) > 0 && !containsString(f.EntityTypes, e.EntityType) {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Page is one page of query results plus the total number of matches.
type Page struct {
	Events []Event
	Total  int
}

// Paginate sorts events newest first and applies f's offset and limit.
// The input slice is reordered in place.
func Paginate(events []Event, f Filter) Page {
	sort.SliceStable(events, func(i, j int) bool {
		return Newer(&events[i], &events[j])
	})
	total := len(events)
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return Page{Events: events[start:end], Total: total}
}

// Credential identifies which storage role a caller acts under.
type Credential int

const (
	// CredentialApplication may append and read, nothing else.
	CredentialApplication Credential = iota
	// CredentialRetention may additionally remove rows for tier moves and purges.
	CredentialRetention
)

type memoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	// Maintain insertion order for stable scans
	order []string
}

// InMemoryRepository is an in-memory hot tier. It enforces the same
// credential split as the Postgres store: the application view rejects
// every mutation, the retention view may remove rows. Thread-safe.
type InMemoryRepository struct {
	store *memoryStore
	cred  Credential
}

// NewInMemoryRepository creates an empty repository with the application
// credential.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		store: &memoryStore{events: make(map[string]*Event)},
		cred:  CredentialApplication,
	}
}

// RetentionView returns a handle on the same data acting under the
// retention credential.
func (r *InMemoryRepository) RetentionView() *InMemoryRepository {
	return &InMemoryRepository{store: r.store, cred: CredentialRetention}
}

// Append stores a copy of e. Appending an ID that already exists is a no-op
// so redelivered events are not duplicated.
func (r *InMemoryRepository) Append(ctx context.Context, e *Event) error {
	if e == nil || e.ID == "" {
		return ErrInvalidEntity
	}
	stored := e.Clone()

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, exists := r.store.events[e.ID]; exists {
		return nil
	}
	r.store.events[e.ID] = &stored
	r.store.order = append(r.store.order, e.ID)
	return nil
}

// Get returns a copy of the event with the given ID.
func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Event, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := e.Clone()
	return &out, nil
}

// Search returns matching events newest first.
func (r *InMemoryRepository) Search(ctx context.Context, f Filter) (Page, error) {
	r.store.mu.RLock()
	var matched []Event
	for _, id := range r.store.order {
		e := r.store.events[id]
		if f.Matches(e) {
			// Return a copy to prevent external modification
			matched = append(matched, e.Clone())
		}
	}
	r.store.mu.RUnlock()

	return Paginate(matched, f), nil
}

// Update always fails: no credential may modify a persisted event.
func (r *InMemoryRepository) Update(ctx context.Context, e *Event) error {
	return ErrImmutabilityViolation
}

// Delete removes a single event. Only the retention credential may do so.
func (r *InMemoryRepository) Delete(ctx context.Context, id string) error {
	return r.Remove(ctx, []string{id})
}

// ListBefore returns up to limit events older than cutoff, oldest first.
func (r *InMemoryRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Event, error) {
	r.store.mu.RLock()
	var out []Event
	for _, id := range r.store.order {
		e := r.store.events[id]
		if e.OccurredAt.Before(cutoff) {
			out = append(out, e.Clone())
		}
	}
	r.store.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return Newer(&out[j], &out[i])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove deletes the listed events. Unknown IDs are ignored so a retried
// batch succeeds.
func (r *InMemoryRepository) Remove(ctx context.Context, ids []string) error {
	if r.cred != CredentialRetention {
		return ErrImmutabilityViolation
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	kept := r.store.order[:0]
	for _, id := range r.store.order {
		if drop[id] {
			delete(r.store.events, id)
			continue
		}
		kept = append(kept, id)
	}
	r.store.order = kept
	return nil
}

// Len returns the number of stored events.
func (r *InMemoryRepository) Len() int {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.events)
}

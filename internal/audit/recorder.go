package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/audittrail/internal/requestctx"
)

// EmptyUpdatePolicy decides what RecordUpdate does when before and after
// states are identical.
type EmptyUpdatePolicy int

const (
	// EmptyUpdateRecord writes the event with an empty ChangedFields list.
	EmptyUpdateRecord EmptyUpdatePolicy = iota
	// EmptyUpdateSkip writes nothing and returns ErrNoChanges.
	EmptyUpdateSkip
)

// ParseEmptyUpdatePolicy maps a configuration value to a policy.
func ParseEmptyUpdatePolicy(s string) (EmptyUpdatePolicy, error) {
	switch s {
	case "", "record":
		return EmptyUpdateRecord, nil
	case "skip":
		return EmptyUpdateSkip, nil
	}
	return EmptyUpdateRecord, fmt.Errorf("unknown empty update policy %q", s)
}

// DefaultWriteTimeout bounds a single audit write.
const DefaultWriteTimeout = 5 * time.Second

// Entity reference limits.
const (
	MaxEntityTypeLength = 64
	MaxEntityIDLength   = 255
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Appender persists events. Required.
	Appender Appender
	// Logger for write failures.
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *Metrics
	// Clock supplies occurred_at. Defaults to time.Now.
	Clock func() time.Time
	// NewID supplies event IDs. Defaults to random UUIDs.
	NewID func() string
	// WriteTimeout bounds each write. The write is detached from the
	// caller's cancellation but not from this deadline.
	WriteTimeout time.Duration
	// EmptyUpdates selects the behavior for updates with no changed fields.
	EmptyUpdates EmptyUpdatePolicy
}

// Recorder builds audit events from the active request context and persists
// them synchronously. Every call either durably writes exactly one event or
// returns an error; failures are never swallowed.
type Recorder struct {
	appender     Appender
	logger       *slog.Logger
	metrics      *Metrics
	clock        func() time.Time
	newID        func() string
	writeTimeout time.Duration
	emptyUpdates EmptyUpdatePolicy

	mu   sync.Mutex
	last time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Appender == nil {
		return nil, ErrNilAppender
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Recorder{
		appender:     cfg.Appender,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
		newID:        cfg.NewID,
		writeTimeout: cfg.WriteTimeout,
		emptyUpdates: cfg.EmptyUpdates,
	}, nil
}

// RecordRead records a single-entity read. snapshot may be nil.
func (r *Recorder) RecordRead(ctx context.Context, entityType, entityID string, snapshot FieldMap) (*Event, error) {
	return r.record(ctx, &Event{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     ActionRead,
		AfterState: snapshot.Clone(),
	})
}

// RecordBulkRead records a list or search read as one event regardless of
// how many records were returned.
func (r *Recorder) RecordBulkRead(ctx context.Context, entityType string, count int, filters FieldMap) (*Event, error) {
	if count < 0 {
		return nil, ErrInvalidCount
	}
	return r.record(ctx, &Event{
		EntityType: entityType,
		EntityID:   "*",
		Action:     ActionBulkRead,
		Bulk:       &BulkRead{Count: count, Filter: filters.Clone()},
	})
}

// RecordCreate records a newly created entity.
func (r *Recorder) RecordCreate(ctx context.Context, entityType, entityID string, after FieldMap) (*Event, error) {
	return r.record(ctx, &Event{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     ActionCreate,
		AfterState: after.Clone(),
	})
}

// RecordUpdate records a modification. ChangedFields holds exactly the keys
// whose values differ between before and after.
func (r *Recorder) RecordUpdate(ctx context.Context, entityType, entityID string, before, after FieldMap) (*Event, error) {
	e := &Event{
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      ActionUpdate,
		BeforeState: before.Clone(),
		AfterState:  after.Clone(),
	}
	e.ChangedFields = ChangedFields(e.BeforeState, e.AfterState)
	if len(e.ChangedFields) == 0 && r.emptyUpdates == EmptyUpdateSkip {
		if err := validateEntity(entityType, entityID); err != nil {
			return nil, err
		}
		return nil, ErrNoChanges
	}
	return r.record(ctx, e)
}

// RecordDelete records the removal of an entity.
func (r *Recorder) RecordDelete(ctx context.Context, entityType, entityID string, before FieldMap) (*Event, error) {
	return r.record(ctx, &Event{
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      ActionDelete,
		BeforeState: before.Clone(),
	})
}

// RecordWithNote records a single-entity action with a free-text note, for
// changes that need a reason kept alongside them.
func (r *Recorder) RecordWithNote(ctx context.Context, action Action, entityType, entityID string, before, after FieldMap, note string) (*Event, error) {
	if !action.Valid() || action == ActionBulkRead {
		return nil, ErrInvalidAction
	}
	e := &Event{
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		BeforeState: before.Clone(),
		AfterState:  after.Clone(),
		Note:        note,
	}
	if action == ActionUpdate {
		e.ChangedFields = ChangedFields(e.BeforeState, e.AfterState)
	}
	return r.record(ctx, e)
}

func (r *Recorder) record(ctx context.Context, e *Event) (*Event, error) {
	if err := validateEntity(e.EntityType, e.EntityID); err != nil {
		return nil, err
	}

	// Identity always comes from the request context, never from callers.
	rc := requestctx.Current(ctx)
	e.ActorID = rc.ActorID
	e.SourceAddress = rc.SourceAddress
	e.ClientAgent = rc.ClientAgent
	e.RequestID = rc.RequestID
	e.ID = r.newID()
	e.OccurredAt = r.now()

	// A client hanging up must not abort the audit write.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	start := time.Now()
	err := r.appender.Append(writeCtx, e)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		r.metrics.observeFailure(e.Action, elapsed)
		r.logger.ErrorContext(ctx, "CRITICAL: audit event persistence failed",
			slog.String("event_id", e.ID),
			slog.String("action", string(e.Action)),
			slog.String("entity_type", e.EntityType),
			slog.String("entity_id", e.EntityID),
			slog.String("actor_id", e.ActorID),
			slog.String("error", err.Error()))
		return nil, &PersistenceError{
			EventID:    e.ID,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Action:     e.Action,
			Err:        err,
		}
	}
	r.metrics.observeSuccess(e.Action, elapsed)

	out := e.Clone()
	return &out, nil
}

// now returns a UTC timestamp at storage precision that is strictly later
// than any previously issued by this Recorder, so concurrent events on the
// same entity never share an occurred_at.
func (r *Recorder) now() time.Time {
	t := r.clock().UTC().Truncate(time.Microsecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.After(r.last) {
		t = r.last.Add(time.Microsecond)
	}
	r.last = t
	return t
}

// validateEntity checks the entity reference before anything is written.
func validateEntity(entityType, entityID string) error {
	if entityType == "" || len(entityType) > MaxEntityTypeLength {
		return fmt.Errorf("%w: entity type %q", ErrInvalidEntity, entityType)
	}
	for _, c := range entityType {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '.' || c == '-') {
			return fmt.Errorf("%w: entity type %q", ErrInvalidEntity, entityType)
		}
	}
	if entityID == "" || len(entityID) > MaxEntityIDLength {
		return fmt.Errorf("%w: entity id for %s", ErrInvalidEntity, entityType)
	}
	return nil
}

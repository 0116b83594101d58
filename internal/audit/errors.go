package audit

import (
	"errors"
	"fmt"
)

// Sentinel errors for audit operations.
var (
	// ErrPersistence matches every *PersistenceError via errors.Is.
	ErrPersistence = errors.New("audit event persistence failed")

	// ErrImmutabilityViolation is returned when anything attempts to change
	// or remove a persisted event outside the retention purge path.
	ErrImmutabilityViolation = errors.New("audit events are immutable")

	ErrNilAppender   = errors.New("appender cannot be nil")
	ErrInvalidEntity = errors.New("invalid entity reference")
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidCount  = errors.New("bulk read count must not be negative")
	ErrNoChanges     = errors.New("update has no changed fields")
	ErrEventNotFound = errors.New("audit event not found")
)

// PersistenceError reports that an event could not be durably written. The
// triggering operation should be treated as unaudited.
type PersistenceError struct {
	EventID    string
	EntityType string
	EntityID   string
	Action     Action
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit: failed to persist %s event %s for %s/%s: %v",
		e.Action, e.EventID, e.EntityType, e.EntityID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrPersistence) match.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

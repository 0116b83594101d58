package audit

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// SQLSTATE codes that signal a blocked mutation of the audit store.
const (
	// SQLStateImmutable is raised by the audit tables' mutation trigger.
	SQLStateImmutable = "AU001"
	// SQLStateInsufficientPrivilege is raised when the application role
	// lacks UPDATE or DELETE grants.
	SQLStateInsufficientPrivilege = "42501"
)

// ClassifyStorageError maps database errors raised by the immutability
// guards to ErrImmutabilityViolation. Other errors are returned unchanged.
func ClassifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case SQLStateImmutable, SQLStateInsufficientPrivilege:
			return fmt.Errorf("%w: %s", ErrImmutabilityViolation, pqErr.Message)
		}
	}
	return err
}

package retention

import (
	"errors"
	"fmt"
)

// Step names one stage of a retention run.
type Step string

const (
	StepPartitions Step = "partitions"
	StepHotToWarm  Step = "hot_to_warm"
	StepWarmToCold Step = "warm_to_cold"
	StepPurge      Step = "purge"
)

// ErrRetentionMigration matches any *MigrationError.
var ErrRetentionMigration = errors.New("retention migration failed")

// ErrVerificationFailed means a destination did not hold every record that
// was written to it; the source is left in place.
var ErrVerificationFailed = errors.New("destination verification failed")

// MigrationError reports a failed step. Sources are preserved and the step
// is retried on the next run.
type MigrationError struct {
	Step Step
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("retention step %s: %v", e.Step, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrRetentionMigration.
func (e *MigrationError) Is(target error) bool {
	return target == ErrRetentionMigration
}

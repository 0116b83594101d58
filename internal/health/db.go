// Package health provides readiness checks for the stores the audit trail
// depends on.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrTrailTableMissing is returned when the database answers but the audit
// schema has not been migrated.
var ErrTrailTableMissing = errors.New("audit_events table missing")

// DBChecker implements health checking for the audit database.
type DBChecker struct {
	db    *sql.DB
	table string
}

// NewDBChecker creates a database health checker that also requires the
// audit_events table to exist.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{
		db:    db,
		table: "audit_events",
	}
}

// HealthCheck pings the database and confirms the trail table is visible to
// the connected role.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	var exists bool
	if err := d.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, d.table).Scan(&exists); err != nil {
		return fmt.Errorf("schema probe: %w", err)
	}
	if !exists {
		return ErrTrailTableMissing
	}
	return nil
}

package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WatermarkStore remembers the last cutoff each step completed, so a run
// whose cutoff is not past the mark has nothing new to do.
type WatermarkStore interface {
	// Get returns the zero time if the step has never completed.
	Get(ctx context.Context, step Step) (time.Time, error)
	// Advance moves the mark forward; an older cutoff is ignored.
	Advance(ctx context.Context, step Step, cutoff time.Time) error
}

// PostgresWatermarkStore keeps marks in audit_retention_watermarks.
type PostgresWatermarkStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresWatermarkStore creates a store over db.
func NewPostgresWatermarkStore(db *sql.DB, logger *slog.Logger) *PostgresWatermarkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWatermarkStore{db: db, logger: logger}
}

// Get implements WatermarkStore.
func (s *PostgresWatermarkStore) Get(ctx context.Context, step Step) (time.Time, error) {
	var mark time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT cutoff FROM audit_retention_watermarks WHERE step = $1`, string(step)).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get watermark for %s: %w", step, err)
	}
	return mark.UTC(), nil
}

// Advance implements WatermarkStore. GREATEST keeps the mark monotonic even
// if two runs race.
func (s *PostgresWatermarkStore) Advance(ctx context.Context, step Step, cutoff time.Time) error {
	query := `INSERT INTO audit_retention_watermarks (step, cutoff, updated_at)
	          VALUES ($1, $2, NOW())
	          ON CONFLICT (step) DO UPDATE
	          SET cutoff = GREATEST(audit_retention_watermarks.cutoff, EXCLUDED.cutoff),
	              updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, string(step), cutoff.UTC()); err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", step, err)
	}
	s.logger.Debug("advanced retention watermark",
		slog.String("step", string(step)),
		slog.Time("cutoff", cutoff.UTC()))
	return nil
}

// MemoryWatermarkStore keeps marks in memory.
type MemoryWatermarkStore struct {
	mu    sync.RWMutex
	marks map[Step]time.Time
}

// NewMemoryWatermarkStore creates an empty store.
func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{marks: make(map[Step]time.Time)}
}

// Get implements WatermarkStore.
func (s *MemoryWatermarkStore) Get(ctx context.Context, step Step) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks[step], nil
}

// Advance implements WatermarkStore.
func (s *MemoryWatermarkStore) Advance(ctx context.Context, step Step, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cutoff.After(s.marks[step]) {
		s.marks[step] = cutoff.UTC()
	}
	return nil
}

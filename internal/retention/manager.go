package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
)

// Manager defaults.
const (
	DefaultBatchSize       = 500
	DefaultMaxBatches      = 200
	DefaultLockTTL         = 30 * time.Minute
	DefaultPartitionsAhead = 3
)

// ColdTier is the archive as the Manager uses it. *Archive satisfies it.
type ColdTier interface {
	Store(ctx context.Context, events []audit.Event) (string, error)
	Count(ctx context.Context, ids []string) (int, error)
	// Purge removes archived events older than cutoff from at most limit
	// objects and reports how many objects it visited. beforeDelete, when
	// set, is called for each object first; an error leaves it untouched.
	Purge(ctx context.Context, cutoff time.Time, limit int, beforeDelete func(PurgeSummary) error) (PurgeSummary, int, error)
}

// PartitionManager keeps hot-tier partitions ahead of incoming writes.
type PartitionManager interface {
	EnsurePartitions(ctx context.Context, now time.Time, ahead int) ([]string, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Policy Policy
	// Hot must be a view with the retention credential.
	Hot      HotStore
	Warm     WarmStore
	Cold     ColdTier
	PurgeLog PurgeLog

	// Partitions is optional; only the Postgres hot tier has partitions.
	Partitions      PartitionManager
	PartitionsAhead int

	// Watermarks defaults to an in-memory store.
	Watermarks WatermarkStore
	// Locker defaults to an in-memory locker.
	Locker  Locker
	LockKey string
	LockTTL time.Duration

	// BatchSize bounds each write-verify-delete cycle.
	BatchSize int
	// MaxBatches bounds one step within one run; the rest waits for the
	// next run.
	MaxBatches int

	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics
}

// Manager runs retention: tier moves, then the purge.
type Manager struct {
	cfg ManagerConfig
}

// NewManager validates cfg and applies defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Hot == nil || cfg.Warm == nil || cfg.Cold == nil {
		return nil, errors.New("retention manager requires hot, warm and cold tiers")
	}
	if cfg.PurgeLog == nil {
		return nil, errors.New("retention manager requires a purge log")
	}
	if cfg.Watermarks == nil {
		cfg.Watermarks = NewMemoryWatermarkStore()
	}
	if cfg.Locker == nil {
		cfg.Locker = NewMemoryLocker()
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.PartitionsAhead <= 0 {
		cfg.PartitionsAhead = DefaultPartitionsAhead
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = DefaultMaxBatches
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg}, nil
}

// RunReport summarizes one run.
type RunReport struct {
	StartedAt         time.Time      `json:"started_at"`
	Cutoffs           Cutoffs        `json:"cutoffs"`
	PartitionsCreated []string       `json:"partitions_created,omitempty"`
	MovedToWarm       int            `json:"moved_to_warm"`
	MovedToCold       int            `json:"moved_to_cold"`
	Purged            []PurgeSummary `json:"purged,omitempty"`
	Skipped           []Step         `json:"skipped,omitempty"`
	Failed            []Step         `json:"failed,omitempty"`
	Duration          time.Duration  `json:"duration"`
}

// PurgedCount totals every purge summary.
func (r RunReport) PurgedCount() int {
	n := 0
	for _, s := range r.Purged {
		n += s.Count
	}
	return n
}

// Run performs one retention pass. A failed step does not stop later steps;
// the returned error joins one *MigrationError per failed step. If another
// run holds the lock, Run returns ErrLockHeld without doing anything.
func (m *Manager) Run(ctx context.Context) (RunReport, error) {
	start := time.Now()
	report := RunReport{StartedAt: m.cfg.Clock().UTC()}
	report.Cutoffs = m.cfg.Policy.CutoffsAt(report.StartedAt)

	release, err := m.cfg.Locker.Acquire(ctx, m.cfg.LockKey, m.cfg.LockTTL)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.cfg.Logger.Warn("failed to release retention lock", slog.String("error", err.Error()))
		}
	}()

	var errs []error
	fail := func(step Step, err error) {
		m.cfg.Metrics.incFailure(step)
		report.Failed = append(report.Failed, step)
		m.cfg.Logger.ErrorContext(ctx, "retention step failed",
			slog.String("step", string(step)),
			slog.String("error", err.Error()))
		errs = append(errs, &MigrationError{Step: step, Err: err})
	}

	if m.cfg.Partitions != nil {
		created, err := m.cfg.Partitions.EnsurePartitions(ctx, report.StartedAt, m.cfg.PartitionsAhead)
		report.PartitionsCreated = created
		if err != nil {
			fail(StepPartitions, err)
		}
	}

	moved, err := m.step(ctx, &report, StepHotToWarm, report.Cutoffs.Warm, func(ctx context.Context, cutoff time.Time) (int, bool, error) {
		return m.move(ctx, cutoff, m.cfg.Hot, m.cfg.Warm.Insert, m.cfg.Warm.Count)
	})
	report.MovedToWarm = moved
	if err != nil {
		fail(StepHotToWarm, err)
	}

	moved, err = m.step(ctx, &report, StepWarmToCold, report.Cutoffs.Cold, func(ctx context.Context, cutoff time.Time) (int, bool, error) {
		store := func(ctx context.Context, events []audit.Event) error {
			_, err := m.cfg.Cold.Store(ctx, events)
			return err
		}
		return m.move(ctx, cutoff, m.cfg.Warm, store, m.cfg.Cold.Count)
	})
	report.MovedToCold = moved
	if err != nil {
		fail(StepWarmToCold, err)
	}

	if _, err := m.step(ctx, &report, StepPurge, report.Cutoffs.Purge, func(ctx context.Context, cutoff time.Time) (int, bool, error) {
		return m.purge(ctx, &report, cutoff)
	}); err != nil {
		fail(StepPurge, err)
	}

	m.cfg.Metrics.addMoved(StepHotToWarm, report.MovedToWarm)
	m.cfg.Metrics.addMoved(StepWarmToCold, report.MovedToCold)
	report.Duration = time.Since(start)
	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	m.cfg.Metrics.setSuccess(float64(time.Now().Unix()))
	m.cfg.Logger.InfoContext(ctx, "retention run completed",
		slog.Int("moved_to_warm", report.MovedToWarm),
		slog.Int("moved_to_cold", report.MovedToCold),
		slog.Int("purged", report.PurgedCount()),
		slog.Int("partitions_created", len(report.PartitionsCreated)),
		slog.Duration("duration", report.Duration))
	return report, nil
}

type stepFunc func(ctx context.Context, cutoff time.Time) (n int, drained bool, err error)

// step runs fn unless the watermark shows cutoff was already completed, and
// advances the watermark once fn drains everything before cutoff.
func (m *Manager) step(ctx context.Context, report *RunReport, step Step, cutoff time.Time, fn stepFunc) (int, error) {
	mark, err := m.cfg.Watermarks.Get(ctx, step)
	if err != nil {
		return 0, err
	}
	if !cutoff.After(mark) {
		report.Skipped = append(report.Skipped, step)
		m.cfg.Logger.DebugContext(ctx, "retention step already complete",
			slog.String("step", string(step)),
			slog.Time("cutoff", cutoff),
			slog.Time("watermark", mark))
		return 0, nil
	}

	n, drained, err := fn(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if drained {
		if err := m.cfg.Watermarks.Advance(ctx, step, cutoff); err != nil {
			return n, err
		}
	}
	return n, nil
}

// move copies batches older than cutoff from src to a destination, verifies
// the destination holds every record, and only then removes them from src.
func (m *Manager) move(
	ctx context.Context,
	cutoff time.Time,
	src HotStore,
	write func(context.Context, []audit.Event) error,
	verify func(context.Context, []string) (int, error),
) (int, bool, error) {
	moved := 0
	for batch := 0; batch < m.cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return moved, false, err
		}
		events, err := src.ListBefore(ctx, cutoff, m.cfg.BatchSize)
		if err != nil {
			return moved, false, fmt.Errorf("list source: %w", err)
		}
		if len(events) == 0 {
			return moved, true, nil
		}

		ids := eventIDs(events)
		if err := write(ctx, events); err != nil {
			return moved, false, fmt.Errorf("write destination: %w", err)
		}
		n, err := verify(ctx, ids)
		if err != nil {
			return moved, false, fmt.Errorf("verify destination: %w", err)
		}
		if n != len(ids) {
			return moved, false, fmt.Errorf("%w: %d of %d records present", ErrVerificationFailed, n, len(ids))
		}
		if err := src.Remove(ctx, ids); err != nil {
			return moved, false, fmt.Errorf("remove source: %w", err)
		}
		moved += len(ids)
		if len(events) < m.cfg.BatchSize {
			return moved, true, nil
		}
	}
	return moved, false, nil
}

// purge deletes everything older than cutoff from every tier. Each batch
// is written to the purge log before it is deleted, so no event is removed
// without a summary; a batch whose delete fails is logged again when the
// next run retries it, under the same Batch key.
func (m *Manager) purge(ctx context.Context, report *RunReport, cutoff time.Time) (int, bool, error) {
	purgedAt := m.cfg.Clock().UTC()
	drained := true
	total := 0

	writeAhead := func(s PurgeSummary) error {
		s.Cutoff = cutoff
		s.PurgedAt = purgedAt
		if err := m.cfg.PurgeLog.Append(ctx, s); err != nil {
			return fmt.Errorf("append purge log: %w", err)
		}
		return nil
	}
	record := func(s PurgeSummary) {
		if s.Count == 0 {
			return
		}
		s.Cutoff = cutoff
		s.PurgedAt = purgedAt
		report.Purged = append(report.Purged, s)
		total += s.Count
		m.cfg.Metrics.addPurged(s.Tier, s.Count)
		m.cfg.Logger.InfoContext(ctx, "audit events purged",
			slog.String("tier", string(s.Tier)),
			slog.Int("count", s.Count),
			slog.Time("oldest", s.Oldest),
			slog.Time("newest", s.Newest),
			slog.Time("cutoff", cutoff))
	}

	// Stragglers left in the live tiers by earlier failed moves.
	for _, tier := range []struct {
		name  Tier
		store HotStore
	}{{TierHot, m.cfg.Hot}, {TierWarm, m.cfg.Warm}} {
		s, done, err := m.purgeStore(ctx, tier.name, tier.store, cutoff, writeAhead)
		record(s)
		if err != nil {
			return total, false, err
		}
		drained = drained && done
	}

	cold := PurgeSummary{Tier: TierCold}
	coldDone := false
	for batch := 0; batch < m.cfg.MaxBatches; batch++ {
		s, visited, err := m.cfg.Cold.Purge(ctx, cutoff, m.cfg.BatchSize, writeAhead)
		cold.add(s.Count, s.Oldest, s.Newest)
		if err != nil {
			record(cold)
			return total, false, fmt.Errorf("purge archive: %w", err)
		}
		if visited < m.cfg.BatchSize {
			coldDone = true
			break
		}
	}
	record(cold)
	return total, drained && coldDone, nil
}

func (m *Manager) purgeStore(ctx context.Context, tier Tier, store HotStore, cutoff time.Time, writeAhead func(PurgeSummary) error) (PurgeSummary, bool, error) {
	summary := PurgeSummary{Tier: tier}
	for batch := 0; batch < m.cfg.MaxBatches; batch++ {
		events, err := store.ListBefore(ctx, cutoff, m.cfg.BatchSize)
		if err != nil {
			return summary, false, fmt.Errorf("list %s tier: %w", tier, err)
		}
		if len(events) == 0 {
			return summary, true, nil
		}
		ids := eventIDs(events)
		// ListBefore is oldest first.
		entry := PurgeSummary{Tier: tier, Batch: batchKey(ids)}
		entry.add(len(events), events[0].OccurredAt, events[len(events)-1].OccurredAt)
		if err := writeAhead(entry); err != nil {
			return summary, false, err
		}
		if err := store.Remove(ctx, ids); err != nil {
			return summary, false, fmt.Errorf("remove from %s tier: %w", tier, err)
		}
		summary.add(entry.Count, entry.Oldest, entry.Newest)
		if len(events) < m.cfg.BatchSize {
			return summary, true, nil
		}
	}
	return summary, false, nil
}

func eventIDs(events []audit.Event) []string {
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
	}
	return ids
}

// Status returns the last completed cutoff of each tier step. A zero time
// means the step has never completed.
func (m *Manager) Status(ctx context.Context) (map[Step]time.Time, error) {
	out := make(map[Step]time.Time, 3)
	for _, step := range []Step{StepHotToWarm, StepWarmToCold, StepPurge} {
		mark, err := m.cfg.Watermarks.Get(ctx, step)
		if err != nil {
			return nil, err
		}
		out[step] = mark
	}
	return out, nil
}

// Policy returns the configured boundaries.
func (m *Manager) Policy() Policy {
	return m.cfg.Policy
}

package retention

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/audittrail/internal/audit"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type tierFixture struct {
	repo    *audit.InMemoryRepository
	warm    *MemoryWarmStore
	objects *MemoryObjectStore
	index   *MemoryColdIndex
	archive *Archive
	log     *MemoryPurgeLog
	marks   *MemoryWatermarkStore
	locker  *MemoryLocker
}

func newTierFixture() *tierFixture {
	f := &tierFixture{
		repo:    audit.NewInMemoryRepository(),
		warm:    NewMemoryWarmStore(),
		objects: NewMemoryObjectStore(),
		index:   NewMemoryColdIndex(),
		log:     NewMemoryPurgeLog(),
		marks:   NewMemoryWatermarkStore(),
		locker:  NewMemoryLocker(),
	}
	f.archive = NewArchive(f.objects, f.index, "", nil)
	return f
}

func (f *tierFixture) config() ManagerConfig {
	return ManagerConfig{
		Policy:     DefaultPolicy(),
		Hot:        f.repo.RetentionView(),
		Warm:       f.warm,
		Cold:       f.archive,
		PurgeLog:   f.log,
		Watermarks: f.marks,
		Locker:     f.locker,
		BatchSize:  2,
		Clock:      func() time.Time { return testNow },
	}
}

func (f *tierFixture) manager(t *testing.T, modify func(*ManagerConfig)) *Manager {
	t.Helper()
	cfg := f.config()
	if modify != nil {
		modify(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func (f *tierFixture) reader() *TieredReader {
	return NewTieredReader(f.repo, f.warm, f.archive)
}

// agedEvent builds an event that occurred the given number of days before
// testNow.
func agedEvent(days int) audit.Event {
	return audit.Event{
		ID:         fmt.Sprintf("evt-%04dd", days),
		EntityType: "member",
		EntityID:   fmt.Sprintf("m-%d", days),
		Action:     audit.ActionUpdate,
		ActorID:    "steward-1",
		OccurredAt: testNow.Add(-time.Duration(days) * Day),
		BeforeState: audit.FieldMap{
			"status": "pending",
		},
		AfterState: audit.FieldMap{
			"status": "active",
		},
		ChangedFields: []string{"status"},
	}
}

func seedHot(t *testing.T, repo *audit.InMemoryRepository, days ...int) []audit.Event {
	t.Helper()
	var out []audit.Event
	for _, d := range days {
		e := agedEvent(d)
		if err := repo.Append(context.Background(), &e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		out = append(out, e)
	}
	return out
}

func searchAll(t *testing.T, r audit.Reader) map[string]audit.Event {
	t.Helper()
	page, err := r.Search(context.Background(), audit.Filter{IncludeArchive: true})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	out := make(map[string]audit.Event, len(page.Events))
	for _, e := range page.Events {
		out[e.ID] = e
	}
	if page.Total != len(out) {
		t.Errorf("Total = %d, want %d", page.Total, len(out))
	}
	return out
}

func TestManager_MovesEventsThroughTiers(t *testing.T) {
	f := newTierFixture()
	seedHot(t, f.repo, 10, 200, 500, 600, 2600)

	report, err := f.manager(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.MovedToWarm != 4 {
		t.Errorf("MovedToWarm = %d, want 4", report.MovedToWarm)
	}
	if report.MovedToCold != 3 {
		t.Errorf("MovedToCold = %d, want 3", report.MovedToCold)
	}
	if report.PurgedCount() != 1 {
		t.Errorf("PurgedCount() = %d, want 1", report.PurgedCount())
	}
	if len(report.Failed) != 0 {
		t.Errorf("Failed = %v, want none", report.Failed)
	}

	if f.repo.Len() != 1 {
		t.Errorf("hot Len() = %d, want 1", f.repo.Len())
	}
	if f.warm.Len() != 1 {
		t.Errorf("warm Len() = %d, want 1", f.warm.Len())
	}
	if f.index.Len() != 2 {
		t.Errorf("cold index Len() = %d, want 2", f.index.Len())
	}

	all := searchAll(t, f.reader())
	for _, id := range []string{"evt-0010d", "evt-0200d", "evt-0500d", "evt-0600d"} {
		e, ok := all[id]
		if !ok {
			t.Errorf("event %s missing after run", id)
			continue
		}
		if e.AfterState["status"] != "active" {
			t.Errorf("event %s after_state = %v, want payload intact", id, e.AfterState)
		}
	}
	if _, ok := all["evt-2600d"]; ok {
		t.Error("event older than the purge boundary is still readable")
	}
}

func TestManager_TierAgreesWithPolicy(t *testing.T) {
	f := newTierFixture()
	seedHot(t, f.repo, 1, 89, 91, 364, 366, 2556)

	if _, err := f.manager(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	policy := DefaultPolicy()
	ctx := context.Background()
	for _, days := range []int{1, 89, 91, 364, 366, 2556} {
		e := agedEvent(days)
		want := policy.TierAt(e.OccurredAt, testNow)

		var got Tier
		if _, err := f.repo.Get(ctx, e.ID); err == nil {
			got = TierHot
		} else if n, _ := f.warm.Count(ctx, []string{e.ID}); n == 1 {
			got = TierWarm
		} else if n, _ := f.index.Count(ctx, []string{e.ID}); n == 1 {
			got = TierCold
		} else {
			got = TierPurged
		}
		if got != want {
			t.Errorf("event aged %dd is in %s, want %s", days, got, want)
		}
	}
}

func TestManager_PurgesPastRegulatoryMinimum(t *testing.T) {
	f := newTierFixture()
	seedHot(t, f.repo, 2558, 5)

	report, err := f.manager(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	all := searchAll(t, f.reader())
	if _, ok := all["evt-2558d"]; ok {
		t.Error("event aged 7 years + 1 day is still readable")
	}
	if len(f.objects.Keys()) != 0 {
		t.Errorf("archive objects = %v, want none", f.objects.Keys())
	}

	entries, err := f.log.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("purge log entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.Count != 1 || got.Tier != TierCold {
		t.Errorf("purge summary = %+v, want 1 cold record", got)
	}
	want := agedEvent(2558).OccurredAt
	if !got.Oldest.Equal(want) || !got.Newest.Equal(want) {
		t.Errorf("purge range = [%v, %v], want %v", got.Oldest, got.Newest, want)
	}
	if !got.Cutoff.Equal(report.Cutoffs.Purge) {
		t.Errorf("Cutoff = %v, want %v", got.Cutoff, report.Cutoffs.Purge)
	}
	if !got.PurgedAt.Equal(testNow) {
		t.Errorf("PurgedAt = %v, want %v", got.PurgedAt, testNow)
	}
}

func TestManager_RerunIsIdempotent(t *testing.T) {
	f := newTierFixture()
	seedHot(t, f.repo, 10, 200, 500)

	if _, err := f.manager(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := searchAll(t, f.reader())

	t.Run("same cutoffs are skipped", func(t *testing.T) {
		report, err := f.manager(t, nil).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(report.Skipped) != 3 {
			t.Errorf("Skipped = %v, want all three steps", report.Skipped)
		}
	})

	t.Run("lost watermarks do not duplicate", func(t *testing.T) {
		report, err := f.manager(t, func(c *ManagerConfig) {
			c.Watermarks = NewMemoryWatermarkStore()
		}).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if report.MovedToWarm != 0 || report.MovedToCold != 0 {
			t.Errorf("moved %d/%d on re-run, want 0/0", report.MovedToWarm, report.MovedToCold)
		}
	})

	after := searchAll(t, f.reader())
	if len(after) != len(before) {
		t.Errorf("events after re-runs = %d, want %d", len(after), len(before))
	}
	if len(f.objects.Keys()) != 1 {
		t.Errorf("archive objects = %d, want 1", len(f.objects.Keys()))
	}
}

func TestManager_ResumesInterruptedMove(t *testing.T) {
	f := newTierFixture()
	events := seedHot(t, f.repo, 120)
	// A crash after the warm write but before the hot delete leaves the
	// event in both tiers.
	if err := f.warm.Insert(context.Background(), events); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	page, err := f.reader().Search(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if page.Total != 1 || len(page.Events) != 1 {
		t.Errorf("mid-move search = %d events, total %d, want 1", len(page.Events), page.Total)
	}

	report, err := f.manager(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.MovedToWarm != 1 {
		t.Errorf("MovedToWarm = %d, want 1", report.MovedToWarm)
	}
	if f.repo.Len() != 0 || f.warm.Len() != 1 {
		t.Errorf("hot=%d warm=%d, want 0/1", f.repo.Len(), f.warm.Len())
	}
}

type lossyWarmStore struct {
	*MemoryWarmStore
}

func (s lossyWarmStore) Count(ctx context.Context, ids []string) (int, error) {
	n, err := s.MemoryWarmStore.Count(ctx, ids)
	return n - 1, err
}

func TestManager_VerificationFailureKeepsSource(t *testing.T) {
	f := newTierFixture()
	seedHot(t, f.repo, 150, 160)

	report, err := f.manager(t, func(c *ManagerConfig) {
		c.Warm = lossyWarmStore{f.warm}
	}).Run(context.Background())

	if !errors.Is(err, ErrRetentionMigration) {
		t.Fatalf("Run() error = %v, want ErrRetentionMigration", err)
	}
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Run() error = %v, want ErrVerificationFailed", err)
	}
	var merr *MigrationError
	if !errors.As(err, &merr) || merr.Step != StepHotToWarm {
		t.Errorf("MigrationError = %+v, want step %s", merr, StepHotToWarm)
	}
	if len(report.Failed) != 1 || report.Failed[0] != StepHotToWarm {
		t.Errorf("Failed = %v, want [%s]", report.Failed, StepHotToWarm)
	}
	if f.repo.Len() != 2 {
		t.Errorf("hot Len() = %d, want source kept", f.repo.Len())
	}

	mark, _ := f.marks.Get(context.Background(), StepHotToWarm)
	if !mark.IsZero() {
		t.Errorf("watermark advanced to %v after a failed step", mark)
	}

	// The next healthy run completes the move without duplicates.
	if _, err := f.manager(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("healthy Run() error = %v", err)
	}
	if f.repo.Len() != 0 || f.warm.Len() != 2 {
		t.Errorf("hot=%d warm=%d, want 0/2", f.repo.Len(), f.warm.Len())
	}
}

func TestManager_LockHeld(t *testing.T) {
	f := newTierFixture()
	seedHot(t, f.repo, 200)

	release, err := f.locker.Acquire(context.Background(), DefaultLockKey, time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := f.manager(t, nil).Run(context.Background()); !errors.Is(err, ErrLockHeld) {
		t.Errorf("Run() error = %v, want ErrLockHeld", err)
	}
	if f.repo.Len() != 1 {
		t.Errorf("hot Len() = %d, want untouched", f.repo.Len())
	}

	if err := release(context.Background()); err != nil {
		t.Fatalf("release error = %v", err)
	}
	if _, err := f.manager(t, nil).Run(context.Background()); err != nil {
		t.Errorf("Run() after release error = %v", err)
	}
}

type fakePartitions struct {
	calls []time.Time
	ahead int
	err   error
}

func (p *fakePartitions) EnsurePartitions(ctx context.Context, now time.Time, ahead int) ([]string, error) {
	p.calls = append(p.calls, now)
	p.ahead = ahead
	if p.err != nil {
		return nil, p.err
	}
	return []string{PartitionName(now)}, nil
}

func TestManager_Partitions(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantFailed bool
	}{
		{name: "created", err: nil, wantFailed: false},
		{name: "failure does not stop moves", err: errors.New("permission denied"), wantFailed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTierFixture()
			seedHot(t, f.repo, 100)
			parts := &fakePartitions{err: tt.err}

			report, err := f.manager(t, func(c *ManagerConfig) {
				c.Partitions = parts
			}).Run(context.Background())

			if len(parts.calls) != 1 || !parts.calls[0].Equal(testNow) {
				t.Errorf("EnsurePartitions calls = %v, want one at %v", parts.calls, testNow)
			}
			if parts.ahead != DefaultPartitionsAhead {
				t.Errorf("ahead = %d, want %d", parts.ahead, DefaultPartitionsAhead)
			}
			if report.MovedToWarm != 1 {
				t.Errorf("MovedToWarm = %d, want 1", report.MovedToWarm)
			}
			if tt.wantFailed {
				if !errors.Is(err, ErrRetentionMigration) {
					t.Errorf("Run() error = %v, want ErrRetentionMigration", err)
				}
				if len(report.Failed) != 1 || report.Failed[0] != StepPartitions {
					t.Errorf("Failed = %v, want [%s]", report.Failed, StepPartitions)
				}
				return
			}
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
			if len(report.PartitionsCreated) != 1 || report.PartitionsCreated[0] != "audit_events_y2026m06" {
				t.Errorf("PartitionsCreated = %v", report.PartitionsCreated)
			}
		})
	}
}

func TestManager_Status(t *testing.T) {
	f := newTierFixture()
	m := f.manager(t, nil)

	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	for step, mark := range status {
		if !mark.IsZero() {
			t.Errorf("fresh status[%s] = %v, want zero", step, mark)
		}
	}

	report, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	status, _ = m.Status(context.Background())
	if !status[StepHotToWarm].Equal(report.Cutoffs.Warm) {
		t.Errorf("status[%s] = %v, want %v", StepHotToWarm, status[StepHotToWarm], report.Cutoffs.Warm)
	}
	if !status[StepPurge].Equal(report.Cutoffs.Purge) {
		t.Errorf("status[%s] = %v, want %v", StepPurge, status[StepPurge], report.Cutoffs.Purge)
	}
}

func TestNewManager_Validation(t *testing.T) {
	f := newTierFixture()
	tests := []struct {
		name   string
		modify func(*ManagerConfig)
	}{
		{name: "bad policy", modify: func(c *ManagerConfig) { c.Policy.WarmUntil = c.Policy.HotFor }},
		{name: "no warm tier", modify: func(c *ManagerConfig) { c.Warm = nil }},
		{name: "no cold tier", modify: func(c *ManagerConfig) { c.Cold = nil }},
		{name: "no purge log", modify: func(c *ManagerConfig) { c.PurgeLog = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.config()
			tt.modify(&cfg)
			if _, err := NewManager(cfg); err == nil {
				t.Error("NewManager() error = nil, want error")
			}
		})
	}
}

// flakyPurgeLog fails the first failures appends.
type flakyPurgeLog struct {
	*MemoryPurgeLog
	failures int
}

func (l *flakyPurgeLog) Append(ctx context.Context, s PurgeSummary) error {
	if l.failures > 0 {
		l.failures--
		return errors.New("disk full")
	}
	return l.MemoryPurgeLog.Append(ctx, s)
}

func TestManager_PurgeKeepsDataUntilLogged(t *testing.T) {
	f := newTierFixture()
	seedHot(t, f.repo, 2558)
	ctx := context.Background()
	log := &flakyPurgeLog{MemoryPurgeLog: f.log, failures: 1}
	m := f.manager(t, func(c *ManagerConfig) { c.PurgeLog = log })

	if _, err := m.Run(ctx); !errors.Is(err, ErrRetentionMigration) {
		t.Fatalf("first Run() error = %v, want ErrRetentionMigration", err)
	}
	if n, _ := f.index.Count(ctx, []string{"evt-2558d"}); n != 1 || len(f.objects.Keys()) != 1 {
		t.Fatalf("index=%d objects=%d; event purged without a summary", n, len(f.objects.Keys()))
	}
	if entries, _ := f.log.List(ctx); len(entries) != 0 {
		t.Fatalf("purge log entries = %+v, want none yet", entries)
	}

	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if report.PurgedCount() != 1 {
		t.Errorf("PurgedCount() = %d, want 1", report.PurgedCount())
	}
	entries, _ := f.log.List(ctx)
	if len(entries) != 1 || entries[0].Tier != TierCold || entries[0].Count != 1 || entries[0].Batch == "" {
		t.Errorf("purge log = %+v, want one keyed cold entry", entries)
	}
	if n, _ := f.index.Count(ctx, []string{"evt-2558d"}); n != 0 {
		t.Error("event still archived after a logged purge")
	}
}

func TestManager_PurgeStragglerKeptUntilLogged(t *testing.T) {
	f := newTierFixture()
	seedHot(t, f.repo, 2558)
	ctx := context.Background()
	log := &flakyPurgeLog{MemoryPurgeLog: f.log, failures: 1}
	// Verification into warm always fails, so the event stays in hot.
	m := f.manager(t, func(c *ManagerConfig) {
		c.Warm = lossyWarmStore{f.warm}
		c.PurgeLog = log
	})

	if _, err := m.Run(ctx); err == nil {
		t.Fatal("first Run() error = nil")
	}
	if f.repo.Len() != 1 {
		t.Fatalf("hot Len() = %d, want straggler kept while the log is failing", f.repo.Len())
	}

	if _, err := m.Run(ctx); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("second Run() error = %v, want only the warm verification failure", err)
	}
	if f.repo.Len() != 0 {
		t.Errorf("hot Len() = %d, want straggler purged", f.repo.Len())
	}
	entries, _ := f.log.List(ctx)
	var hot *PurgeSummary
	for i := range entries {
		if entries[i].Tier == TierHot {
			hot = &entries[i]
		}
	}
	if hot == nil || hot.Count != 1 || !hot.Oldest.Equal(agedEvent(2558).OccurredAt) {
		t.Errorf("purge log = %+v, want a hot entry for the straggler", entries)
	}
}

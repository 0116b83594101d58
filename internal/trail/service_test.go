package trail

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/audittrail/internal/access"
	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/requestctx"
)

type fixture struct {
	repo     *audit.InMemoryRepository
	recorder *audit.Recorder
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	repo := audit.NewInMemoryRepository()
	recorder, err := audit.NewRecorder(audit.RecorderConfig{Appender: repo})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	acc, err := access.NewService(access.ServiceConfig{Reader: repo})
	if err != nil {
		t.Fatalf("access.NewService() error = %v", err)
	}
	cfg.Querier = acc
	if cfg.Recorder == nil {
		cfg.Recorder = recorder
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return &fixture{repo: repo, recorder: recorder, svc: svc}
}

func actorCtx(actor string) (context.Context, requestctx.EndFunc) {
	return requestctx.Begin(context.Background(), requestctx.RequestContext{
		ActorID:       actor,
		SourceAddress: "198.51.100.23",
		RequestID:     "req-" + actor,
	})
}

func TestGetEntityHistory_AdminRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, end := actorCtx("u1")
	defer end()

	created, err := f.recorder.RecordCreate(ctx, "member", "42", audit.FieldMap{"name": "J. Doe", "status": "applicant"})
	if err != nil {
		t.Fatalf("RecordCreate() error = %v", err)
	}
	updated, err := f.recorder.RecordUpdate(ctx, "member", "42",
		audit.FieldMap{"status": "applicant"}, audit.FieldMap{"status": "active"})
	if err != nil {
		t.Fatalf("RecordUpdate() error = %v", err)
	}

	history, err := f.svc.GetEntityHistory(context.Background(), Viewer{Role: "admin", ActorID: "root"}, "member", "42", 10)
	if err != nil {
		t.Fatalf("GetEntityHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d events, want 2", len(history))
	}

	// Newest first.
	for i, want := range []*audit.Event{updated, created} {
		got := history[i]
		if got.ID != want.ID || got.Action != want.Action || got.ActorID != want.ActorID ||
			!got.OccurredAt.Equal(want.OccurredAt) {
			t.Errorf("history[%d] = %+v, want %+v", i, got, *want)
		}
		if !reflect.DeepEqual(got.BeforeState, want.BeforeState) || !reflect.DeepEqual(got.AfterState, want.AfterState) {
			t.Errorf("history[%d] snapshots = %v/%v, want %v/%v", i, got.BeforeState, got.AfterState, want.BeforeState, want.AfterState)
		}
	}
	if history[1].Action != audit.ActionCreate || history[1].BeforeState != nil {
		t.Errorf("create event = %+v, want CREATE with no before state", history[1])
	}
	if !reflect.DeepEqual(history[0].ChangedFields, []string{"status"}) {
		t.Errorf("ChangedFields = %v, want [status]", history[0].ChangedFields)
	}
}

func TestGetActorActivity_StaffCannotSeeOthers(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, end := actorCtx("u2")
	if _, err := f.recorder.RecordRead(ctx, "member", "7", audit.FieldMap{"name": "A. Smith"}); err != nil {
		t.Fatalf("RecordRead() error = %v", err)
	}
	end()

	events, err := f.svc.GetActorActivity(context.Background(), Viewer{Role: "staff", ActorID: "u1"}, "u2", time.Time{}, time.Time{}, 10)
	if !errors.Is(err, access.ErrAccessDenied) {
		t.Fatalf("GetActorActivity() error = %v, want ErrAccessDenied", err)
	}
	if len(events) != 0 {
		t.Errorf("denied call returned %d events", len(events))
	}

	own, err := f.svc.GetActorActivity(context.Background(), Viewer{Role: "staff", ActorID: "u2"}, "u2", time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetActorActivity(self) error = %v", err)
	}
	if len(own) != 1 {
		t.Errorf("own activity = %d events, want 1", len(own))
	}
}

func TestGetActorActivity_DateRange(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	repo := audit.NewInMemoryRepository()
	recorder, _ := audit.NewRecorder(audit.RecorderConfig{
		Appender: repo,
		Clock: func() time.Time {
			tick = tick.Add(time.Hour)
			return tick
		},
	})
	acc, _ := access.NewService(access.ServiceConfig{Reader: repo})
	svc, _ := NewService(Config{Querier: acc, Recorder: recorder})

	ctx, end := actorCtx("u1")
	defer end()
	for i := 0; i < 4; i++ {
		if _, err := recorder.RecordRead(ctx, "member", "1", nil); err != nil {
			t.Fatalf("RecordRead() error = %v", err)
		}
	}

	events, err := svc.GetActorActivity(context.Background(), Viewer{Role: "auditor"}, "u1",
		base.Add(2*time.Hour), base.Add(4*time.Hour), 0)
	if err != nil {
		t.Fatalf("GetActorActivity() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 within [02:00, 04:00)", len(events))
	}
	if !events[0].OccurredAt.Equal(base.Add(3*time.Hour)) {
		t.Errorf("newest = %v, want 03:00", events[0].OccurredAt)
	}

	if _, err := svc.GetActorActivity(context.Background(), Viewer{Role: "auditor"}, "u1",
		base.Add(4*time.Hour), base.Add(2*time.Hour), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("inverted range error = %v, want ErrInvalidArgument", err)
	}
}

func TestSearch_Pagination(t *testing.T) {
	f := newFixture(t, Config{MaxPageSize: 3})
	ctx, end := actorCtx("u1")
	defer end()
	for i := 0; i < 7; i++ {
		if _, err := f.recorder.RecordRead(ctx, "member", "1", nil); err != nil {
			t.Fatalf("RecordRead() error = %v", err)
		}
	}
	viewer := Viewer{Role: "auditor", ActorID: "a1"}

	tests := []struct {
		name         string
		page         int
		pageSize     int
		wantEvents   int
		wantPageSize int
	}{
		{"first page", 1, 2, 2, 2},
		{"last partial page", 4, 2, 1, 2},
		{"past the end", 9, 2, 0, 2},
		{"page size clamped", 1, 100, 3, 3},
		{"default page size", 1, 0, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Search(context.Background(), viewer, audit.Filter{EntityType: "member"}, tt.page, tt.pageSize)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if res.Total != 7 {
				t.Errorf("Total = %d, want 7", res.Total)
			}
			if len(res.Events) != tt.wantEvents {
				t.Errorf("events = %d, want %d", len(res.Events), tt.wantEvents)
			}
			if res.PageSize != tt.wantPageSize {
				t.Errorf("PageSize = %d, want %d", res.PageSize, tt.wantPageSize)
			}
			if res.Events == nil {
				t.Error("Events is nil, want empty slice")
			}
		})
	}
}

func TestSearch_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	viewer := Viewer{Role: "admin"}

	if _, err := f.svc.Search(context.Background(), viewer, audit.Filter{}, 0, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("page 0 error = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.svc.Search(context.Background(), viewer, audit.Filter{Actions: []audit.Action{"PATCH"}}, 1, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad action error = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.svc.GetEntityHistory(context.Background(), viewer, "member", "", 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("missing id error = %v, want ErrInvalidArgument", err)
	}
}

func TestSearch_NoMutation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, end := actorCtx("u1")
	defer end()
	if _, err := f.recorder.RecordCreate(ctx, "member", "1", audit.FieldMap{"ssn": "123"}); err != nil {
		t.Fatalf("RecordCreate() error = %v", err)
	}

	before := f.repo.Len()
	res, err := f.svc.Search(context.Background(), Viewer{Role: "auditor"}, audit.Filter{}, 1, 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if res.Events[0].AfterState["ssn"] != access.MaskedValue {
		t.Errorf("auditor ssn = %v, want masked", res.Events[0].AfterState["ssn"])
	}
	if f.repo.Len() != before {
		t.Errorf("Search changed store size %d -> %d", before, f.repo.Len())
	}

	stored, err := f.repo.Search(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("repo.Search() error = %v", err)
	}
	if stored.Events[0].AfterState["ssn"] != "123" {
		t.Errorf("stored ssn = %v, redaction leaked into storage", stored.Events[0].AfterState["ssn"])
	}
}

func TestNewService_NilQuerier(t *testing.T) {
	if _, err := NewService(Config{}); !errors.Is(err, ErrNilQuerier) {
		t.Errorf("NewService() error = %v, want ErrNilQuerier", err)
	}
}

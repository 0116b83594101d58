package requestctx

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCurrent_WithoutBegin(t *testing.T) {
	rc := Current(context.Background())
	if rc.ActorID != ActorSystem {
		t.Errorf("Current() ActorID = %q, want %q", rc.ActorID, ActorSystem)
	}

	if _, err := Lookup(context.Background()); !errors.Is(err, ErrContextMissing) {
		t.Errorf("Lookup() error = %v, want ErrContextMissing", err)
	}
}

func TestBegin(t *testing.T) {
	tests := []struct {
		name      string
		rc        RequestContext
		wantActor string
	}{
		{
			name:      "authenticated actor",
			rc:        RequestContext{ActorID: "u1", SourceAddress: "10.0.0.1", ClientAgent: "curl/8.0"},
			wantActor: "u1",
		},
		{
			name:      "missing actor falls back to anonymous",
			rc:        RequestContext{SourceAddress: "10.0.0.2"},
			wantActor: ActorAnonymous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, end := Begin(context.Background(), tt.rc)
			defer end()

			got := Current(ctx)
			if got.ActorID != tt.wantActor {
				t.Errorf("Current() ActorID = %q, want %q", got.ActorID, tt.wantActor)
			}
			if got.SourceAddress != tt.rc.SourceAddress {
				t.Errorf("Current() SourceAddress = %q, want %q", got.SourceAddress, tt.rc.SourceAddress)
			}
			if got.ClientAgent != tt.rc.ClientAgent {
				t.Errorf("Current() ClientAgent = %q, want %q", got.ClientAgent, tt.rc.ClientAgent)
			}
		})
	}
}

func TestEnd_ClearsScope(t *testing.T) {
	ctx, end := Begin(context.Background(), RequestContext{ActorID: "u1"})
	child, cancel := context.WithCancel(ctx)
	defer cancel()

	end()

	for name, c := range map[string]context.Context{"root": ctx, "child": child} {
		if got := Current(c).ActorID; got != ActorSystem {
			t.Errorf("%s: Current() after end = %q, want %q", name, got, ActorSystem)
		}
	}

	// Ending twice is harmless.
	end()
	End(ctx)
}

func TestScopesDoNotLeak(t *testing.T) {
	base := context.Background()

	ctx1, end1 := Begin(base, RequestContext{ActorID: "u1"})
	end1()

	// A reused worker starting its next unit of work from the same base.
	ctx2, end2 := Begin(base, RequestContext{ActorID: "u2"})
	defer end2()

	if got := Current(ctx1).ActorID; got == "u1" {
		t.Error("ended scope still reports prior actor")
	}
	if got := Current(ctx2).ActorID; got != "u2" {
		t.Errorf("Current() = %q, want u2", got)
	}
	if got := Current(base).ActorID; got != ActorSystem {
		t.Errorf("base context Current() = %q, want %q", got, ActorSystem)
	}
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := string(rune('a' + i%26))
			ctx, end := Begin(context.Background(), RequestContext{ActorID: actor})
			defer end()
			for j := 0; j < 100; j++ {
				if got := Current(ctx).ActorID; got != actor {
					errs <- got
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for got := range errs {
		t.Errorf("observed foreign actor %q", got)
	}
}

func TestWithSystemActor(t *testing.T) {
	ctx, end := WithSystemActor(context.Background(), "retention")
	defer end()

	rc := Current(ctx)
	if rc.ActorID != ActorSystem {
		t.Errorf("ActorID = %q, want %q", rc.ActorID, ActorSystem)
	}
	if rc.ClientAgent != "job:retention" {
		t.Errorf("ClientAgent = %q, want job:retention", rc.ClientAgent)
	}
}

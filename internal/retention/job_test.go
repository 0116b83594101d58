package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	report RunReport
	err    error
	block  bool
}

func (r *fakeRunner) Run(ctx context.Context) (RunReport, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return r.report, ctx.Err()
	}
	return r.report, r.err
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingJobMetrics struct {
	mu     sync.Mutex
	totals map[string]int
	errors map[string]int
	timed  int
}

func newRecordingJobMetrics() *recordingJobMetrics {
	return &recordingJobMetrics{totals: map[string]int{}, errors: map[string]int{}}
}

func (m *recordingJobMetrics) IncJobsTotal(jobType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[jobType+"/"+status]++
}

func (m *recordingJobMetrics) ObserveJobDuration(jobType string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timed++
}

func (m *recordingJobMetrics) IncJobErrors(jobType, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[jobType+"/"+errorType]++
}

func TestJob_RunNow(t *testing.T) {
	tests := []struct {
		name       string
		runner     *fakeRunner
		timeout    time.Duration
		wantStatus string
		wantErrors map[string]int
		wantTimed  int
	}{
		{
			name:       "success",
			runner:     &fakeRunner{},
			wantStatus: "success",
			wantTimed:  1,
		},
		{
			name: "failed steps are counted",
			runner: &fakeRunner{
				report: RunReport{Failed: []Step{StepWarmToCold, StepPurge}},
				err:    &MigrationError{Step: StepWarmToCold, Err: ErrVerificationFailed},
			},
			wantStatus: "failure",
			wantErrors: map[string]int{JobType + "/warm_to_cold": 1, JobType + "/purge": 1},
			wantTimed:  1,
		},
		{
			name:       "timeout",
			runner:     &fakeRunner{block: true},
			timeout:    10 * time.Millisecond,
			wantStatus: "failure",
			wantErrors: map[string]int{JobType + "/timeout": 1},
			wantTimed:  1,
		},
		{
			name:   "lock held is not a run",
			runner: &fakeRunner{err: ErrLockHeld},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := newRecordingJobMetrics()
			job := NewJob(JobConfig{Timeout: tt.timeout, JobMetrics: metrics}, tt.runner)

			_, err := job.RunNow(context.Background())
			if tt.runner.err != nil && !errors.Is(err, tt.runner.err) {
				t.Errorf("RunNow() error = %v, want %v", err, tt.runner.err)
			}

			if tt.wantStatus == "" {
				if len(metrics.totals) != 0 {
					t.Errorf("totals = %v, want none", metrics.totals)
				}
			} else if metrics.totals[JobType+"/"+tt.wantStatus] != 1 {
				t.Errorf("totals = %v, want one %s", metrics.totals, tt.wantStatus)
			}
			if metrics.timed != tt.wantTimed {
				t.Errorf("durations observed = %d, want %d", metrics.timed, tt.wantTimed)
			}
			if len(metrics.errors) != len(tt.wantErrors) {
				t.Errorf("errors = %v, want %v", metrics.errors, tt.wantErrors)
			}
			for k, v := range tt.wantErrors {
				if metrics.errors[k] != v {
					t.Errorf("errors[%s] = %d, want %d", k, metrics.errors[k], v)
				}
			}
		})
	}
}

func TestJob_StartStop(t *testing.T) {
	runner := &fakeRunner{}
	job := NewJob(JobConfig{Interval: 5 * time.Millisecond}, runner)

	if job.IsRunning() {
		t.Fatal("IsRunning() = true before Start")
	}
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if !job.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if runner.Calls() == 0 {
		t.Error("runner never called")
	}

	job.Stop()
	if job.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	job.Stop()
}

func TestJob_StopsOnContextCancel(t *testing.T) {
	job := NewJob(JobConfig{Interval: time.Hour}, &fakeRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := job.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		job.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancellation")
	}
}

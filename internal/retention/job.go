package retention

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/audittrail/internal/jobs"
	"github.com/onnwee/audittrail/internal/requestctx"
)

// JobMetrics reports to the shared background job metrics.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// JobType labels retention runs in JobMetrics.
const JobType = jobs.JobTypeRetention

// Job defaults.
const (
	DefaultJobInterval = time.Hour
	DefaultJobTimeout  = 30 * time.Minute
)

// Runner performs one retention pass. *Manager satisfies it.
type Runner interface {
	Run(ctx context.Context) (RunReport, error)
}

// JobConfig configures a Job.
type JobConfig struct {
	// Interval between runs.
	Interval time.Duration
	// Timeout for each run.
	Timeout    time.Duration
	Logger     *slog.Logger
	JobMetrics JobMetrics
}

// Job runs retention on a fixed interval. A missed or failed run is caught
// up by the next one.
type Job struct {
	config JobConfig
	runner Runner

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewJob creates a Job.
func NewJob(config JobConfig, runner Runner) *Job {
	if config.Interval <= 0 {
		config.Interval = DefaultJobInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultJobTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Job{config: config, runner: runner}
}

// Start begins the schedule. It returns immediately.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for the current run to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning reports whether the schedule is active.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("retention job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("retention job stopping due to stop signal")
			return
		case <-ticker.C:
			j.RunNow(ctx)
		}
	}
}

// RunNow performs one run immediately, bounded by the configured timeout.
func (j *Job) RunNow(parent context.Context) (RunReport, error) {
	ctx, cancel := context.WithTimeout(parent, j.config.Timeout)
	defer cancel()
	ctx, end := requestctx.WithSystemActor(ctx, JobType)
	defer end()

	start := time.Now()
	report, err := j.runner.Run(ctx)
	duration := time.Since(start).Seconds()

	status := jobs.StatusSuccess
	switch {
	case errors.Is(err, ErrLockHeld):
		j.config.Logger.Info("retention run skipped, another run holds the lock")
		return report, err
	case errors.Is(err, context.DeadlineExceeded):
		status = jobs.StatusFailure
		j.config.Logger.Error("retention run timeout exceeded",
			slog.Duration("timeout", j.config.Timeout))
		j.incError("timeout")
	case err != nil:
		status = jobs.StatusFailure
		for _, step := range report.Failed {
			j.incError(string(step))
		}
	}

	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobsTotal(JobType, status)
		j.config.JobMetrics.ObserveJobDuration(JobType, duration)
	}
	return report, err
}

func (j *Job) incError(errorType string) {
	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobErrors(JobType, errorType)
	}
}

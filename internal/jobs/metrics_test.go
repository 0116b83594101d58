package jobs

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return -1
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func histogramCount(vec *prometheus.HistogramVec, labels ...string) uint64 {
	o, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	metric, ok := o.(prometheus.Metric)
	if !ok {
		return 0
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetrics_Register(t *testing.T) {
	t.Run("gathered after use", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		m.IncJobsTotal(JobTypeRetention, StatusSuccess)
		m.ObserveJobDuration(JobTypeRetention, 12)
		m.IncJobErrors(JobTypeRetention, "purge")

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather() error = %v", err)
		}
		want := map[string]bool{
			MetricJobsTotal:      false,
			MetricJobsDuration:   false,
			MetricJobErrorsTotal: false,
		}
		for _, f := range families {
			if _, ok := want[f.GetName()]; ok {
				want[f.GetName()] = true
			}
		}
		for name, found := range want {
			if !found {
				t.Errorf("metric %s not gathered", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if err := NewMetrics().Register(reg); err != nil {
			t.Fatalf("first Register() error = %v", err)
		}
		if err := NewMetrics().Register(reg); err == nil {
			t.Error("second Register() error = nil, want error")
		}
	})
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics()

	tests := []struct {
		jobType string
		status  string
		runs    int
	}{
		{JobTypeRetention, StatusSuccess, 4},
		{JobTypeRetention, StatusFailure, 1},
		{JobTypeQueueDrain, StatusFailure, 2},
	}
	for _, tt := range tests {
		for i := 0; i < tt.runs; i++ {
			m.IncJobsTotal(tt.jobType, tt.status)
			m.ObserveJobDuration(tt.jobType, 0.5)
		}
		if got := counterValue(m.jobsTotal, tt.jobType, tt.status); got != float64(tt.runs) {
			t.Errorf("jobs_total{%s,%s} = %v, want %d", tt.jobType, tt.status, got, tt.runs)
		}
	}

	if got := histogramCount(m.jobsDuration, JobTypeRetention); got != 5 {
		t.Errorf("retention duration samples = %d, want 5", got)
	}

	m.IncJobErrors(JobTypeRetention, "timeout")
	m.IncJobErrors(JobTypeRetention, "timeout")
	if got := counterValue(m.jobErrors, JobTypeRetention, "timeout"); got != 2 {
		t.Errorf("errors{timeout} = %v, want 2", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncJobsTotal(JobTypeRetention, StatusSuccess)
	m.ObserveJobDuration(JobTypeRetention, 1)
	m.IncJobErrors(JobTypeRetention, "timeout")
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	const goroutines, iterations = 10, 100

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.IncJobsTotal(JobTypeQueueDrain, StatusSuccess)
				m.ObserveJobDuration(JobTypeQueueDrain, 0.1)
			}
		}()
	}
	wg.Wait()

	if got := counterValue(m.jobsTotal, JobTypeQueueDrain, StatusSuccess); got != goroutines*iterations {
		t.Errorf("jobs_total = %v, want %d", got, goroutines*iterations)
	}
	if got := histogramCount(m.jobsDuration, JobTypeQueueDrain); got != goroutines*iterations {
		t.Errorf("duration samples = %d, want %d", got, goroutines*iterations)
	}
}

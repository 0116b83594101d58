package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricEventsRecorded      = "audit_events_recorded_total"
	MetricPersistenceFailures = "audit_persistence_failures_total"
	MetricWriteDuration       = "audit_write_duration_seconds"
)

// Metrics contains Prometheus metrics for the audit write path. A rising
// persistence failure counter means sensitive operations are going
// unaudited and should page someone.
type Metrics struct {
	eventsRecorded      *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	writeDuration       prometheus.Histogram
}

// NewMetrics creates a new Metrics instance. Call Register to expose it.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsRecorded,
				Help: "Total number of audit events durably recorded by action",
			},
			[]string{"action"},
		),
		persistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPersistenceFailures,
				Help: "Total number of audit events that could not be persisted by action",
			},
			[]string{"action"},
		),
		writeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricWriteDuration,
				Help:    "Histogram of audit event write latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsRecorded,
		m.persistenceFailures,
		m.writeDuration,
	}
}

func (m *Metrics) observeSuccess(action Action, seconds float64) {
	if m == nil {
		return
	}
	m.eventsRecorded.WithLabelValues(string(action)).Inc()
	m.writeDuration.Observe(seconds)
}

func (m *Metrics) observeFailure(action Action, seconds float64) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(string(action)).Inc()
	m.writeDuration.Observe(seconds)
}

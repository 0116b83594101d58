package retention

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricMovedTotal       = "audit_retention_moved_total"
	MetricPurgedTotal      = "audit_retention_purged_total"
	MetricStepFailures     = "audit_retention_step_failures_total"
	MetricLastSuccessfulAt = "audit_retention_last_success_timestamp_seconds"
)

// Metrics tracks retention runs.
type Metrics struct {
	moved       *prometheus.CounterVec
	purged      *prometheus.CounterVec
	failures    *prometheus.CounterVec
	lastSuccess prometheus.Gauge
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		moved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricMovedTotal,
				Help: "Audit events moved between storage tiers",
			},
			[]string{"step"},
		),
		purged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPurgedTotal,
				Help: "Audit events permanently deleted past the retention ceiling",
			},
			[]string{"tier"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricStepFailures,
				Help: "Retention steps that failed and will be retried",
			},
			[]string{"step"},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricLastSuccessfulAt,
				Help: "Unix time of the last retention run with no failed steps",
			},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.moved, m.purged, m.failures, m.lastSuccess}
}

func (m *Metrics) addMoved(step Step, n int) {
	if m == nil || n == 0 {
		return
	}
	m.moved.WithLabelValues(string(step)).Add(float64(n))
}

func (m *Metrics) addPurged(tier Tier, n int) {
	if m == nil || n == 0 {
		return
	}
	m.purged.WithLabelValues(string(tier)).Add(float64(n))
}

func (m *Metrics) incFailure(step Step) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(step)).Inc()
}

func (m *Metrics) setSuccess(unix float64) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(unix)
}

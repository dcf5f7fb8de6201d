package safety

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Checks        *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec
	Decisions     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safety_checks_total",
				Help: "Safety check evaluations by check and outcome.",
			},
			[]string{"check", "result"},
		),
		CheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safety_check_duration_seconds",
				Help:    "Safety check duration in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"check"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safety_decisions_total",
				Help: "Pipeline decisions by result and rejection code.",
			},
			[]string{"result", "code"},
		),
	}

	registry.MustRegister(m.Checks, m.CheckDuration, m.Decisions)
	return m
}

func (m *Metrics) observeCheck(name string, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.Checks.WithLabelValues(name, outcome.String()).Inc()
	m.CheckDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) observeDecision(allowed bool, code string) {
	if m == nil {
		return
	}
	result := "rejected"
	if allowed {
		result = "allowed"
	}
	m.Decisions.WithLabelValues(result, code).Inc()
}

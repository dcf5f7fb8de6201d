package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrderSubmissions       *prometheus.CounterVec
	OrderSubmissionLatency *prometheus.HistogramVec
	OrderCancellations     *prometheus.CounterVec
	AuthorizationFailures  prometheus.Counter
	ReconcileEvents        *prometheus.CounterVec
	AuditFailures          prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_submissions_total",
				Help: "Order submissions by outcome and trading mode.",
			},
			[]string{"outcome", "mode"},
		),
		OrderSubmissionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_submission_latency_seconds",
				Help:    "End-to-end order submission latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		OrderCancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_cancellations_total",
				Help: "Total order cancellation attempts.",
			},
			[]string{"status"},
		),
		AuthorizationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trading_authorization_failures_total",
				Help: "Trading requests from users without a trading role.",
			},
		),
		ReconcileEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_reconcile_events_total",
				Help: "ledger.reconcile events published and consumed.",
			},
			[]string{"stage", "status"},
		),
		AuditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_write_failures_total",
				Help: "Audit events that could not be persisted or published.",
			},
		),
	}

	registry.MustRegister(
		m.OrderSubmissions,
		m.OrderSubmissionLatency,
		m.OrderCancellations,
		m.AuthorizationFailures,
		m.ReconcileEvents,
		m.AuditFailures,
	)
	return m
}

func (m *Metrics) observeSubmission(outcome Outcome, mode string, start time.Time) {
	if m == nil {
		return
	}
	m.OrderSubmissions.WithLabelValues(string(outcome), mode).Inc()
	m.OrderSubmissionLatency.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeCancellation(status string) {
	if m == nil {
		return
	}
	m.OrderCancellations.WithLabelValues(status).Inc()
}

func (m *Metrics) observeAuthorizationFailure() {
	if m == nil {
		return
	}
	m.AuthorizationFailures.Inc()
}

// ObserveReconcile records a reconcile event at stage "publish" or "consume".
func (m *Metrics) ObserveReconcile(stage, status string) {
	if m == nil {
		return
	}
	m.ReconcileEvents.WithLabelValues(stage, status).Inc()
}

func (m *Metrics) observeAuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

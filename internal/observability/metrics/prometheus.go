// Package metrics provides Prometheus metrics for the prescription ledger.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umodzi/rxledger/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsIssued    prometheus.Counter
	PrescriptionsDispensed prometheus.Counter
	PrescriptionsDeleted   prometheus.Counter
	OperationFailures      *prometheus.CounterVec
	OperationDuration      *prometheus.HistogramVec
	EventsPublished        prometheus.Counter
	EventPublishFailures   prometheus.Counter
	CommandsConsumed       *prometheus.CounterVec
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them with reg. A nil reg uses a fresh registry, which
// keeps tests isolated from the global default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		PrescriptionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_issued_total",
			Help: "Total prescriptions issued",
		}),
		PrescriptionsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_dispensed_total",
			Help: "Total prescriptions dispensed",
		}),
		PrescriptionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_deleted_total",
			Help: "Total prescriptions deleted",
		}),
		OperationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operation_failures_total",
			Help: "Failed ledger operations by operation and error kind",
		}, []string{"op", "kind"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Ledger operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_events_published_total",
			Help: "Domain events handed to the publisher",
		}),
		EventPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_event_publish_failures_total",
			Help: "Domain events the publisher rejected",
		}),
		CommandsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_commands_consumed_total",
			Help: "Commands consumed from the broker by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsIssued,
		m.PrescriptionsDispensed,
		m.PrescriptionsDeleted,
		m.OperationFailures,
		m.OperationDuration,
		m.EventsPublished,
		m.EventPublishFailures,
		m.CommandsConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveOperation records the duration of op and, when kind is non-empty, a failure.
func (m *Metrics) ObserveOperation(op string, started time.Time, kind string) {
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if kind != "" {
		m.OperationFailures.WithLabelValues(op, kind).Inc()
	}
}

// SetBreakerState matches circuitbreaker.Config.OnStateChange.
func (m *Metrics) SetBreakerState(name string, state circuitbreaker.State) {
	var v float64
	switch state {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Package telemetry implements the Prometheus metrics §9's ambient stack
// note names: event latency histograms, settlement-window violations,
// timeout counters, and circuit-breaker state gauges. Grounded on the
// pack's infrastructure/metrics.Metrics (one struct of CounterVec/
// HistogramVec/GaugeVec collectors registered in a constructor), adapted
// from HTTP/blockchain business metrics to the calculation core's own
// event/engine metrics; the teacher's internal/monitor.SystemMetrics
// (hand-rolled latency histogram) is replaced one-for-one by Prometheus
// collectors rather than re-implemented.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the calculation core emits.
type Metrics struct {
	EventLatency               *prometheus.HistogramVec
	SettlementWindowViolations *prometheus.CounterVec
	TimeoutsTotal              *prometheus.CounterVec
	DeadLettersTotal           *prometheus.CounterVec
	CircuitBreakerState        *prometheus.GaugeVec
	CacheEvictionsTotal        *prometheus.CounterVec
	LeaseWaitDuration          *prometheus.HistogramVec
	LimitDenialsTotal          *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// so tests can use a private registry instead of the global default.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ims_event_latency_seconds",
				Help:    "Time from envelope arrival to handler Ok, by topic.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"topic"},
		),
		SettlementWindowViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_settlement_window_violations_total",
				Help: "Trades rejected for a settlement day outside [0,4].",
			},
			[]string{"security_id"},
		),
		TimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_timeouts_total",
				Help: "Operations that aborted on deadline expiry, by operation name.",
			},
			[]string{"operation"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_dead_letters_total",
				Help: "Envelopes routed to the dead-letter topic, by original topic.",
			},
			[]string{"topic"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ims_circuit_breaker_state",
				Help: "0=closed, 1=half-open, 2=open, by named call.",
			},
			[]string{"call"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_cache_evictions_total",
				Help: "Grid entries evicted, by named map.",
			},
			[]string{"map"},
		),
		LeaseWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ims_lease_wait_seconds",
				Help:    "Time spent waiting to acquire a cache lease, by named map.",
				Buckets: []float64{.0001, .001, .005, .01, .025, .05, .1},
			},
			[]string{"map"},
		),
		LimitDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ims_limit_denials_total",
				Help: "validate_order/record_order denials, by side.",
			},
			[]string{"side"},
		),
	}

	collectors := []prometheus.Collector{
		m.EventLatency, m.SettlementWindowViolations, m.TimeoutsTotal,
		m.DeadLettersTotal, m.CircuitBreakerState, m.CacheEvictionsTotal,
		m.LeaseWaitDuration, m.LimitDenialsTotal,
	}
	for _, c := range collectors {
		_ = registerer.Register(c)
	}
	return m
}

// ObserveEventLatency records the time a handler took to process an
// envelope on topic.
func (m *Metrics) ObserveEventLatency(topic string, d time.Duration) {
	m.EventLatency.WithLabelValues(topic).Observe(d.Seconds())
}

// IncSettlementWindowViolation records a rejected out-of-window trade.
func (m *Metrics) IncSettlementWindowViolation(securityID string) {
	m.SettlementWindowViolations.WithLabelValues(securityID).Inc()
}

// IncTimeout records an operation that aborted on deadline expiry.
func (m *Metrics) IncTimeout(operation string) {
	m.TimeoutsTotal.WithLabelValues(operation).Inc()
}

// IncDeadLetter records an envelope dead-lettered from topic.
func (m *Metrics) IncDeadLetter(topic string) {
	m.DeadLettersTotal.WithLabelValues(topic).Inc()
}

// SetBreakerState records a named call's circuit breaker lifecycle state.
func (m *Metrics) SetBreakerState(call string, state int) {
	m.CircuitBreakerState.WithLabelValues(call).Set(float64(state))
}

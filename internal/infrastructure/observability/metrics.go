package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// Metrics holds all application metrics and implements the recorder ports
// of the payment, outbox, command and compensation packages.
type Metrics struct {
	// Payment metrics
	PaymentsTotal   *prometheus.CounterVec
	PaymentDuration *prometheus.HistogramVec
	RefundsTotal    *prometheus.CounterVec

	// Outbox metrics
	OutboxPublished    *prometheus.CounterVec
	OutboxFailures     *prometheus.CounterVec
	OutboxDeadLettered *prometheus.CounterVec
	OutboxDeadLetters  prometheus.Gauge

	// Command consumer metrics
	CommandsHandled *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Compensation metrics
	Compensations *prometheus.CounterVec
	Reconciled    *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Total number of payments by provider and final status",
			},
			[]string{"provider", "status"},
		),
		PaymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payment_duration_seconds",
				Help:      "Payment processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "status"},
		),
		RefundsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refunds_total",
				Help:      "Total number of refunds by status",
			},
			[]string{"status"},
		),
		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_published_total",
				Help:      "Outbox events delivered to the event bus",
			},
			[]string{"event_type"},
		),
		OutboxFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_publish_failures_total",
				Help:      "Failed outbox publish attempts",
			},
			[]string{"event_type"},
		),
		OutboxDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_dead_lettered_total",
				Help:      "Outbox events that exhausted their attempts",
			},
			[]string{"event_type"},
		),
		OutboxDeadLetters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_dead_letters",
				Help:      "Current number of dead-lettered outbox events",
			},
		),
		CommandsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_handled_total",
				Help:      "Commands consumed by command and ack decision",
			},
			[]string{"command", "decision"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Command handling duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"command"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Compensation attempts by policy and result",
			},
			[]string{"policy", "result"},
		),
		Reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_reconciled_total",
				Help:      "Stale payments resolved by the reconciler",
			},
			[]string{"outcome"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.PaymentsTotal,
		m.PaymentDuration,
		m.RefundsTotal,
		m.OutboxPublished,
		m.OutboxFailures,
		m.OutboxDeadLettered,
		m.OutboxDeadLetters,
		m.CommandsHandled,
		m.CommandDuration,
		m.Compensations,
		m.Reconciled,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) PaymentProcessed(provider, status string, d time.Duration) {
	m.PaymentsTotal.WithLabelValues(provider, status).Inc()
	m.PaymentDuration.WithLabelValues(provider, status).Observe(d.Seconds())
}

func (m *Metrics) RefundProcessed(status string) {
	m.RefundsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	m.OutboxPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) PublishFailed(eventType string) {
	m.OutboxFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDeadLettered(eventType string) {
	m.OutboxDeadLettered.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DeadLetterCount(n int64) {
	m.OutboxDeadLetters.Set(float64(n))
}

func (m *Metrics) CommandHandled(command, decision string, d time.Duration) {
	m.CommandsHandled.WithLabelValues(command, decision).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) CompensationSucceeded(policy string) {
	m.Compensations.WithLabelValues(policy, "succeeded").Inc()
}

func (m *Metrics) CompensationFailed(policy string) {
	m.Compensations.WithLabelValues(policy, "failed").Inc()
}

func (m *Metrics) PaymentReconciled(outcome string) {
	m.Reconciled.WithLabelValues(outcome).Inc()
}

// BreakerStateChanged matches providers.StateChangeFunc.
func (m *Metrics) BreakerStateChanged(provider string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(provider).Set(v)
}

package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	planChangesTotal          *prometheus.CounterVec
	statusTransitionsTotal    *prometheus.CounterVec
	entitlementChangesTotal   *prometheus.CounterVec
	sideEffectsTotal          *prometheus.CounterVec
	digestsTotal              *prometheus.CounterVec
	digestRunDuration         prometheus.Histogram
	circuitBreakerState       *prometheus.GaugeVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation for the pipeline.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from billing providers.",
		}, []string{"provider", "event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"provider", "error_type"}),

		planChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "plan_changes_total",
			Help:      "Total number of classified plan changes.",
		}, []string{"from_plan", "to_plan", "reason"}),

		statusTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "status_transitions_total",
			Help:      "Total number of subscription status transitions.",
		}, []string{"from", "to"}),

		entitlementChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlements",
			Name:      "feature_changes_total",
			Help:      "Total number of features enabled or disabled by reconciliation.",
		}, []string{"direction"}),

		sideEffectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "side_effects_total",
			Help:      "Total number of best-effort side effects by outcome.",
		}, []string{"kind", "outcome"}),

		digestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "attempts_total",
			Help:      "Total number of per-user digest attempts by outcome.",
		}, []string{"outcome"}),

		digestRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "digest",
			Name:      "run_duration_seconds",
			Help:      "Duration of a full digest scheduler pass in seconds.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		}),

		circuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current circuit breaker state (1 for the active state).",
		}, []string{"name", "state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordPlanChange(fromPlan, toPlan string, reason billing.ConversionReason) {
	m.planChangesTotal.WithLabelValues(fromPlan, toPlan, string(reason)).Inc()
}

func (m *Metrics) RecordStatusTransition(from, to billing.Status) {
	m.statusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordEntitlementDelta(enabled, disabled int) {
	if enabled > 0 {
		m.entitlementChangesTotal.WithLabelValues("enabled").Add(float64(enabled))
	}
	if disabled > 0 {
		m.entitlementChangesTotal.WithLabelValues("disabled").Add(float64(disabled))
	}
}

func (m *Metrics) RecordSideEffect(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.sideEffectsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordDigest(outcome string) {
	m.digestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDigestRunDuration(duration time.Duration) {
	m.digestRunDuration.Observe(duration.Seconds())
}

// CircuitBreakerObserver returns a state-change callback for a named breaker,
// suitable for billing.NewDefaultCircuitBreaker.
func (m *Metrics) CircuitBreakerObserver(name string) func(billing.CircuitBreakerState) {
	m.setBreakerState(name, billing.StateClosed)
	return func(state billing.CircuitBreakerState) {
		m.setBreakerState(name, state)
	}
}

func (m *Metrics) setBreakerState(name string, state billing.CircuitBreakerState) {
	for _, s := range []billing.CircuitBreakerState{billing.StateClosed, billing.StateOpen, billing.StateHalfOpen} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.circuitBreakerState.WithLabelValues(name, string(s)).Set(v)
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

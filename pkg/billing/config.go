package billing

import "time"

// Config defines the standard configuration all providers accept
type Config struct {
	// Processor applies verified events. Required.
	Processor *Processor

	// WebhookSecret is the shared secret used to verify webhook signatures.
	WebhookSecret string

	// SignatureTolerance bounds how old a signed timestamp may be.
	// Defaults to five minutes.
	SignatureTolerance time.Duration

	// MaxBodyBytes limits the webhook request body. Defaults to 256 KiB.
	MaxBodyBytes int64

	// RateLimit is the number of webhook requests allowed per client IP per
	// RateWindow. Defaults to 100 per minute; a negative value disables it.
	RateLimit  int
	RateWindow time.Duration

	// Metrics is an optional metrics collector.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger.
	Logger Logger

	// OnEvent is invoked after an event was applied and changed tenant state.
	// It runs synchronously on the request path and must return quickly.
	OnEvent WebhookCallback
}

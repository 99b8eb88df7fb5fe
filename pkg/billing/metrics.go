package billing

import "time"

// Metrics defines the interface for tracking pipeline operations.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the processor.
	// status: "success", "unhandled", "acknowledged", "rejected" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "invalid_signature", "malformed_payload", "unknown_price_id", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordPlanChange records a classified plan change.
	RecordPlanChange(fromPlan, toPlan string, reason ConversionReason)

	// RecordStatusTransition records a subscription status transition.
	RecordStatusTransition(from, to Status)

	// RecordEntitlementDelta records the size of an entitlement reconciliation delta.
	RecordEntitlementDelta(enabled, disabled int)

	// RecordSideEffect records the outcome of a best-effort side effect.
	// kind: "audit", "notification" or "history"
	RecordSideEffect(kind string, success bool)

	// RecordDigest records the outcome of a per-user digest attempt.
	// outcome: "sent", "skipped_threshold", "skipped_window", "skipped_empty", "failed"
	RecordDigest(outcome string)

	// RecordDigestRunDuration records how long a full scheduler pass took.
	RecordDigestRunDuration(duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordPlanChange(_, _ string, _ ConversionReason)             {}
func (n *NoopMetrics) RecordStatusTransition(_, _ Status)                           {}
func (n *NoopMetrics) RecordEntitlementDelta(_, _ int)                              {}
func (n *NoopMetrics) RecordSideEffect(_ string, _ bool)                            {}
func (n *NoopMetrics) RecordDigest(_ string)                                        {}
func (n *NoopMetrics) RecordDigestRunDuration(_ time.Duration)                      {}

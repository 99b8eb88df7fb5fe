package billing

import "net/http"

// Provider is implemented by payment-processor integrations. Each provider
// verifies and decodes its own webhook format and hands typed events to a
// Processor.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives processor events.
	// The implementation handles verification, decoding and processing internally.
	WebhookHandler() http.Handler
}

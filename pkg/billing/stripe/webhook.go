package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/billingsync/pkg/billing"
	"github.com/mihaimyh/billingsync/pkg/billing/internal"
)

// receivedBody is the acknowledgement Stripe expects
var receivedBody = map[string]bool{"received": true}

// handleWebhook verifies, decodes and processes one Stripe webhook.
//
// 200 means "do not retry" and covers applied events as well as authenticated
// events that were deliberately not applied (unhandled kinds, stale or
// forbidden transitions, unknown customers). 400 rejects unauthenticated or
// malformed requests. 500 asks Stripe to retry after a storage failure.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			_ = internal.WriteError(w, http.StatusBadRequest, "malformed_payload", err.Error())
			p.metrics.RecordWebhookError(providerName, "malformed_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")

	event, err := p.verifier.Verify(body, sig)
	if err != nil {
		p.respondError(w, "unknown", err, startTime)
		return
	}
	eventType := event.Meta().Kind

	res, err := p.processor.Process(r.Context(), event)
	if err != nil {
		p.respondError(w, eventType, err, startTime)
		return
	}

	if p.onEvent != nil && res.Changed() {
		p.notify(event, res)
	}

	_ = internal.WriteJSON(w, http.StatusOK, receivedBody)
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func (p *Provider) respondError(w http.ResponseWriter, eventType string, err error, startTime time.Time) {
	defer p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	var unhandled *billing.UnhandledEventError
	switch {
	case errors.As(err, &unhandled):
		p.logger.Warn("unhandled stripe event acknowledged",
			billing.F("event_id", unhandled.EventID),
			billing.F("event_type", unhandled.Kind),
		)
		_ = internal.WriteJSON(w, http.StatusOK, receivedBody)
		p.metrics.RecordWebhookEvent(providerName, unhandled.Kind, "unhandled")

	case billing.IsAcknowledged(err):
		_ = internal.WriteJSON(w, http.StatusOK, receivedBody)
		p.metrics.RecordWebhookEvent(providerName, eventType, "acknowledged")

	case billing.IsRejecting(err):
		code := ErrorCode(err)
		if code == "invalid_signature" {
			p.logger.Warn("stripe webhook signature rejected", billing.ErrField(err))
		}
		_ = internal.WriteError(w, http.StatusBadRequest, code, err.Error())
		p.metrics.RecordWebhookEvent(providerName, eventType, "rejected")
		p.metrics.RecordWebhookError(providerName, code)

	default:
		// Storage failures are retried by Stripe; details stay in the logs.
		_ = internal.WriteError(w, http.StatusInternalServerError, "processing_failed", "failed to process webhook")
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
	}
}

func (p *Provider) notify(event billing.Event, res *billing.ProcessResult) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("webhook callback panicked",
				billing.F("event_id", event.Meta().ID),
				billing.F("panic", rec),
			)
		}
	}()
	p.onEvent(billing.NewWebhookEvent(providerName, event, res))
}

// ErrorCode maps a rejecting error to the code returned in the response body
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, billing.ErrMalformedLineItems):
		return "malformed_line_items"
	case errors.Is(err, billing.ErrUnknownPriceID):
		return "unknown_price_id"
	case errors.Is(err, billing.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "processing_failed"
	}
}

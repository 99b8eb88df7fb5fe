package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature is returned when webhook signature validation fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when an authenticated webhook payload cannot be decoded
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrUnhandledEventKind is returned for authenticated events outside the handled set
	ErrUnhandledEventKind = errors.New("unhandled event kind")

	// ErrMalformedLineItems is returned when an event does not carry exactly one line item
	ErrMalformedLineItems = errors.New("event must carry exactly one line item")

	// ErrUnknownPriceID is returned when no configured plan matches a price or product id
	ErrUnknownPriceID = errors.New("unknown price id")

	// ErrSubscriptionNotFound is returned when no record matches an external reference or tenant
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrDuplicateExternalRef is returned when an external reference is already linked to another tenant
	ErrDuplicateExternalRef = errors.New("external reference already linked")

	// ErrInvalidTransition is returned when the status state machine forbids a transition
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleEvent is returned when an event is older than the last applied event
	ErrStaleEvent = errors.New("stale event")

	// ErrIdempotencyKeyExists is returned when a keyed operation was already applied
	ErrIdempotencyKeyExists = errors.New("idempotency key already processed")

	// ErrSnapshotConflict is returned when an entitlement snapshot was saved concurrently
	ErrSnapshotConflict = errors.New("entitlement snapshot changed concurrently")

	// ErrPreferenceNotFound is returned when a user has no digest preference
	ErrPreferenceNotFound = errors.New("digest preference not found")

	// ErrNotificationNotFound is returned when a notification does not exist for the user
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrInvalidCatalog is returned when the plan catalog configuration is inconsistent
	ErrInvalidCatalog = errors.New("invalid plan catalog")

	// ErrStorageUnavailable is returned when a required store is missing
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrProviderNotConfigured is returned when a provider lacks required configuration
	ErrProviderNotConfigured = errors.New("billing provider not configured")
)

// UnhandledEventError carries the kind of an authenticated event that the
// pipeline does not process. It unwraps to ErrUnhandledEventKind.
type UnhandledEventError struct {
	EventID string
	Kind    string
}

func (e *UnhandledEventError) Error() string {
	return fmt.Sprintf("%s: %s (event %s)", ErrUnhandledEventKind, e.Kind, e.EventID)
}

func (e *UnhandledEventError) Unwrap() error {
	return ErrUnhandledEventKind
}

// IsRejecting reports whether err must reject the inbound request without
// processing anything (the sender is told the request was bad).
func IsRejecting(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrMalformedLineItems) ||
		errors.Is(err, ErrUnknownPriceID)
}

// IsAcknowledged reports whether err is reportable but the request should
// still be acknowledged so the sender stops retrying.
func IsAcknowledged(err error) bool {
	return errors.Is(err, ErrUnhandledEventKind) ||
		errors.Is(err, ErrStaleEvent) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrDuplicateExternalRef)
}

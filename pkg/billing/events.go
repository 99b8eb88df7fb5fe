package billing

import "time"

// Event is a verified processor event. The set of variants is closed:
// CheckoutCompleted, InvoicePaid, InvoicePaymentFailed, SubscriptionUpdated
// and SubscriptionDeleted. Anything else is reported as *UnhandledEventError.
type Event interface {
	// Meta returns the envelope shared by every variant.
	Meta() EventMeta
	sealed()
}

// EventMeta is the processor envelope of an event
type EventMeta struct {
	// ID is the processor's event id, used as idempotency key
	ID string
	// Kind is the processor's event type, e.g. "invoice.paid"
	Kind string
	// CreatedAt orders events for the same customer
	CreatedAt time.Time
	// CustomerRef is the processor customer id (the external reference)
	CustomerRef string
	// TenantID is the tenant named in the object's metadata, if any. It is
	// used to link customers that have no record yet.
	TenantID string
	Livemode bool
}

// Meta implements Event
func (m EventMeta) Meta() EventMeta { return m }

func (EventMeta) sealed() {}

// CheckoutCompleted links a processor customer to a tenant and may carry a
// purchase (subscription or credit pack).
type CheckoutCompleted struct {
	EventMeta
	SessionID string
	// InvoiceID is the invoice the checkout produced, if any
	InvoiceID string
	// Mode is the checkout mode: "subscription", "payment" or "setup"
	Mode      string
	LineItems []LineItem
}

// InvoicePaid reports a successful invoice payment
type InvoicePaid struct {
	EventMeta
	InvoiceID      string
	SubscriptionID string
	PaidAt         time.Time
	LineItems      []LineItem
}

// InvoicePaymentFailed reports a failed invoice payment
type InvoicePaymentFailed struct {
	EventMeta
	InvoiceID      string
	SubscriptionID string
	AttemptCount   int64
}

// SubscriptionUpdated reports a change to the processor-side subscription
type SubscriptionUpdated struct {
	EventMeta
	SubscriptionID    string
	ProcessorStatus   string
	CancelAtPeriodEnd bool
	LineItems         []LineItem
}

// SubscriptionDeleted reports removal of the processor-side subscription
type SubscriptionDeleted struct {
	EventMeta
	SubscriptionID string
}

var (
	_ Event = CheckoutCompleted{}
	_ Event = InvoicePaid{}
	_ Event = InvoicePaymentFailed{}
	_ Event = SubscriptionUpdated{}
	_ Event = SubscriptionDeleted{}
)

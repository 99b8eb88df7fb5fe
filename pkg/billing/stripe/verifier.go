package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Stripe event types decoded into billing events
const (
	EventCheckoutSessionCompleted    = "checkout.session.completed"
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentSucceeded     = "invoice.payment_succeeded"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
	EventCustomerSubscriptionUpdated = "customer.subscription.updated"
	EventCustomerSubscriptionDeleted = "customer.subscription.deleted"
)

const defaultTenantMetadataKey = "tenant_id"

// Verifier authenticates Stripe webhook payloads and decodes them into
// billing events.
type Verifier struct {
	secret    string
	tolerance time.Duration
	tenantKey string
}

// NewVerifier creates a verifier for the endpoint's signing secret.
// A zero tolerance uses Stripe's default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, tenantKey: defaultTenantMetadataKey}
}

// WithTenantMetadataKey changes the metadata key naming the tenant (default "tenant_id")
func (v *Verifier) WithTenantMetadataKey(key string) *Verifier {
	if key != "" {
		v.tenantKey = key
	}
	return v
}

// Verify checks the Stripe-Signature header against payload and decodes the
// event. Signature failures return billing.ErrInvalidSignature; undecodable
// payloads return billing.ErrMalformedPayload; authenticated events of other
// types return *billing.UnhandledEventError.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (billing.Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	// The API version of the endpoint is not enforced; only the fields read
	// below are relied upon.
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	return v.Decode(&event)
}

// Decode maps an authenticated Stripe event onto its billing variant
func (v *Verifier) Decode(event *stripe.Event) (billing.Event, error) {
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id or type missing", billing.ErrMalformedPayload)
	}
	meta := billing.EventMeta{
		ID:        event.ID,
		Kind:      string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
		Livemode:  event.Livemode,
	}

	switch meta.Kind {
	case EventCheckoutSessionCompleted:
		return v.decodeCheckout(event, meta)
	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		return v.decodeInvoicePaid(event, meta)
	case EventInvoicePaymentFailed:
		return v.decodeInvoiceFailed(event, meta)
	case EventCustomerSubscriptionUpdated:
		return v.decodeSubscriptionUpdated(event, meta)
	case EventCustomerSubscriptionDeleted:
		return v.decodeSubscriptionDeleted(event, meta)
	default:
		return nil, &billing.UnhandledEventError{EventID: meta.ID, Kind: meta.Kind}
	}
}

func rawObject(event *stripe.Event) ([]byte, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data.object", billing.ErrMalformedPayload, event.ID)
	}
	return event.Data.Raw, nil
}

func (v *Verifier) decodeCheckout(event *stripe.Event, meta billing.EventMeta) (billing.Event, error) {
	raw, err := rawObject(event)
	if err != nil {
		return nil, err
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrMalformedPayload, err)
	}

	if session.Customer != nil {
		meta.CustomerRef = session.Customer.ID
	}
	meta.TenantID = session.ClientReferenceID
	if t := session.Metadata[v.tenantKey]; t != "" {
		meta.TenantID = t
	}

	out := billing.CheckoutCompleted{
		EventMeta: meta,
		SessionID: session.ID,
		Mode:      string(session.Mode),
	}
	if session.Invoice != nil {
		out.InvoiceID = session.Invoice.ID
	}
	if session.LineItems != nil {
		for _, li := range session.LineItems.Data {
			out.LineItems = append(out.LineItems, lineItemFromPrice(li.Price, li.Quantity))
		}
	}
	return out, nil
}

func (v *Verifier) decodeInvoicePaid(event *stripe.Event, meta billing.EventMeta) (billing.Event, error) {
	inv, err := decodeInvoice(event)
	if err != nil {
		return nil, err
	}
	meta.CustomerRef = string(inv.Customer)
	meta.TenantID = inv.tenantID(v.tenantKey)

	paidAt := meta.CreatedAt
	if inv.StatusTransitions.PaidAt > 0 {
		paidAt = time.Unix(inv.StatusTransitions.PaidAt, 0).UTC()
	}

	return billing.InvoicePaid{
		EventMeta:      meta,
		InvoiceID:      inv.ID,
		SubscriptionID: inv.subscriptionID(),
		PaidAt:         paidAt,
		LineItems:      inv.lineItems(),
	}, nil
}

func (v *Verifier) decodeInvoiceFailed(event *stripe.Event, meta billing.EventMeta) (billing.Event, error) {
	inv, err := decodeInvoice(event)
	if err != nil {
		return nil, err
	}
	meta.CustomerRef = string(inv.Customer)
	meta.TenantID = inv.tenantID(v.tenantKey)

	return billing.InvoicePaymentFailed{
		EventMeta:      meta,
		InvoiceID:      inv.ID,
		SubscriptionID: inv.subscriptionID(),
		AttemptCount:   inv.AttemptCount,
	}, nil
}

func (v *Verifier) decodeSubscription(event *stripe.Event, meta *billing.EventMeta) (*stripe.Subscription, error) {
	raw, err := rawObject(event)
	if err != nil {
		return nil, err
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrMalformedPayload, err)
	}
	if sub.Customer != nil {
		meta.CustomerRef = sub.Customer.ID
	}
	meta.TenantID = sub.Metadata[v.tenantKey]
	return &sub, nil
}

func (v *Verifier) decodeSubscriptionUpdated(event *stripe.Event, meta billing.EventMeta) (billing.Event, error) {
	sub, err := v.decodeSubscription(event, &meta)
	if err != nil {
		return nil, err
	}
	return subscriptionUpdatedFrom(meta, sub), nil
}

func (v *Verifier) decodeSubscriptionDeleted(event *stripe.Event, meta billing.EventMeta) (billing.Event, error) {
	sub, err := v.decodeSubscription(event, &meta)
	if err != nil {
		return nil, err
	}
	return billing.SubscriptionDeleted{EventMeta: meta, SubscriptionID: sub.ID}, nil
}

func subscriptionUpdatedFrom(meta billing.EventMeta, sub *stripe.Subscription) billing.SubscriptionUpdated {
	out := billing.SubscriptionUpdated{
		EventMeta:         meta,
		SubscriptionID:    sub.ID,
		ProcessorStatus:   string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			out.LineItems = append(out.LineItems, lineItemFromPrice(item.Price, item.Quantity))
		}
	}
	return out
}

func lineItemFromPrice(price *stripe.Price, quantity int64) billing.LineItem {
	li := billing.LineItem{Quantity: quantity}
	if price != nil {
		li.PriceID = price.ID
		if price.Product != nil {
			li.ProductID = price.Product.ID
		}
	}
	return li
}

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object with an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// invoicePayload reads the invoice fields across API versions: line prices
// may sit under "price" or "pricing.price_details", and the subscription
// under "subscription" or "parent.subscription_details".
type invoicePayload struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	AttemptCount      int64             `json:"attempt_count"`
	Metadata          map[string]string `json:"metadata"`
	Subscription      expandableID      `json:"subscription"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines *struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

type subscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoiceLine struct {
	Quantity int64 `json:"quantity"`
	Price    *struct {
		ID      string       `json:"id"`
		Product expandableID `json:"product"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price   expandableID `json:"price"`
			Product expandableID `json:"product"`
		} `json:"price_details"`
	} `json:"pricing"`
}

func decodeInvoice(event *stripe.Event) (*invoicePayload, error) {
	raw, err := rawObject(event)
	if err != nil {
		return nil, err
	}
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrMalformedPayload, err)
	}
	return &inv, nil
}

func (inv *invoicePayload) details() *subscriptionDetails {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails
	}
	return inv.SubscriptionDetails
}

func (inv *invoicePayload) subscriptionID() string {
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	if d := inv.details(); d != nil {
		return string(d.Subscription)
	}
	return ""
}

func (inv *invoicePayload) tenantID(key string) string {
	if t := inv.Metadata[key]; t != "" {
		return t
	}
	if d := inv.details(); d != nil {
		return d.Metadata[key]
	}
	return ""
}

func (inv *invoicePayload) lineItems() []billing.LineItem {
	if inv.Lines == nil {
		return nil
	}
	out := make([]billing.LineItem, 0, len(inv.Lines.Data))
	for _, l := range inv.Lines.Data {
		li := billing.LineItem{Quantity: l.Quantity}
		if l.Price != nil {
			li.PriceID = l.Price.ID
			li.ProductID = string(l.Price.Product)
		}
		if l.Pricing != nil && l.Pricing.PriceDetails != nil {
			if li.PriceID == "" {
				li.PriceID = string(l.Pricing.PriceDetails.Price)
			}
			if li.ProductID == "" {
				li.ProductID = string(l.Pricing.PriceDetails.Product)
			}
		}
		out = append(out, li)
	}
	return out
}

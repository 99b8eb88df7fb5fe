package billing

import "time"

// WebhookEvent describes a webhook that changed tenant state. It is passed to
// the WebhookCallback after the subscription record was committed.
type WebhookEvent struct {
	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID is the provider's event id
	EventID string

	// EventType is the provider-specific event type, e.g. "invoice.paid"
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// TenantID is the tenant whose record changed
	TenantID string

	// PreviousPlan and NewPlan are empty when the plan did not change
	PreviousPlan string
	NewPlan      string

	// PreviousStatus and NewStatus are empty when the status did not change
	PreviousStatus Status
	NewStatus      Status

	// Result is the full processing result
	Result *ProcessResult
}

// WebhookCallback receives state-changing webhook events
type WebhookCallback func(WebhookEvent)

// NewWebhookEvent builds the callback payload from a processing result
func NewWebhookEvent(provider string, ev Event, res *ProcessResult) WebhookEvent {
	m := ev.Meta()
	out := WebhookEvent{
		Provider:       provider,
		EventID:        m.ID,
		EventType:      m.Kind,
		EventTimestamp: m.CreatedAt,
		TenantID:       res.TenantID,
		Result:         res,
	}
	if tr := res.Transition; tr != nil {
		if tr.PlanChanged {
			out.PreviousPlan = tr.Previous.PlanID
			out.NewPlan = tr.Current.PlanID
		}
		if tr.StatusChanged {
			out.PreviousStatus = tr.Previous.Status
			out.NewStatus = tr.Current.Status
		}
	}
	return out
}

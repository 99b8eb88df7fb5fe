package api

import (
	"time"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// SubscriptionResponse is a tenant's subscription record
type SubscriptionResponse struct {
	TenantID      string     `json:"tenant_id"`
	ExternalRef   string     `json:"external_ref"`
	PlanID        string     `json:"plan_id"`
	EffectivePlan string     `json:"effective_plan"`
	Status        string     `json:"status"`
	CreditBalance int64      `json:"credit_balance"`
	LastPaidAt    *time.Time `json:"last_paid_at,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EntitlementsResponse is a tenant's effective feature set
type EntitlementsResponse struct {
	TenantID string   `json:"tenant_id"`
	PlanID   string   `json:"plan_id"`
	Features []string `json:"features"`
}

// HistoryEntry is one plan change
type HistoryEntry struct {
	ID        string                 `json:"id"`
	FromPlan  string                 `json:"from_plan"`
	ToPlan    string                 `json:"to_plan"`
	Reason    string                 `json:"reason"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NotificationResponse is one unread notification
type NotificationResponse struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// DigestPreferenceRequest is the body of PUT /users/{userID}/digest-preference
type DigestPreferenceRequest struct {
	Email         string `json:"email" validate:"required,email"`
	Enabled       *bool  `json:"enabled" validate:"required"`
	Frequency     string `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	PreferredTime string `json:"preferred_time" validate:"required,timeofday"`
	Timezone      string `json:"timezone" validate:"omitempty,timezone_name"`
}

// DigestPreferenceResponse is a user's digest settings
type DigestPreferenceResponse struct {
	UserID        string     `json:"user_id"`
	Email         string     `json:"email"`
	Enabled       bool       `json:"enabled"`
	Frequency     string     `json:"frequency"`
	PreferredTime string     `json:"preferred_time"`
	Timezone      string     `json:"timezone,omitempty"`
	LastSentAt    *time.Time `json:"last_sent_at,omitempty"`
}

func toSubscriptionResponse(sub *billing.Subscription, effective string) SubscriptionResponse {
	out := SubscriptionResponse{
		TenantID:      sub.TenantID,
		ExternalRef:   sub.ExternalRef,
		PlanID:        sub.PlanID,
		EffectivePlan: effective,
		Status:        string(sub.Status),
		CreditBalance: sub.CreditBalance,
		LastPaidAt:    sub.LastPaidAt,
		UpdatedAt:     sub.UpdatedAt,
	}
	if !sub.LastEventAt.IsZero() {
		t := sub.LastEventAt
		out.LastEventAt = &t
	}
	return out
}

func toPreferenceResponse(p *billing.DigestPreference) DigestPreferenceResponse {
	return DigestPreferenceResponse{
		UserID:        p.UserID,
		Email:         p.Email,
		Enabled:       p.Enabled,
		Frequency:     string(p.Frequency),
		PreferredTime: p.PreferredTime,
		Timezone:      p.Timezone,
		LastSentAt:    p.LastSentAt,
	}
}

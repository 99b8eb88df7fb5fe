package billing

import (
	"time"
)

// Status is the lifecycle state of a tenant subscription
type Status string

const (
	// StatusNone means the tenant has no paid subscription (fresh lifecycle)
	StatusNone Status = "none"
	// StatusActive means the subscription is paid and current
	StatusActive Status = "active"
	// StatusPastDue means the latest payment failed and is being retried
	StatusPastDue Status = "past_due"
	// StatusCancelAtPeriodEnd means cancellation was requested; access is retained until period end
	StatusCancelAtPeriodEnd Status = "cancel_at_period_end"
	// StatusDeleted means the subscription was removed at the processor
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusActive, StatusPastDue, StatusCancelAtPeriodEnd, StatusDeleted:
		return true
	}
	return false
}

// Subscription is the per-tenant subscription record.
// ExternalRef (the processor's customer id) is unique across tenants.
type Subscription struct {
	TenantID      string
	ExternalRef   string
	PlanID        string
	Status        Status
	LastPaidAt    *time.Time
	CreditBalance int64

	// LastEventAt is the timestamp of the newest processor event applied to the
	// record. Events older than this are stale and are not applied.
	LastEventAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the record
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastPaidAt != nil {
		t := *s.LastPaidAt
		c.LastPaidAt = &t
	}
	return &c
}

// ConversionReason classifies a plan change
type ConversionReason string

const (
	ReasonUpgrade    ConversionReason = "upgrade"
	ReasonDowngrade  ConversionReason = "downgrade"
	ReasonPlanChange ConversionReason = "plan_change"
)

// ConversionEntry is an append-only record of a plan change
type ConversionEntry struct {
	ID       string
	TenantID string
	// FromPlan is empty when the tenant had no previous plan
	FromPlan  string
	ToPlan    string
	Reason    ConversionReason
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// FeatureKey identifies a single entitlement flag
type FeatureKey string

// EntitlementSnapshot is the last computed entitlement set of a tenant.
// It is the baseline the next reconciliation diffs against.
type EntitlementSnapshot struct {
	TenantID   string
	PlanID     string
	Features   []FeatureKey
	ComputedAt time.Time
	// Revision counts saves. A snapshot is saved only over its predecessor.
	Revision int64
}

// EntitlementDelta is the result of an entitlement reconciliation
type EntitlementDelta struct {
	TenantID      string
	PlanID        string
	NewlyEnabled  []FeatureKey
	NewlyDisabled []FeatureKey
	TotalFeatures int
}

// Empty reports whether the reconciliation changed nothing
func (d EntitlementDelta) Empty() bool {
	return len(d.NewlyEnabled) == 0 && len(d.NewlyDisabled) == 0
}

// AuditEntry is an immutable audit log row
type AuditEntry struct {
	ID           string
	TenantID     string
	Action       string
	ResourceType string
	ResourceID   string
	Description  string
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

// NotificationType is a severity-bearing notification kind
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Severity orders notification types from least to most severe
func (t NotificationType) Severity() int {
	switch t {
	case NotificationInfo:
		return 0
	case NotificationSuccess:
		return 1
	case NotificationWarning:
		return 2
	case NotificationError:
		return 3
	default:
		return 0
	}
}

// Notification is an in-app notification for one user within one tenant
type Notification struct {
	ID        string
	TenantID  string
	UserID    string
	Title     string
	Message   string
	Type      NotificationType
	Read      bool
	CreatedAt time.Time
}

// Frequency is how often a user wants a digest
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Threshold returns the minimum time between two digests for the frequency
func (f Frequency) Threshold() time.Duration {
	switch f {
	case FrequencyWeekly:
		return 168 * time.Hour
	case FrequencyMonthly:
		return 720 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// DigestPreference holds a user's digest settings and delivery watermark
type DigestPreference struct {
	UserID    string
	Email     string
	Enabled   bool
	Frequency Frequency
	// PreferredTime is the local time of day in "15:04" format
	PreferredTime string
	// Timezone is an IANA zone name; empty means UTC
	Timezone string
	// LastSentAt is the watermark of the last successful digest
	LastSentAt *time.Time
	UpdatedAt  time.Time
}

// Role is a tenant membership role
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member links a user to a tenant
type Member struct {
	TenantID string
	UserID   string
	Role     Role
}

package billing

import (
	"context"
	"time"
)

// MutateFunc computes the next state of a subscription from its current state.
// It runs while the store holds the record for update, so it must be free of
// side effects: stores may invoke it more than once (e.g. transaction retries).
// Returning an error aborts the update without writing.
type MutateFunc func(current *Subscription) (*Subscription, error)

// SubscriptionStore persists tenant subscription records.
// Each method is individually atomic.
type SubscriptionStore interface {
	// FindByExternalRef returns the record for a processor customer id
	// or ErrSubscriptionNotFound.
	FindByExternalRef(ctx context.Context, externalRef string) (*Subscription, error)

	// FindByTenant returns the record for a tenant or ErrSubscriptionNotFound.
	FindByTenant(ctx context.Context, tenantID string) (*Subscription, error)

	// CreateSubscription inserts a new record. Returns ErrDuplicateExternalRef
	// when the external reference or tenant already has a record.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription performs a conditional read-then-write of the record
	// identified by externalRef under the store's row-level consistency.
	// It returns copies of the record before and after the mutation.
	UpdateSubscription(ctx context.Context, externalRef string, mutate MutateFunc) (prev, next *Subscription, err error)

	// AddCredits atomically increments the credit balance. When idempotencyKey
	// is not empty and was already applied, returns ErrIdempotencyKeyExists
	// without changing the balance.
	AddCredits(ctx context.Context, externalRef string, amount int64, idempotencyKey string) (*Subscription, error)

	// ListTenantIDs returns all tenants with a subscription record.
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// HistoryStore persists conversion history entries.
type HistoryStore interface {
	CreateHistoryEntry(ctx context.Context, entry *ConversionEntry) error
	ListHistory(ctx context.Context, tenantID string) ([]*ConversionEntry, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, tenantID string) ([]*AuditEntry, error)
}

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error

	// FindNotificationsSince returns the user's unread notifications across all
	// tenants created strictly after since (nil means from the beginning) and at
	// or before until, oldest first.
	FindNotificationsSince(ctx context.Context, userID string, since *time.Time, until time.Time) ([]*Notification, error)

	// MarkNotificationRead flags a notification as read.
	// Returns ErrNotificationNotFound if it does not belong to the user.
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
}

// EntitlementStore persists the last computed entitlement set per tenant.
type EntitlementStore interface {
	// GetEntitlementSnapshot returns the stored snapshot or nil when none exists.
	GetEntitlementSnapshot(ctx context.Context, tenantID string) (*EntitlementSnapshot, error)

	// SaveEntitlementSnapshot stores snap when the stored snapshot has
	// revision snap.Revision-1 or no snapshot is stored yet. Otherwise it
	// returns ErrSnapshotConflict and writes nothing.
	SaveEntitlementSnapshot(ctx context.Context, snap *EntitlementSnapshot) error
}

// DigestStore persists digest preferences and watermarks.
type DigestStore interface {
	GetDigestPreference(ctx context.Context, userID string) (*DigestPreference, error)
	SetDigestPreference(ctx context.Context, pref *DigestPreference) error
	ListEnabledDigestPreferences(ctx context.Context) ([]*DigestPreference, error)

	// UpdateDigestWatermark sets LastSentAt for the user.
	UpdateDigestWatermark(ctx context.Context, userID string, sentAt time.Time) error
}

// MemberStore resolves tenant memberships.
type MemberStore interface {
	AddMember(ctx context.Context, m *Member) error
	ListMembers(ctx context.Context, tenantID string) ([]*Member, error)
}

// Storage aggregates every persistence collaborator the pipeline uses.
type Storage interface {
	SubscriptionStore
	HistoryStore
	AuditStore
	NotificationStore
	EntitlementStore
	DigestStore
	MemberStore
}

// Package memory provides an in-memory implementation of the billing.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Storage implements billing.Storage using in-memory maps guarded by a single mutex
type Storage struct {
	mu sync.RWMutex

	subscriptions map[string]*billing.Subscription // by external ref
	byTenant      map[string]string                // tenant id -> external ref
	creditKeys    map[string]struct{}
	history       map[string][]*billing.ConversionEntry
	audit         map[string][]*billing.AuditEntry
	notifications map[string]*billing.Notification
	snapshots     map[string]*billing.EntitlementSnapshot
	preferences   map[string]*billing.DigestPreference
	members       map[string][]*billing.Member
}

var _ billing.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*billing.Subscription),
		byTenant:      make(map[string]string),
		creditKeys:    make(map[string]struct{}),
		history:       make(map[string][]*billing.ConversionEntry),
		audit:         make(map[string][]*billing.AuditEntry),
		notifications: make(map[string]*billing.Notification),
		snapshots:     make(map[string]*billing.EntitlementSnapshot),
		preferences:   make(map[string]*billing.DigestPreference),
		members:       make(map[string][]*billing.Member),
	}
}

// FindByExternalRef implements billing.SubscriptionStore
func (s *Storage) FindByExternalRef(_ context.Context, externalRef string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[externalRef]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// FindByTenant implements billing.SubscriptionStore
func (s *Storage) FindByTenant(_ context.Context, tenantID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.byTenant[tenantID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return s.subscriptions[ref].Clone(), nil
}

// CreateSubscription implements billing.SubscriptionStore
func (s *Storage) CreateSubscription(_ context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.TenantID == "" || sub.ExternalRef == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ExternalRef]; exists {
		return billing.ErrDuplicateExternalRef
	}
	if _, exists := s.byTenant[sub.TenantID]; exists {
		return billing.ErrDuplicateExternalRef
	}
	s.subscriptions[sub.ExternalRef] = sub.Clone()
	s.byTenant[sub.TenantID] = sub.ExternalRef
	return nil
}

// UpdateSubscription implements billing.SubscriptionStore.
// The mutation runs under the write lock.
func (s *Storage) UpdateSubscription(_ context.Context, externalRef string,
	mutate billing.MutateFunc) (prev, next *billing.Subscription, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subscriptions[externalRef]
	if !ok {
		return nil, nil, billing.ErrSubscriptionNotFound
	}

	updated, err := mutate(cur.Clone())
	if err != nil {
		return nil, nil, err
	}
	if updated == nil {
		return nil, nil, fmt.Errorf("mutation returned no record")
	}

	// Identity fields are immutable
	updated = updated.Clone()
	updated.TenantID = cur.TenantID
	updated.ExternalRef = cur.ExternalRef
	updated.CreditBalance = cur.CreditBalance
	updated.CreatedAt = cur.CreatedAt

	prev = cur.Clone()
	s.subscriptions[externalRef] = updated
	return prev, updated.Clone(), nil
}

// AddCredits implements billing.SubscriptionStore
func (s *Storage) AddCredits(_ context.Context, externalRef string, amount int64,
	idempotencyKey string) (*billing.Subscription, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subscriptions[externalRef]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	if idempotencyKey != "" {
		key := externalRef + "|" + idempotencyKey
		if _, done := s.creditKeys[key]; done {
			return nil, billing.ErrIdempotencyKeyExists
		}
		s.creditKeys[key] = struct{}{}
	}

	cur.CreditBalance += amount
	cur.UpdatedAt = time.Now().UTC()
	return cur.Clone(), nil
}

// ListTenantIDs implements billing.SubscriptionStore
func (s *Storage) ListTenantIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byTenant))
	for id := range s.byTenant {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateHistoryEntry implements billing.HistoryStore
func (s *Storage) CreateHistoryEntry(_ context.Context, entry *billing.ConversionEntry) error {
	if entry == nil || entry.TenantID == "" {
		return fmt.Errorf("invalid history entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	c.Metadata = copyMap(entry.Metadata)
	s.history[entry.TenantID] = append(s.history[entry.TenantID], &c)
	return nil
}

// ListHistory implements billing.HistoryStore
func (s *Storage) ListHistory(_ context.Context, tenantID string) ([]*billing.ConversionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.ConversionEntry, 0, len(s.history[tenantID]))
	for _, e := range s.history[tenantID] {
		c := *e
		c.Metadata = copyMap(e.Metadata)
		out = append(out, &c)
	}
	return out, nil
}

// CreateAuditEntry implements billing.AuditStore
func (s *Storage) CreateAuditEntry(_ context.Context, entry *billing.AuditEntry) error {
	if entry == nil || entry.TenantID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	c.Metadata = copyMap(entry.Metadata)
	s.audit[entry.TenantID] = append(s.audit[entry.TenantID], &c)
	return nil
}

// ListAuditEntries implements billing.AuditStore
func (s *Storage) ListAuditEntries(_ context.Context, tenantID string) ([]*billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.AuditEntry, 0, len(s.audit[tenantID]))
	for _, e := range s.audit[tenantID] {
		c := *e
		c.Metadata = copyMap(e.Metadata)
		out = append(out, &c)
	}
	return out, nil
}

// CreateNotification implements billing.NotificationStore
func (s *Storage) CreateNotification(_ context.Context, n *billing.Notification) error {
	if n == nil || n.ID == "" || n.UserID == "" {
		return fmt.Errorf("invalid notification")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *n
	s.notifications[n.ID] = &c
	return nil
}

// FindNotificationsSince implements billing.NotificationStore
func (s *Storage) FindNotificationsSince(_ context.Context, userID string, since *time.Time,
	until time.Time) ([]*billing.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.Notification
	for _, n := range s.notifications {
		if n.UserID != userID || n.Read {
			continue
		}
		if since != nil && !n.CreatedAt.After(*since) {
			continue
		}
		if n.CreatedAt.After(until) {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkNotificationRead implements billing.NotificationStore
func (s *Storage) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[notificationID]
	if !ok || n.UserID != userID {
		return billing.ErrNotificationNotFound
	}
	n.Read = true
	return nil
}

// GetEntitlementSnapshot implements billing.EntitlementStore
func (s *Storage) GetEntitlementSnapshot(_ context.Context, tenantID string) (*billing.EntitlementSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[tenantID]
	if !ok {
		return nil, nil
	}
	c := *snap
	c.Features = append([]billing.FeatureKey(nil), snap.Features...)
	return &c, nil
}

// SaveEntitlementSnapshot implements billing.EntitlementStore
func (s *Storage) SaveEntitlementSnapshot(_ context.Context, snap *billing.EntitlementSnapshot) error {
	if snap == nil || snap.TenantID == "" {
		return fmt.Errorf("invalid entitlement snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.snapshots[snap.TenantID]; ok && cur.Revision != snap.Revision-1 {
		return fmt.Errorf("%w: tenant %s at revision %d, save expects %d",
			billing.ErrSnapshotConflict, snap.TenantID, cur.Revision, snap.Revision-1)
	}
	c := *snap
	c.Features = append([]billing.FeatureKey(nil), snap.Features...)
	s.snapshots[snap.TenantID] = &c
	return nil
}

// GetDigestPreference implements billing.DigestStore
func (s *Storage) GetDigestPreference(_ context.Context, userID string) (*billing.DigestPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.preferences[userID]
	if !ok {
		return nil, billing.ErrPreferenceNotFound
	}
	return copyPreference(p), nil
}

// SetDigestPreference implements billing.DigestStore. The stored watermark
// is kept; only the scheduler advances it.
func (s *Storage) SetDigestPreference(_ context.Context, pref *billing.DigestPreference) error {
	if pref == nil || pref.UserID == "" {
		return fmt.Errorf("invalid digest preference")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := copyPreference(pref)
	if existing, ok := s.preferences[pref.UserID]; ok {
		c.LastSentAt = copyTime(existing.LastSentAt)
	}
	s.preferences[pref.UserID] = c
	return nil
}

// ListEnabledDigestPreferences implements billing.DigestStore
func (s *Storage) ListEnabledDigestPreferences(_ context.Context) ([]*billing.DigestPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.DigestPreference
	for _, p := range s.preferences {
		if p.Enabled {
			out = append(out, copyPreference(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// UpdateDigestWatermark implements billing.DigestStore
func (s *Storage) UpdateDigestWatermark(_ context.Context, userID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.preferences[userID]
	if !ok {
		return billing.ErrPreferenceNotFound
	}
	t := sentAt.UTC()
	p.LastSentAt = &t
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// AddMember implements billing.MemberStore
func (s *Storage) AddMember(_ context.Context, m *billing.Member) error {
	if m == nil || m.TenantID == "" || m.UserID == "" {
		return fmt.Errorf("invalid member")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.members[m.TenantID]
	for _, existing := range members {
		if existing.UserID == m.UserID {
			existing.Role = m.Role
			return nil
		}
	}
	c := *m
	s.members[m.TenantID] = append(members, &c)
	return nil
}

// ListMembers implements billing.MemberStore
func (s *Storage) ListMembers(_ context.Context, tenantID string) ([]*billing.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.Member, 0, len(s.members[tenantID]))
	for _, m := range s.members[tenantID] {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyPreference(p *billing.DigestPreference) *billing.DigestPreference {
	c := *p
	c.LastSentAt = copyTime(p.LastSentAt)
	return &c
}

// Package firestore provides a Firestore implementation of the billing.Storage interface.
// Subscription updates and credit grants run inside Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Storage implements billing.Storage using Google Cloud Firestore
type Storage struct {
	client *firestore.Client
	config Config
}

var _ billing.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration. Every collection name gets a
// default under the "billing_" prefix.
type Config struct {
	SubscriptionsCollection string `mapstructure:"subscriptions_collection"`
	TenantsCollection       string `mapstructure:"tenants_collection"`
	CreditGrantsCollection  string `mapstructure:"credit_grants_collection"`
	HistoryCollection       string `mapstructure:"history_collection"`
	AuditCollection         string `mapstructure:"audit_collection"`
	NotificationsCollection string `mapstructure:"notifications_collection"`
	SnapshotsCollection     string `mapstructure:"snapshots_collection"`
	PreferencesCollection   string `mapstructure:"preferences_collection"`
	MembersCollection       string `mapstructure:"members_collection"`
}

func (c Config) withDefaults() Config {
	set := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	set(&c.SubscriptionsCollection, "billing_subscriptions")
	set(&c.TenantsCollection, "billing_tenants")
	set(&c.CreditGrantsCollection, "billing_credit_grants")
	set(&c.HistoryCollection, "billing_history")
	set(&c.AuditCollection, "billing_audit")
	set(&c.NotificationsCollection, "billing_notifications")
	set(&c.SnapshotsCollection, "billing_entitlements")
	set(&c.PreferencesCollection, "billing_digest_preferences")
	set(&c.MembersCollection, "billing_members")
	return c
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	return &Storage{client: client, config: config.withDefaults()}, nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) subscriptionDoc(externalRef string) *firestore.DocumentRef {
	return s.client.Collection(s.config.SubscriptionsCollection).Doc(docID(externalRef))
}

func (s *Storage) tenantDoc(tenantID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.TenantsCollection).Doc(docID(tenantID))
}

// FindByExternalRef implements billing.SubscriptionStore
func (s *Storage) FindByExternalRef(ctx context.Context, externalRef string) (*billing.Subscription, error) {
	snap, err := s.subscriptionDoc(externalRef).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(snap.Data()), nil
}

// FindByTenant implements billing.SubscriptionStore
func (s *Storage) FindByTenant(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	idx, err := s.tenantDoc(tenantID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get tenant index: %w", err)
	}
	return s.FindByExternalRef(ctx, getString(idx.Data(), "externalRef"))
}

// CreateSubscription implements billing.SubscriptionStore. The record and
// the tenant index are created together.
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.TenantID == "" || sub.ExternalRef == "" {
		return fmt.Errorf("invalid subscription")
	}

	rec := sub.Clone()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	subDoc := s.subscriptionDoc(sub.ExternalRef)
	idxDoc := s.tenantDoc(sub.TenantID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		for _, doc := range []*firestore.DocumentRef{subDoc, idxDoc} {
			snap, err := tx.Get(doc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				return billing.ErrDuplicateExternalRef
			}
		}
		if err := tx.Create(subDoc, encodeSubscription(rec)); err != nil {
			return err
		}
		return tx.Create(idxDoc, map[string]interface{}{
			"tenantId":    sub.TenantID,
			"externalRef": sub.ExternalRef,
		})
	})
	if errors.Is(err, billing.ErrDuplicateExternalRef) || status.Code(err) == codes.AlreadyExists {
		return billing.ErrDuplicateExternalRef
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements billing.SubscriptionStore. mutate runs inside
// a Firestore transaction and may run again when the transaction retries.
func (s *Storage) UpdateSubscription(ctx context.Context, externalRef string,
	mutate billing.MutateFunc) (prev, next *billing.Subscription, err error) {
	doc := s.subscriptionDoc(externalRef)

	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrSubscriptionNotFound
			}
			return err
		}
		cur := decodeSubscription(snap.Data())

		updated, err := mutate(cur.Clone())
		if err != nil {
			return err
		}
		if updated == nil {
			return fmt.Errorf("mutation returned no record")
		}

		// Identity fields are immutable
		updated = updated.Clone()
		updated.TenantID = cur.TenantID
		updated.ExternalRef = cur.ExternalRef
		updated.CreditBalance = cur.CreditBalance
		updated.CreatedAt = cur.CreatedAt
		if updated.UpdatedAt.IsZero() {
			updated.UpdatedAt = time.Now().UTC()
		}

		if err := tx.Set(doc, encodeSubscription(updated)); err != nil {
			return err
		}
		prev, next = cur, updated
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return prev, next, nil
}

// AddCredits implements billing.SubscriptionStore. The grant marker and the
// balance increment commit in one transaction.
func (s *Storage) AddCredits(ctx context.Context, externalRef string, amount int64,
	idempotencyKey string) (*billing.Subscription, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive")
	}

	doc := s.subscriptionDoc(externalRef)
	var grantDoc *firestore.DocumentRef
	if idempotencyKey != "" {
		grantDoc = s.client.Collection(s.config.CreditGrantsCollection).Doc(docID(externalRef + "_" + idempotencyKey))
	}

	var result *billing.Subscription
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if grantDoc != nil {
			snap, err := tx.Get(grantDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				return billing.ErrIdempotencyKeyExists
			}
		}

		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrSubscriptionNotFound
			}
			return err
		}
		sub := decodeSubscription(snap.Data())
		sub.CreditBalance += amount
		sub.UpdatedAt = time.Now().UTC()

		if err := tx.Update(doc, []firestore.Update{
			{Path: "creditBalance", Value: firestore.Increment(amount)},
			{Path: "updatedAt", Value: sub.UpdatedAt},
		}); err != nil {
			return err
		}
		if grantDoc != nil {
			if err := tx.Create(grantDoc, map[string]interface{}{
				"externalRef":    externalRef,
				"idempotencyKey": idempotencyKey,
				"amount":         amount,
				"createdAt":      sub.UpdatedAt,
			}); err != nil {
				return err
			}
		}
		result = sub
		return nil
	})
	if err != nil {
		if errors.Is(err, billing.ErrIdempotencyKeyExists) || errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to add credits: %w", err)
	}
	return result, nil
}

// ListTenantIDs implements billing.SubscriptionStore
func (s *Storage) ListTenantIDs(ctx context.Context) ([]string, error) {
	docs, err := s.client.Collection(s.config.TenantsCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, getString(d.Data(), "tenantId"))
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateHistoryEntry implements billing.HistoryStore
func (s *Storage) CreateHistoryEntry(ctx context.Context, entry *billing.ConversionEntry) error {
	if entry == nil || entry.TenantID == "" {
		return fmt.Errorf("invalid history entry")
	}

	data := map[string]interface{}{
		"tenantId":  entry.TenantID,
		"fromPlan":  entry.FromPlan,
		"toPlan":    entry.ToPlan,
		"reason":    string(entry.Reason),
		"metadata":  entry.Metadata,
		"createdAt": entry.CreatedAt.UTC(),
	}
	if _, err := s.entryDoc(s.config.HistoryCollection, entry.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to create history entry: %w", err)
	}
	return nil
}

// ListHistory implements billing.HistoryStore
func (s *Storage) ListHistory(ctx context.Context, tenantID string) ([]*billing.ConversionEntry, error) {
	docs, err := s.client.Collection(s.config.HistoryCollection).
		Where("tenantId", "==", tenantID).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	out := make([]*billing.ConversionEntry, 0, len(docs))
	for _, d := range docs {
		data := d.Data()
		out = append(out, &billing.ConversionEntry{
			ID:        d.Ref.ID,
			TenantID:  getString(data, "tenantId"),
			FromPlan:  getString(data, "fromPlan"),
			ToPlan:    getString(data, "toPlan"),
			Reason:    billing.ConversionReason(getString(data, "reason")),
			Metadata:  getMap(data, "metadata"),
			CreatedAt: getTime(data, "createdAt"),
		})
	}
	return out, nil
}

// CreateAuditEntry implements billing.AuditStore
func (s *Storage) CreateAuditEntry(ctx context.Context, entry *billing.AuditEntry) error {
	if entry == nil || entry.TenantID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	data := map[string]interface{}{
		"tenantId":     entry.TenantID,
		"action":       entry.Action,
		"resourceType": entry.ResourceType,
		"resourceId":   entry.ResourceID,
		"description":  entry.Description,
		"metadata":     entry.Metadata,
		"createdAt":    entry.CreatedAt.UTC(),
	}
	if _, err := s.entryDoc(s.config.AuditCollection, entry.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries implements billing.AuditStore
func (s *Storage) ListAuditEntries(ctx context.Context, tenantID string) ([]*billing.AuditEntry, error) {
	docs, err := s.client.Collection(s.config.AuditCollection).
		Where("tenantId", "==", tenantID).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	out := make([]*billing.AuditEntry, 0, len(docs))
	for _, d := range docs {
		data := d.Data()
		out = append(out, &billing.AuditEntry{
			ID:           d.Ref.ID,
			TenantID:     getString(data, "tenantId"),
			Action:       getString(data, "action"),
			ResourceType: getString(data, "resourceType"),
			ResourceID:   getString(data, "resourceId"),
			Description:  getString(data, "description"),
			Metadata:     getMap(data, "metadata"),
			CreatedAt:    getTime(data, "createdAt"),
		})
	}
	return out, nil
}

// CreateNotification implements billing.NotificationStore
func (s *Storage) CreateNotification(ctx context.Context, n *billing.Notification) error {
	if n == nil || n.ID == "" || n.UserID == "" {
		return fmt.Errorf("invalid notification")
	}

	_, err := s.client.Collection(s.config.NotificationsCollection).Doc(docID(n.ID)).Set(ctx, map[string]interface{}{
		"tenantId":  n.TenantID,
		"userId":    n.UserID,
		"title":     n.Title,
		"message":   n.Message,
		"type":      string(n.Type),
		"read":      n.Read,
		"createdAt": n.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// FindNotificationsSince implements billing.NotificationStore
func (s *Storage) FindNotificationsSince(ctx context.Context, userID string, since *time.Time,
	until time.Time) ([]*billing.Notification, error) {
	q := s.client.Collection(s.config.NotificationsCollection).
		Where("userId", "==", userID).
		Where("read", "==", false).
		Where("createdAt", "<=", until.UTC())
	if since != nil {
		q = q.Where("createdAt", ">", since.UTC())
	}

	docs, err := q.OrderBy("createdAt", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to find notifications: %w", err)
	}

	out := make([]*billing.Notification, 0, len(docs))
	for _, d := range docs {
		data := d.Data()
		out = append(out, &billing.Notification{
			ID:        d.Ref.ID,
			TenantID:  getString(data, "tenantId"),
			UserID:    getString(data, "userId"),
			Title:     getString(data, "title"),
			Message:   getString(data, "message"),
			Type:      billing.NotificationType(getString(data, "type")),
			Read:      getBool(data, "read"),
			CreatedAt: getTime(data, "createdAt"),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkNotificationRead implements billing.NotificationStore
func (s *Storage) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	doc := s.client.Collection(s.config.NotificationsCollection).Doc(docID(notificationID))
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrNotificationNotFound
			}
			return err
		}
		if getString(snap.Data(), "userId") != userID {
			return billing.ErrNotificationNotFound
		}
		return tx.Update(doc, []firestore.Update{{Path: "read", Value: true}})
	})
	if err != nil && !errors.Is(err, billing.ErrNotificationNotFound) {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return err
}

// GetEntitlementSnapshot implements billing.EntitlementStore
func (s *Storage) GetEntitlementSnapshot(ctx context.Context, tenantID string) (*billing.EntitlementSnapshot, error) {
	snap, err := s.client.Collection(s.config.SnapshotsCollection).Doc(docID(tenantID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entitlement snapshot: %w", err)
	}

	data := snap.Data()
	out := &billing.EntitlementSnapshot{
		TenantID:   tenantID,
		PlanID:     getString(data, "planId"),
		ComputedAt: getTime(data, "computedAt"),
		Revision:   getInt64(data, "revision"),
	}
	for _, f := range getStrings(data, "features") {
		out.Features = append(out.Features, billing.FeatureKey(f))
	}
	return out, nil
}

// SaveEntitlementSnapshot implements billing.EntitlementStore
func (s *Storage) SaveEntitlementSnapshot(ctx context.Context, snap *billing.EntitlementSnapshot) error {
	if snap == nil || snap.TenantID == "" {
		return fmt.Errorf("invalid entitlement snapshot")
	}

	features := make([]string, 0, len(snap.Features))
	for _, f := range snap.Features {
		features = append(features, string(f))
	}
	doc := s.client.Collection(s.config.SnapshotsCollection).Doc(docID(snap.TenantID))
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		cur, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if cur != nil && cur.Exists() {
			if rev := getInt64(cur.Data(), "revision"); rev != snap.Revision-1 {
				return fmt.Errorf("%w: tenant %s at revision %d, save expects %d",
					billing.ErrSnapshotConflict, snap.TenantID, rev, snap.Revision-1)
			}
		}
		return tx.Set(doc, map[string]interface{}{
			"planId":     snap.PlanID,
			"features":   features,
			"computedAt": snap.ComputedAt.UTC(),
			"revision":   snap.Revision,
		})
	})
	if errors.Is(err, billing.ErrSnapshotConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to save entitlement snapshot: %w", err)
	}
	return nil
}

func (s *Storage) preferenceDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.PreferencesCollection).Doc(docID(userID))
}

// GetDigestPreference implements billing.DigestStore
func (s *Storage) GetDigestPreference(ctx context.Context, userID string) (*billing.DigestPreference, error) {
	snap, err := s.preferenceDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrPreferenceNotFound
		}
		return nil, fmt.Errorf("failed to get digest preference: %w", err)
	}
	return decodePreference(snap.Data()), nil
}

// SetDigestPreference implements billing.DigestStore. The stored watermark
// is kept; only the scheduler advances it.
func (s *Storage) SetDigestPreference(ctx context.Context, pref *billing.DigestPreference) error {
	if pref == nil || pref.UserID == "" {
		return fmt.Errorf("invalid digest preference")
	}

	updatedAt := pref.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.preferenceDoc(pref.UserID).Set(ctx, map[string]interface{}{
		"userId":        pref.UserID,
		"email":         pref.Email,
		"enabled":       pref.Enabled,
		"frequency":     string(pref.Frequency),
		"preferredTime": pref.PreferredTime,
		"timezone":      pref.Timezone,
		"updatedAt":     updatedAt.UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set digest preference: %w", err)
	}
	return nil
}

// ListEnabledDigestPreferences implements billing.DigestStore
func (s *Storage) ListEnabledDigestPreferences(ctx context.Context) ([]*billing.DigestPreference, error) {
	docs, err := s.client.Collection(s.config.PreferencesCollection).
		Where("enabled", "==", true).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list digest preferences: %w", err)
	}

	out := make([]*billing.DigestPreference, 0, len(docs))
	for _, d := range docs {
		out = append(out, decodePreference(d.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// UpdateDigestWatermark implements billing.DigestStore
func (s *Storage) UpdateDigestWatermark(ctx context.Context, userID string, sentAt time.Time) error {
	_, err := s.preferenceDoc(userID).Update(ctx, []firestore.Update{
		{Path: "lastSentAt", Value: sentAt.UTC()},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return billing.ErrPreferenceNotFound
		}
		return fmt.Errorf("failed to update digest watermark: %w", err)
	}
	return nil
}

// AddMember implements billing.MemberStore
func (s *Storage) AddMember(ctx context.Context, m *billing.Member) error {
	if m == nil || m.TenantID == "" || m.UserID == "" {
		return fmt.Errorf("invalid member")
	}

	doc := s.client.Collection(s.config.MembersCollection).Doc(docID(m.TenantID + "_" + m.UserID))
	_, err := doc.Set(ctx, map[string]interface{}{
		"tenantId": m.TenantID,
		"userId":   m.UserID,
		"role":     string(m.Role),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// ListMembers implements billing.MemberStore
func (s *Storage) ListMembers(ctx context.Context, tenantID string) ([]*billing.Member, error) {
	docs, err := s.client.Collection(s.config.MembersCollection).
		Where("tenantId", "==", tenantID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	out := make([]*billing.Member, 0, len(docs))
	for _, d := range docs {
		data := d.Data()
		out = append(out, &billing.Member{
			TenantID: getString(data, "tenantId"),
			UserID:   getString(data, "userId"),
			Role:     billing.Role(getString(data, "role")),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// entryDoc returns the document for an append-only entry, generating an id
// when the entry has none
func (s *Storage) entryDoc(collection, id string) *firestore.DocumentRef {
	if id == "" {
		return s.client.Collection(collection).NewDoc()
	}
	return s.client.Collection(collection).Doc(docID(id))
}

func encodeSubscription(sub *billing.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"tenantId":      sub.TenantID,
		"externalRef":   sub.ExternalRef,
		"planId":        sub.PlanID,
		"status":        string(sub.Status),
		"creditBalance": sub.CreditBalance,
		"lastEventAt":   sub.LastEventAt.UTC(),
		"createdAt":     sub.CreatedAt.UTC(),
		"updatedAt":     sub.UpdatedAt.UTC(),
		"lastPaidAt":    nil,
	}
	if sub.LastPaidAt != nil {
		data["lastPaidAt"] = sub.LastPaidAt.UTC()
	}
	return data
}

func decodeSubscription(data map[string]interface{}) *billing.Subscription {
	sub := &billing.Subscription{
		TenantID:      getString(data, "tenantId"),
		ExternalRef:   getString(data, "externalRef"),
		PlanID:        getString(data, "planId"),
		Status:        billing.Status(getString(data, "status")),
		CreditBalance: getInt64(data, "creditBalance"),
		LastEventAt:   getTime(data, "lastEventAt"),
		CreatedAt:     getTime(data, "createdAt"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
	if t, ok := data["lastPaidAt"].(time.Time); ok && !t.IsZero() {
		t = t.UTC()
		sub.LastPaidAt = &t
	}
	return sub
}

func decodePreference(data map[string]interface{}) *billing.DigestPreference {
	p := &billing.DigestPreference{
		UserID:        getString(data, "userId"),
		Email:         getString(data, "email"),
		Enabled:       getBool(data, "enabled"),
		Frequency:     billing.Frequency(getString(data, "frequency")),
		PreferredTime: getString(data, "preferredTime"),
		Timezone:      getString(data, "timezone"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
	if t, ok := data["lastSentAt"].(time.Time); ok && !t.IsZero() {
		t = t.UTC()
		p.LastSentAt = &t
	}
	return p
}

// docID makes an identifier safe to use as a Firestore document id
func docID(id string) string {
	return strings.ReplaceAll(id, "/", "_")
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getStrings(data map[string]interface{}, key string) []string {
	raw, ok := data[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getMap(data map[string]interface{}, key string) map[string]interface{} {
	if v, ok := data[key].(map[string]interface{}); ok && len(v) > 0 {
		return v
	}
	return nil
}

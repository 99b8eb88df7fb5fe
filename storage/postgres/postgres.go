// Package postgres provides a PostgreSQL implementation of the billing.Storage interface.
// Subscription updates run in a transaction holding the row with SELECT FOR UPDATE,
// and the external reference is protected by a unique constraint.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

const uniqueViolation = "23505"

// Storage implements billing.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger billing.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var _ billing.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string `mapstructure:"dsn"`

	// Pool configuration
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	// Cleanup configuration
	CleanupEnabled  bool          `mapstructure:"cleanup_enabled"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"` // How often to run cleanup
	ReadRetention   time.Duration `mapstructure:"read_retention"`   // How long read notifications are kept

	Logger billing.Logger `mapstructure:"-"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		ReadRetention:   90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      logger,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.ReadRetention > 0 {
		billing.SafeGo(logger, "postgres-cleanup", func() { s.startCleanup(cleanupCtx) })
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the schema if it does not exist yet
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const subscriptionColumns = `tenant_id, external_ref, plan_id, status, last_paid_at,
	credit_balance, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var status string
	err := row.Scan(
		&sub.TenantID,
		&sub.ExternalRef,
		&sub.PlanID,
		&status,
		&sub.LastPaidAt,
		&sub.CreditBalance,
		&sub.LastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Status = billing.Status(status)
	sub.LastEventAt = sub.LastEventAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if sub.LastPaidAt != nil {
		t := sub.LastPaidAt.UTC()
		sub.LastPaidAt = &t
	}
	return &sub, nil
}

// FindByExternalRef implements billing.SubscriptionStore
func (s *Storage) FindByExternalRef(ctx context.Context, externalRef string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_ref = $1`, externalRef))
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, err
}

// FindByTenant implements billing.SubscriptionStore
func (s *Storage) FindByTenant(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID))
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, err
}

// CreateSubscription implements billing.SubscriptionStore
func (s *Storage) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.TenantID == "" || sub.ExternalRef == "" {
		return fmt.Errorf("invalid subscription")
	}

	now := time.Now().UTC()
	createdAt, updatedAt := sub.CreatedAt, sub.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.TenantID, sub.ExternalRef, sub.PlanID, string(sub.Status), sub.LastPaidAt,
		sub.CreditBalance, sub.LastEventAt.UTC(), createdAt, updatedAt,
	)
	if isUniqueViolation(err) {
		return billing.ErrDuplicateExternalRef
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements billing.SubscriptionStore. The row is held
// with SELECT FOR UPDATE while mutate runs.
func (s *Storage) UpdateSubscription(ctx context.Context, externalRef string,
	mutate billing.MutateFunc) (prev, next *billing.Subscription, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	cur, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_ref = $1 FOR UPDATE`, externalRef))
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock subscription: %w", err)
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
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`UPDATE subscriptions
			SET plan_id = $1, status = $2, last_paid_at = $3, last_event_at = $4, updated_at = $5
			WHERE external_ref = $6`,
		updated.PlanID, string(updated.Status), updated.LastPaidAt, updated.LastEventAt.UTC(),
		updated.UpdatedAt.UTC(), externalRef,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit: %w", err)
	}
	return cur, updated, nil
}

// AddCredits implements billing.SubscriptionStore. The grant row and the
// balance increment commit together.
func (s *Storage) AddCredits(ctx context.Context, externalRef string, amount int64,
	idempotencyKey string) (*billing.Subscription, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if idempotencyKey != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_grants (external_ref, idempotency_key, amount, created_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (external_ref, idempotency_key) DO NOTHING`,
			externalRef, idempotencyKey, amount, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to record credit grant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, billing.ErrIdempotencyKeyExists
		}
	}

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`UPDATE subscriptions SET credit_balance = credit_balance + $1, updated_at = $2
			WHERE external_ref = $3
			RETURNING `+subscriptionColumns,
		amount, time.Now().UTC(), externalRef))
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add credits: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, nil
}

// ListTenantIDs implements billing.SubscriptionStore
func (s *Storage) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id FROM subscriptions ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return ids, nil
}

// CreateHistoryEntry implements billing.HistoryStore
func (s *Storage) CreateHistoryEntry(ctx context.Context, entry *billing.ConversionEntry) error {
	if entry == nil || entry.TenantID == "" {
		return fmt.Errorf("invalid history entry")
	}

	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversion_history (id, tenant_id, from_plan, to_plan, reason, metadata, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		entry.ID, entry.TenantID, entry.FromPlan, entry.ToPlan, string(entry.Reason), metadata,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create history entry: %w", err)
	}
	return nil
}

// ListHistory implements billing.HistoryStore
func (s *Storage) ListHistory(ctx context.Context, tenantID string) ([]*billing.ConversionEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, COALESCE(from_plan, ''), to_plan, reason, metadata, created_at
			FROM conversion_history WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*billing.ConversionEntry
	for rows.Next() {
		var e billing.ConversionEntry
		var reason string
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.FromPlan, &e.ToPlan, &reason, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.Reason = billing.ConversionReason(reason)
		e.CreatedAt = e.CreatedAt.UTC()
		if e.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CreateAuditEntry implements billing.AuditStore
func (s *Storage) CreateAuditEntry(ctx context.Context, entry *billing.AuditEntry) error {
	if entry == nil || entry.TenantID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, tenant_id, action, resource_type, resource_id, description, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.TenantID, entry.Action, entry.ResourceType, entry.ResourceID, entry.Description,
		metadata, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries implements billing.AuditStore
func (s *Storage) ListAuditEntries(ctx context.Context, tenantID string) ([]*billing.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, action, resource_type, resource_id, description, metadata, created_at
			FROM audit_log WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Description, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		if e.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CreateNotification implements billing.NotificationStore
func (s *Storage) CreateNotification(ctx context.Context, n *billing.Notification) error {
	if n == nil || n.ID == "" || n.UserID == "" {
		return fmt.Errorf("invalid notification")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, tenant_id, user_id, title, message, type, read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
		n.ID, n.TenantID, n.UserID, n.Title, n.Message, string(n.Type), n.Read, n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// FindNotificationsSince implements billing.NotificationStore
func (s *Storage) FindNotificationsSince(ctx context.Context, userID string, since *time.Time,
	until time.Time) ([]*billing.Notification, error) {
	var sinceArg interface{}
	if since != nil {
		sinceArg = since.UTC()
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, user_id, title, message, type, read, created_at
			FROM notifications
			WHERE user_id = $1 AND NOT read
				AND ($2::timestamptz IS NULL OR created_at > $2)
				AND created_at <= $3
			ORDER BY created_at, id`,
		userID, sinceArg, until.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to find notifications: %w", err)
	}
	defer rows.Close()

	var out []*billing.Notification
	for rows.Next() {
		var n billing.Notification
		var typ string
		if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Title, &n.Message, &typ, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Type = billing.NotificationType(typ)
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationRead implements billing.NotificationStore
func (s *Storage) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotificationNotFound
	}
	return nil
}

// GetEntitlementSnapshot implements billing.EntitlementStore
func (s *Storage) GetEntitlementSnapshot(ctx context.Context, tenantID string) (*billing.EntitlementSnapshot, error) {
	var snap billing.EntitlementSnapshot
	var features []string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, plan_id, features, computed_at, revision FROM entitlement_snapshots WHERE tenant_id = $1`,
		tenantID).Scan(&snap.TenantID, &snap.PlanID, &features, &snap.ComputedAt, &snap.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement snapshot: %w", err)
	}
	snap.ComputedAt = snap.ComputedAt.UTC()
	snap.Features = make([]billing.FeatureKey, 0, len(features))
	for _, f := range features {
		snap.Features = append(snap.Features, billing.FeatureKey(f))
	}
	return &snap, nil
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

	// The update only applies over the predecessor revision
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO entitlement_snapshots (tenant_id, plan_id, features, computed_at, revision)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id) DO UPDATE SET
				plan_id = EXCLUDED.plan_id,
				features = EXCLUDED.features,
				computed_at = EXCLUDED.computed_at,
				revision = EXCLUDED.revision
			WHERE entitlement_snapshots.revision = EXCLUDED.revision - 1`,
		snap.TenantID, snap.PlanID, features, snap.ComputedAt.UTC(), snap.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to save entitlement snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: tenant %s", billing.ErrSnapshotConflict, snap.TenantID)
	}
	return nil
}

const preferenceColumns = `user_id, email, enabled, frequency, preferred_time, timezone, last_sent_at, updated_at`

func scanPreference(row pgx.Row) (*billing.DigestPreference, error) {
	var p billing.DigestPreference
	var frequency string
	if err := row.Scan(&p.UserID, &p.Email, &p.Enabled, &frequency, &p.PreferredTime, &p.Timezone,
		&p.LastSentAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Frequency = billing.Frequency(frequency)
	p.UpdatedAt = p.UpdatedAt.UTC()
	if p.LastSentAt != nil {
		t := p.LastSentAt.UTC()
		p.LastSentAt = &t
	}
	return &p, nil
}

// GetDigestPreference implements billing.DigestStore
func (s *Storage) GetDigestPreference(ctx context.Context, userID string) (*billing.DigestPreference, error) {
	p, err := scanPreference(s.pool.QueryRow(ctx,
		`SELECT `+preferenceColumns+` FROM digest_preferences WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrPreferenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get digest preference: %w", err)
	}
	return p, nil
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO digest_preferences (user_id, email, enabled, frequency, preferred_time, timezone, last_sent_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO UPDATE SET
				email = EXCLUDED.email,
				enabled = EXCLUDED.enabled,
				frequency = EXCLUDED.frequency,
				preferred_time = EXCLUDED.preferred_time,
				timezone = EXCLUDED.timezone,
				updated_at = EXCLUDED.updated_at`,
		pref.UserID, pref.Email, pref.Enabled, string(pref.Frequency), pref.PreferredTime, pref.Timezone,
		pref.LastSentAt, updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set digest preference: %w", err)
	}
	return nil
}

// ListEnabledDigestPreferences implements billing.DigestStore
func (s *Storage) ListEnabledDigestPreferences(ctx context.Context) ([]*billing.DigestPreference, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+preferenceColumns+` FROM digest_preferences WHERE enabled ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list digest preferences: %w", err)
	}
	defer rows.Close()

	var out []*billing.DigestPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan digest preference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateDigestWatermark implements billing.DigestStore
func (s *Storage) UpdateDigestWatermark(ctx context.Context, userID string, sentAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE digest_preferences SET last_sent_at = $1, updated_at = $2 WHERE user_id = $3`,
		sentAt.UTC(), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update digest watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrPreferenceNotFound
	}
	return nil
}

// AddMember implements billing.MemberStore
func (s *Storage) AddMember(ctx context.Context, m *billing.Member) error {
	if m == nil || m.TenantID == "" || m.UserID == "" {
		return fmt.Errorf("invalid member")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_members (tenant_id, user_id, role, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.TenantID, m.UserID, string(m.Role), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// ListMembers implements billing.MemberStore
func (s *Storage) ListMembers(ctx context.Context, tenantID string) ([]*billing.Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, user_id, role FROM tenant_members WHERE tenant_id = $1 ORDER BY created_at, user_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []*billing.Member
	for rows.Next() {
		var m billing.Member
		var role string
		if err := rows.Scan(&m.TenantID, &m.UserID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Role = billing.Role(role)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// startCleanup runs periodic pruning of read notifications
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("notification cleanup failed", billing.ErrField(err))
			}
		}
	}
}

// Cleanup deletes read notifications older than the configured retention and
// returns how many were removed
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.ReadRetention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE read AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

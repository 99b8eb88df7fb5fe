// Package redis provides Redis-backed entitlement snapshots and a distributed
// lock used to keep digest delivery single-writer across replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Storage implements billing.EntitlementStore and digest.Locker using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
	token   func() string
}

var _ billing.EntitlementStore = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billingsync:")
	KeyPrefix string `mapstructure:"key_prefix"`

	// SnapshotTTL is the TTL for entitlement snapshot keys (0 = no expiration)
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "billingsync:",
		SnapshotTTL: 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "billingsync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		token:   uuid.NewString,
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts used for atomic operations
func (s *Storage) loadScripts() {
	// Release a lock only if it is still held with our token
	s.scripts["unlock"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

type snapshotRecord struct {
	TenantID   string    `json:"tenant_id"`
	PlanID     string    `json:"plan_id"`
	Features   []string  `json:"features"`
	ComputedAt time.Time `json:"computed_at"`
	Revision   int64     `json:"revision"`
}

// GetEntitlementSnapshot implements billing.EntitlementStore
func (s *Storage) GetEntitlementSnapshot(ctx context.Context, tenantID string) (*billing.EntitlementSnapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement snapshot: %w", err)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement snapshot: %w", err)
	}
	snap := &billing.EntitlementSnapshot{
		TenantID:   rec.TenantID,
		PlanID:     rec.PlanID,
		Features:   make([]billing.FeatureKey, 0, len(rec.Features)),
		ComputedAt: rec.ComputedAt.UTC(),
		Revision:   rec.Revision,
	}
	for _, f := range rec.Features {
		snap.Features = append(snap.Features, billing.FeatureKey(f))
	}
	return snap, nil
}

// SaveEntitlementSnapshot implements billing.EntitlementStore
func (s *Storage) SaveEntitlementSnapshot(ctx context.Context, snap *billing.EntitlementSnapshot) error {
	if snap == nil || snap.TenantID == "" {
		return fmt.Errorf("invalid entitlement snapshot")
	}

	rec := snapshotRecord{
		TenantID:   snap.TenantID,
		PlanID:     snap.PlanID,
		Features:   make([]string, 0, len(snap.Features)),
		ComputedAt: snap.ComputedAt.UTC(),
		Revision:   snap.Revision,
	}
	for _, f := range snap.Features {
		rec.Features = append(rec.Features, string(f))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement snapshot: %w", err)
	}

	key := s.snapshotKey(snap.TenantID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored snapshotRecord
			if err := json.Unmarshal(cur, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal entitlement snapshot: %w", err)
			}
			if stored.Revision != snap.Revision-1 {
				return fmt.Errorf("%w: tenant %s at revision %d, save expects %d",
					billing.ErrSnapshotConflict, snap.TenantID, stored.Revision, snap.Revision-1)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.config.SnapshotTTL)
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: tenant %s", billing.ErrSnapshotConflict, snap.TenantID)
	case errors.Is(err, billing.ErrSnapshotConflict):
		return err
	case err != nil:
		return fmt.Errorf("failed to save entitlement snapshot: %w", err)
	}
	return nil
}

// InvalidateEntitlementSnapshot drops the cached snapshot of a tenant
func (s *Storage) InvalidateEntitlementSnapshot(ctx context.Context, tenantID string) error {
	if err := s.client.Del(ctx, s.snapshotKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate entitlement snapshot: %w", err)
	}
	return nil
}

// TryLock takes key for ttl with SET NX PX. It returns ok=false when another
// holder owns the key. The returned unlock only deletes the key while it
// still carries this holder's token.
func (s *Storage) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	token := s.token()
	fullKey := s.config.KeyPrefix + "lock:" + key
	ok, err := s.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		if err := s.scripts["unlock"].Run(ctx, s.client, []string{fullKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}
	return unlock, true, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) snapshotKey(tenantID string) string {
	return fmt.Sprintf("%sentitlements:%s", s.config.KeyPrefix, tenantID)
}

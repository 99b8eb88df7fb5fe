// Package tiered provides a Hot/Cold storage adapter that fronts a durable
// billing.Storage (Cold) with a fast entitlement snapshot cache (Hot).
//
// Every store except the entitlement snapshots is served by Cold directly.
// Snapshots are read through Hot and written through Cold first.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Invalidator is implemented by Hot stores that can drop a cached snapshot
type Invalidator interface {
	InvalidateEntitlementSnapshot(ctx context.Context, tenantID string) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 snapshot cache (e.g., Redis, Memory)
	Hot billing.EntitlementStore

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) and the source of truth
	Cold billing.Storage

	// AsyncBackfill fills Hot after a Cold read on a background worker
	// instead of inline. Writes are always synchronous.
	AsyncBackfill bool

	// SyncBufferSize is the size of the buffered channel for async backfills.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot operation fails.
	// Essential for monitoring cache drift.
	AsyncErrorHandler func(error)
}

// Storage implements billing.Storage with a Hot/Cold split for entitlement
// snapshots:
// - Read-Through: snapshot reads (Hot → Cold → populate Hot)
// - Write-Through: snapshot writes (Cold → Hot, invalidating Hot on failure)
// - Cold-Only: everything else
type Storage struct {
	billing.Storage

	hot  billing.EntitlementStore
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ billing.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		Storage:   config.Cold,
		hot:       config.Hot,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncBackfill {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncBackfill {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background backfill loop.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered backfill failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetEntitlementSnapshot implements billing.EntitlementStore with read-through strategy.
func (s *Storage) GetEntitlementSnapshot(ctx context.Context, tenantID string) (*billing.EntitlementSnapshot, error) {
	// 1. Try Hot
	snap, err := s.hot.GetEntitlementSnapshot(ctx, tenantID)
	if err == nil && snap != nil {
		return snap, nil
	}
	if err != nil {
		s.reportError(fmt.Errorf("tiered hot read failed: %w", err))
	}

	// 2. Try Cold (Source of Truth)
	snap, err = s.Storage.GetEntitlementSnapshot(ctx, tenantID)
	if err != nil || snap == nil {
		return snap, err
	}

	// 3. Populate Hot (Read-Repair)
	fill := *snap
	fill.Features = append([]billing.FeatureKey(nil), snap.Features...)
	job := func() error {
		return s.hot.SaveEntitlementSnapshot(context.WithoutCancel(ctx), &fill)
	}
	if !s.conf.AsyncBackfill {
		if err := job(); err != nil {
			s.reportError(fmt.Errorf("tiered backfill failed: %w", err))
		}
		return snap, nil
	}
	select {
	case s.syncQueue <- job:
	default:
		s.reportError(errors.New("tiered backfill queue full, dropping cache fill"))
	}
	return snap, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// SaveEntitlementSnapshot implements billing.EntitlementStore with write-through strategy.
// A failed Hot write invalidates the cached copy so a stale baseline is never served.
func (s *Storage) SaveEntitlementSnapshot(ctx context.Context, snap *billing.EntitlementSnapshot) error {
	// 1. Write Cold (Durability)
	if err := s.Storage.SaveEntitlementSnapshot(ctx, snap); err != nil {
		if errors.Is(err, billing.ErrSnapshotConflict) {
			// The caller read its baseline from Hot; the retry must see Cold
			_ = s.invalidate(ctx, snap.TenantID)
		}
		return err
	}

	// 2. Write Hot (Availability)
	err := s.hot.SaveEntitlementSnapshot(ctx, snap)
	if err == nil {
		return nil
	}
	s.reportError(fmt.Errorf("tiered hot write failed: %w", err))
	return s.invalidate(ctx, snap.TenantID)
}

// invalidate drops the cached snapshot of tenantID when Hot supports it
func (s *Storage) invalidate(ctx context.Context, tenantID string) error {
	inv, ok := s.hot.(Invalidator)
	if !ok {
		return nil
	}
	if err := inv.InvalidateEntitlementSnapshot(ctx, tenantID); err != nil {
		err = fmt.Errorf("entitlement snapshot cache is stale for tenant %s: %w", tenantID, err)
		s.reportError(err)
		return err
	}
	return nil
}

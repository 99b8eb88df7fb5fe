package billing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SweepReport summarises one consistency sweep
type SweepReport struct {
	Tenants int
	Changed int
	Failed  int
}

// SweeperConfig configures the Sweeper
type SweeperConfig struct {
	// Interval between sweeps; defaults to one hour
	Interval time.Duration
	Logger   Logger
}

// Sweeper periodically reconciles every tenant's entitlements so that a
// reconciliation missed on the webhook path is caught up. Tenants whose set
// changed get the same side effects the webhook path would have emitted.
type Sweeper struct {
	subs       SubscriptionStore
	engine     *EntitlementEngine
	dispatcher *Dispatcher
	interval   time.Duration
	logger     Logger

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewSweeper creates a Sweeper
func NewSweeper(subs SubscriptionStore, engine *EntitlementEngine, dispatcher *Dispatcher, cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		subs:       subs,
		engine:     engine,
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = time.Hour
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	return s
}

// Start sweeps immediately and then on every interval until ctx is done or
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("starting entitlement sweeper", F("interval", s.interval.String()))
	SafeGo(s.logger, "entitlement-sweeper", func() { s.run(ctx) })
}

// Stop stops the sweeper
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Sweeper) run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("entitlement sweeper stopped due to context cancellation")
			return
		case <-s.stopChan:
			s.logger.Info("entitlement sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("entitlement sweep failed", ErrField(err))
		return
	}
	s.logger.Info("entitlement sweep completed",
		F("tenants", report.Tenants),
		F("changed", report.Changed),
		F("failed", report.Failed),
	)
}

// SweepOnce reconciles every tenant once. A single tenant's failure is
// logged and counted; the sweep continues.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	tenants, err := s.subs.ListTenantIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list tenants: %w", err)
	}

	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Tenants++

		delta, err := s.engine.Reconcile(ctx, tenantID)
		if err != nil {
			report.Failed++
			s.logger.Error("sweep reconciliation failed", F("tenant_id", tenantID), ErrField(err))
			continue
		}
		if delta.Empty() {
			continue
		}

		report.Changed++
		s.dispatcher.Emit(ctx, Emission{
			TenantID:  tenantID,
			EventType: "sweep",
			Data: map[string]interface{}{
				"plan_id":           delta.PlanID,
				"features_enabled":  featureStrings(delta.NewlyEnabled),
				"features_disabled": featureStrings(delta.NewlyDisabled),
				"total_features":    delta.TotalFeatures,
			},
			Audit: AuditSpec{
				Action:       "entitlements.changed",
				ResourceType: "tenant",
				ResourceID:   tenantID,
				Description:  "feature entitlements recomputed by consistency sweep",
			},
		})
	}
	return report, nil
}

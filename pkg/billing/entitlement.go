package billing

import (
	"context"
	"errors"
	"sort"
	"time"
)

// EntitlementConfig holds optional collaborators of the EntitlementEngine
type EntitlementConfig struct {
	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// EntitlementEngine recomputes a tenant's feature set from its current plan
// and reports the difference to the last computed set.
type EntitlementEngine struct {
	subs        SubscriptionStore
	snapshots   EntitlementStore
	features    FeatureMap
	defaultPlan string
	logger      Logger
	metrics     Metrics
	now         func() time.Time
}

// NewEntitlementEngine creates an engine. defaultPlan is the plan whose
// features apply to tenants without a live subscription.
func NewEntitlementEngine(subs SubscriptionStore, snapshots EntitlementStore, features FeatureMap, defaultPlan string, cfg EntitlementConfig) *EntitlementEngine {
	e := &EntitlementEngine{
		subs:        subs,
		snapshots:   snapshots,
		features:    features,
		defaultPlan: defaultPlan,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if e.logger == nil {
		e.logger = &NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = &NoopMetrics{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// EffectivePlan is the plan whose features a record grants. Deleted and
// never-paid records fall back to the default plan.
func (e *EntitlementEngine) EffectivePlan(sub *Subscription) string {
	if sub == nil || sub.PlanID == "" {
		return e.defaultPlan
	}
	switch sub.Status {
	case StatusDeleted, StatusNone:
		return e.defaultPlan
	}
	return sub.PlanID
}

// Features returns the tenant's current feature set, computed fresh.
// Tenants without a record get the default plan's features.
func (e *EntitlementEngine) Features(ctx context.Context, tenantID string) (string, []FeatureKey, error) {
	sub, err := e.subs.FindByTenant(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return "", nil, err
	}
	plan := e.EffectivePlan(sub)
	return plan, sortedSet(e.features.Features(plan)), nil
}

// HasFeature reports whether the tenant currently has feature enabled.
func (e *EntitlementEngine) HasFeature(ctx context.Context, tenantID string, feature FeatureKey) (bool, error) {
	_, set, err := e.Features(ctx, tenantID)
	if err != nil {
		return false, err
	}
	i := sort.Search(len(set), func(i int) bool { return set[i] >= feature })
	return i < len(set) && set[i] == feature, nil
}

// maxReconcileAttempts bounds the retries of a reconciliation that lost a
// concurrent snapshot save.
const maxReconcileAttempts = 5

// Reconcile recomputes the tenant's feature set, diffs it against the stored
// snapshot and saves the new snapshot. It is safe to call redundantly: a
// second call without a plan change in between returns an empty delta.
// Without a stored snapshot the baseline is the default plan's feature set.
//
// Concurrent calls for one tenant report each change once. The snapshot is
// read before the record, so the record is never older than the baseline,
// and it is saved only over the revision that was read. A call that loses
// the save starts over.
func (e *EntitlementEngine) Reconcile(ctx context.Context, tenantID string) (EntitlementDelta, error) {
	var (
		delta EntitlementDelta
		err   error
	)
	for attempt := 1; attempt <= maxReconcileAttempts; attempt++ {
		delta, err = e.reconcileOnce(ctx, tenantID)
		if !errors.Is(err, ErrSnapshotConflict) {
			break
		}
		e.logger.Debug("entitlement snapshot changed concurrently, retrying",
			F("tenant_id", tenantID),
			F("attempt", attempt),
		)
	}
	if err != nil {
		return EntitlementDelta{}, err
	}

	if !delta.Empty() {
		e.metrics.RecordEntitlementDelta(len(delta.NewlyEnabled), len(delta.NewlyDisabled))
		e.logger.Info("entitlements changed",
			F("tenant_id", tenantID),
			F("plan_id", delta.PlanID),
			F("enabled", delta.NewlyEnabled),
			F("disabled", delta.NewlyDisabled),
		)
	}
	return delta, nil
}

func (e *EntitlementEngine) reconcileOnce(ctx context.Context, tenantID string) (EntitlementDelta, error) {
	prev, err := e.snapshots.GetEntitlementSnapshot(ctx, tenantID)
	if err != nil {
		return EntitlementDelta{}, err
	}

	sub, err := e.subs.FindByTenant(ctx, tenantID)
	if err != nil {
		return EntitlementDelta{}, err
	}

	plan := e.EffectivePlan(sub)
	current := sortedSet(e.features.Features(plan))

	var baseline []FeatureKey
	var revision int64
	if prev != nil {
		baseline = sortedSet(prev.Features)
		revision = prev.Revision
	} else {
		baseline = sortedSet(e.features.Features(e.defaultPlan))
	}

	enabled, disabled := DiffFeatures(baseline, current)
	delta := EntitlementDelta{
		TenantID:      tenantID,
		PlanID:        plan,
		NewlyEnabled:  enabled,
		NewlyDisabled: disabled,
		TotalFeatures: len(current),
	}

	if prev == nil || !delta.Empty() || prev.PlanID != plan {
		snap := &EntitlementSnapshot{
			TenantID:   tenantID,
			PlanID:     plan,
			Features:   current,
			ComputedAt: e.now().UTC(),
			Revision:   revision + 1,
		}
		if err := e.snapshots.SaveEntitlementSnapshot(ctx, snap); err != nil {
			return EntitlementDelta{}, err
		}
	}
	return delta, nil
}

// DiffFeatures returns the keys only in next (enabled) and only in prev
// (disabled). Both inputs must be sorted and free of duplicates.
func DiffFeatures(prev, next []FeatureKey) (enabled, disabled []FeatureKey) {
	i, j := 0, 0
	for i < len(prev) && j < len(next) {
		switch {
		case prev[i] == next[j]:
			i++
			j++
		case prev[i] < next[j]:
			disabled = append(disabled, prev[i])
			i++
		default:
			enabled = append(enabled, next[j])
			j++
		}
	}
	disabled = append(disabled, prev[i:]...)
	enabled = append(enabled, next[j:]...)
	return enabled, disabled
}

func sortedSet(in []FeatureKey) []FeatureKey {
	out := make([]FeatureKey, 0, len(in))
	seen := make(map[FeatureKey]struct{}, len(in))
	for _, f := range in {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transition is a partial update of a subscription record. Nil fields are
// left untouched.
type Transition struct {
	PlanID *string
	Status *Status
	PaidAt *time.Time

	// EventAt is the processor timestamp of the triggering event
	EventAt time.Time
	// EventID is recorded in history metadata
	EventID string
	// Metadata is merged into the conversion history entry
	Metadata map[string]interface{}
}

// TransitionResult describes what ApplyTransition changed
type TransitionResult struct {
	Previous *Subscription
	Current  *Subscription

	PlanChanged   bool
	StatusChanged bool
	// Reason is set when PlanChanged
	Reason ConversionReason

	// History is the conversion entry written for a plan change
	History *ConversionEntry
	// HistoryErr reports a failed history write. The subscription update
	// stands regardless.
	HistoryErr error
}

// Changed reports whether plan or status changed
func (r *TransitionResult) Changed() bool {
	return r != nil && (r.PlanChanged || r.StatusChanged)
}

// CreditResult describes the outcome of a credit grant
type CreditResult struct {
	Subscription *Subscription
	Amount       int64
	// Applied is false when the idempotency key had already been used
	Applied bool
}

// ReconcilerConfig holds optional collaborators of the Reconciler
type ReconcilerConfig struct {
	Logger  Logger
	Metrics Metrics
	// Now overrides the clock (tests)
	Now func() time.Time
}

// Reconciler is the only writer of subscription records. Every status and
// plan change goes through a conditional read-then-write on the store.
type Reconciler struct {
	subs    SubscriptionStore
	history HistoryStore
	catalog *Catalog
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewReconciler creates a Reconciler
func NewReconciler(subs SubscriptionStore, history HistoryStore, catalog *Catalog, cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		subs:    subs,
		history: history,
		catalog: catalog,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// CanTransition reports whether the status state machine allows from -> to.
// Repeating the current status is always allowed. Leaving deleted is only
// possible through Resubscribe.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusDeleted {
		return true
	}
	switch from {
	case StatusNone:
		return to == StatusActive
	case StatusActive:
		return to == StatusCancelAtPeriodEnd || to == StatusPastDue
	case StatusCancelAtPeriodEnd:
		return to == StatusActive || to == StatusPastDue
	case StatusPastDue:
		return to == StatusActive
	}
	return false
}

// ApplyTransition applies t to the record identified by externalRef.
// Stale events return ErrStaleEvent and forbidden status changes return
// ErrInvalidTransition; in both cases nothing is written. Re-applying the
// current state is a no-op apart from the event watermark.
func (r *Reconciler) ApplyTransition(ctx context.Context, externalRef string, t Transition) (*TransitionResult, error) {
	if t.Status != nil && !t.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *t.Status)
	}

	prev, next, err := r.subs.UpdateSubscription(ctx, externalRef, func(cur *Subscription) (*Subscription, error) {
		if !t.EventAt.IsZero() && t.EventAt.Before(cur.LastEventAt) {
			return nil, fmt.Errorf("%w: event at %s, record at %s", ErrStaleEvent,
				t.EventAt.UTC().Format(time.RFC3339), cur.LastEventAt.UTC().Format(time.RFC3339))
		}
		upd := cur.Clone()
		if t.Status != nil {
			if !CanTransition(cur.Status, *t.Status) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, *t.Status)
			}
			upd.Status = *t.Status
		}
		if t.PlanID != nil {
			upd.PlanID = *t.PlanID
		}
		if t.PaidAt != nil && (upd.LastPaidAt == nil || t.PaidAt.After(*upd.LastPaidAt)) {
			paid := t.PaidAt.UTC()
			upd.LastPaidAt = &paid
		}
		if t.EventAt.After(upd.LastEventAt) {
			upd.LastEventAt = t.EventAt.UTC()
		}
		upd.UpdatedAt = r.now().UTC()
		return upd, nil
	})
	if err != nil {
		return nil, err
	}

	res := &TransitionResult{
		Previous:      prev,
		Current:       next,
		PlanChanged:   prev.PlanID != next.PlanID,
		StatusChanged: prev.Status != next.Status,
	}

	if res.StatusChanged {
		r.metrics.RecordStatusTransition(prev.Status, next.Status)
		r.logger.Info("subscription status changed",
			F("tenant_id", next.TenantID),
			F("external_ref", externalRef),
			F("from", string(prev.Status)),
			F("to", string(next.Status)),
		)
	}

	if res.PlanChanged {
		res.Reason = r.catalog.Classify(prev.PlanID, next.PlanID)
		r.metrics.RecordPlanChange(prev.PlanID, next.PlanID, res.Reason)
		res.History, res.HistoryErr = r.recordHistory(ctx, prev, next, res.Reason, t)
	}

	return res, nil
}

// recordHistory writes the conversion entry. Its failure is logged and
// returned for reporting only.
func (r *Reconciler) recordHistory(ctx context.Context, prev, next *Subscription, reason ConversionReason, t Transition) (entry *ConversionEntry, err error) {
	entry = &ConversionEntry{
		ID:        uuid.NewString(),
		TenantID:  next.TenantID,
		FromPlan:  prev.PlanID,
		ToPlan:    next.PlanID,
		Reason:    reason,
		Metadata:  map[string]interface{}{"status": string(next.Status)},
		CreatedAt: r.now().UTC(),
	}
	if t.EventID != "" {
		entry.Metadata["event_id"] = t.EventID
	}
	for k, v := range t.Metadata {
		entry.Metadata[k] = v
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("history write panicked: %v", rec)
		}
		if err != nil {
			r.metrics.RecordSideEffect("history", false)
			r.logger.Error("conversion history write failed",
				F("tenant_id", entry.TenantID),
				F("from_plan", entry.FromPlan),
				F("to_plan", entry.ToPlan),
				F("reason", string(reason)),
				F("event_id", t.EventID),
				ErrField(err),
			)
			entry = nil
			return
		}
		r.metrics.RecordSideEffect("history", true)
	}()

	err = r.history.CreateHistoryEntry(ctx, entry)
	return entry, err
}

// AddCredits increments the credit balance by amount. A repeated
// idempotency key leaves the balance unchanged and reports Applied=false.
func (r *Reconciler) AddCredits(ctx context.Context, externalRef string, amount int64, idempotencyKey string) (*CreditResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	sub, err := r.subs.AddCredits(ctx, externalRef, amount, idempotencyKey)
	if errors.Is(err, ErrIdempotencyKeyExists) {
		cur, findErr := r.subs.FindByExternalRef(ctx, externalRef)
		if findErr != nil {
			return nil, findErr
		}
		r.logger.Debug("credit grant already applied",
			F("external_ref", externalRef),
			F("idempotency_key", idempotencyKey),
		)
		return &CreditResult{Subscription: cur, Amount: amount, Applied: false}, nil
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("credits granted",
		F("tenant_id", sub.TenantID),
		F("amount", amount),
		F("balance", sub.CreditBalance),
	)
	return &CreditResult{Subscription: sub, Amount: amount, Applied: true}, nil
}

// Resubscribe starts a fresh lifecycle on a deleted record by moving it to
// none. The record and its external reference are reused. Records that are
// not deleted are returned unchanged.
func (r *Reconciler) Resubscribe(ctx context.Context, externalRef string, eventAt time.Time) (*TransitionResult, error) {
	prev, next, err := r.subs.UpdateSubscription(ctx, externalRef, func(cur *Subscription) (*Subscription, error) {
		if cur.Status != StatusDeleted {
			return cur, nil
		}
		if !eventAt.IsZero() && eventAt.Before(cur.LastEventAt) {
			return nil, fmt.Errorf("%w: resubscription predates deletion", ErrStaleEvent)
		}
		upd := cur.Clone()
		upd.Status = StatusNone
		upd.UpdatedAt = r.now().UTC()
		return upd, nil
	})
	if err != nil {
		return nil, err
	}

	res := &TransitionResult{Previous: prev, Current: next, StatusChanged: prev.Status != next.Status}
	if res.StatusChanged {
		r.metrics.RecordStatusTransition(prev.Status, next.Status)
		r.logger.Info("subscription lifecycle restarted",
			F("tenant_id", next.TenantID),
			F("external_ref", externalRef),
		)
	}
	return res, nil
}

// Link creates the record binding tenantID to externalRef with status none
// and the default plan. Linking the same pair again returns the existing
// record; linking an external reference owned by another tenant fails with
// ErrDuplicateExternalRef.
func (r *Reconciler) Link(ctx context.Context, tenantID, externalRef string) (*Subscription, bool, error) {
	if tenantID == "" || externalRef == "" {
		return nil, false, fmt.Errorf("tenant id and external reference are required")
	}

	existing, err := r.subs.FindByExternalRef(ctx, externalRef)
	switch {
	case err == nil:
		if existing.TenantID != tenantID {
			return nil, false, fmt.Errorf("%w: %s belongs to tenant %s", ErrDuplicateExternalRef, externalRef, existing.TenantID)
		}
		return existing, false, nil
	case !errors.Is(err, ErrSubscriptionNotFound):
		return nil, false, err
	}

	now := r.now().UTC()
	sub := &Subscription{
		TenantID:    tenantID,
		ExternalRef: externalRef,
		PlanID:      r.catalog.DefaultPlan(),
		Status:      StatusNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.subs.CreateSubscription(ctx, sub); err != nil {
		return nil, false, err
	}

	r.logger.Info("customer linked to tenant",
		F("tenant_id", tenantID),
		F("external_ref", externalRef),
	)
	return sub, true, nil
}

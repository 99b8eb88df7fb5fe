package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProcessResult summarises what processing one event did
type ProcessResult struct {
	EventID  string
	Kind     string
	TenantID string

	Linked     bool
	Transition *TransitionResult
	Credits    *CreditResult
	Delta      *EntitlementDelta
	// Effects is nil when the event changed nothing
	Effects *Outcome
}

// Changed reports whether the event altered tenant state
func (r *ProcessResult) Changed() bool {
	if r == nil {
		return false
	}
	return r.Linked || r.Transition.Changed() ||
		(r.Credits != nil && r.Credits.Applied) ||
		(r.Delta != nil && !r.Delta.Empty())
}

// ProcessorConfig holds optional collaborators of the Processor
type ProcessorConfig struct {
	Logger  Logger
	Metrics Metrics
}

// Processor drives one verified event through plan resolution, the state
// reconciler, entitlement reconciliation and side-effect dispatch.
type Processor struct {
	catalog    *Catalog
	subs       SubscriptionStore
	reconciler *Reconciler
	engine     *EntitlementEngine
	dispatcher *Dispatcher
	logger     Logger
	metrics    Metrics
}

// NewProcessor creates a Processor from its components
func NewProcessor(catalog *Catalog, subs SubscriptionStore, reconciler *Reconciler,
	engine *EntitlementEngine, dispatcher *Dispatcher, cfg ProcessorConfig) *Processor {
	p := &Processor{
		catalog:    catalog,
		subs:       subs,
		reconciler: reconciler,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if p.logger == nil {
		p.logger = &NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = &NoopMetrics{}
	}
	return p
}

// PipelineConfig configures NewPipeline
type PipelineConfig struct {
	Logger         Logger
	Metrics        Metrics
	CircuitBreaker CircuitBreaker
	// Features overrides the catalog's own feature lists
	Features       FeatureMap
	RecipientRoles []Role
	Now            func() time.Time
}

// NewPipeline wires every component against a single Storage
func NewPipeline(store Storage, catalog *Catalog, cfg PipelineConfig) *Processor {
	features := cfg.Features
	if features == nil {
		features = catalog
	}
	rec := NewReconciler(store, store, catalog, ReconcilerConfig{
		Logger: cfg.Logger, Metrics: cfg.Metrics, Now: cfg.Now,
	})
	engine := NewEntitlementEngine(store, store, features, catalog.DefaultPlan(), EntitlementConfig{
		Logger: cfg.Logger, Metrics: cfg.Metrics, Now: cfg.Now,
	})
	disp := NewDispatcher(store, store, store, DispatcherConfig{
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
		CircuitBreaker: cfg.CircuitBreaker,
		RecipientRoles: cfg.RecipientRoles,
		Now:            cfg.Now,
	})
	return NewProcessor(catalog, store, rec, engine, disp, ProcessorConfig{
		Logger: cfg.Logger, Metrics: cfg.Metrics,
	})
}

// Engine returns the entitlement engine
func (p *Processor) Engine() *EntitlementEngine { return p.engine }

// Reconciler returns the subscription reconciler
func (p *Processor) Reconciler() *Reconciler { return p.reconciler }

// Dispatcher returns the side-effect dispatcher
func (p *Processor) Dispatcher() *Dispatcher { return p.dispatcher }

// Process applies a verified event. Rejecting errors (see IsRejecting) are
// returned before anything is written. Acknowledged errors (see
// IsAcknowledged) mean the event was deliberately not applied. Any other
// error is a storage failure and the sender should retry.
func (p *Processor) Process(ctx context.Context, ev Event) (*ProcessResult, error) {
	meta := ev.Meta()
	res := &ProcessResult{EventID: meta.ID, Kind: meta.Kind}

	var err error
	switch e := ev.(type) {
	case CheckoutCompleted:
		err = p.checkoutCompleted(ctx, e, res)
	case InvoicePaid:
		err = p.invoicePaid(ctx, e, res)
	case InvoicePaymentFailed:
		err = p.invoicePaymentFailed(ctx, e, res)
	case SubscriptionUpdated:
		err = p.subscriptionUpdated(ctx, e, res)
	case SubscriptionDeleted:
		err = p.subscriptionDeleted(ctx, e, res)
	default:
		err = &UnhandledEventError{EventID: meta.ID, Kind: meta.Kind}
	}
	if err != nil {
		p.logOutcome(meta, err)
		return res, err
	}

	p.reconcileAndEmit(ctx, meta, res)
	return res, nil
}

func (p *Processor) checkoutCompleted(ctx context.Context, e CheckoutCompleted, res *ProcessResult) error {
	// Checkout payloads usually omit line items; only a present item is resolved.
	var resolution *Resolution
	if len(e.LineItems) > 0 {
		r, err := p.catalog.Resolve(e.LineItems)
		if err != nil {
			return err
		}
		resolution = &r
	}

	sub, err := p.ensureLinked(ctx, e.EventMeta, res)
	if err != nil {
		return err
	}
	res.TenantID = sub.TenantID

	if resolution != nil && resolution.Effect.Kind == EffectCredits {
		key := CreditGrantKey(e.InvoiceID, e.SessionID, e.ID)
		credits, err := p.reconciler.AddCredits(ctx, e.CustomerRef, resolution.Effect.Credits, key)
		if err != nil {
			return err
		}
		res.Credits = credits
	}
	return nil
}

func (p *Processor) invoicePaid(ctx context.Context, e InvoicePaid, res *ProcessResult) error {
	resolution, err := p.catalog.Resolve(e.LineItems)
	if err != nil {
		return err
	}

	sub, err := p.ensureLinked(ctx, e.EventMeta, res)
	if err != nil {
		return err
	}
	res.TenantID = sub.TenantID

	if resolution.Effect.Kind == EffectCredits {
		key := CreditGrantKey(e.InvoiceID, "", e.ID)
		credits, err := p.reconciler.AddCredits(ctx, e.CustomerRef, resolution.Effect.Credits, key)
		if err != nil {
			return err
		}
		res.Credits = credits
		return nil
	}

	resubscribed := false
	if sub.Status == StatusDeleted {
		if _, err := p.reconciler.Resubscribe(ctx, e.CustomerRef, e.CreatedAt); err != nil {
			return err
		}
		resubscribed = true
	}

	t := Transition{
		PlanID:  &resolution.Plan.ID,
		EventAt: e.CreatedAt,
		EventID: e.ID,
		Metadata: map[string]interface{}{
			"invoice_id": e.InvoiceID,
			"price_id":   resolution.MatchedID,
		},
	}
	if !e.PaidAt.IsZero() {
		paid := e.PaidAt
		t.PaidAt = &paid
	}
	// A payment does not withdraw a pending cancellation.
	if sub.Status != StatusCancelAtPeriodEnd {
		active := StatusActive
		t.Status = &active
	}

	res.Transition, err = p.reconciler.ApplyTransition(ctx, e.CustomerRef, t)
	if err != nil && resubscribed {
		// Resubscribe and the plan write are separate. The record now sits at
		// none on the default plan until this event is delivered again.
		p.logger.Error("resubscribed record left without a plan; replay the event",
			F("event_id", e.ID),
			F("external_ref", e.CustomerRef),
			F("tenant_id", sub.TenantID),
			F("invoice_id", e.InvoiceID),
			ErrField(err),
		)
	}
	return err
}

func (p *Processor) invoicePaymentFailed(ctx context.Context, e InvoicePaymentFailed, res *ProcessResult) error {
	status := StatusPastDue
	tr, err := p.reconciler.ApplyTransition(ctx, e.CustomerRef, Transition{
		Status:   &status,
		EventAt:  e.CreatedAt,
		EventID:  e.ID,
		Metadata: map[string]interface{}{"invoice_id": e.InvoiceID, "attempt_count": e.AttemptCount},
	})
	if err != nil {
		return err
	}
	res.Transition = tr
	res.TenantID = tr.Current.TenantID
	return nil
}

func (p *Processor) subscriptionUpdated(ctx context.Context, e SubscriptionUpdated, res *ProcessResult) error {
	resolution, err := p.catalog.Resolve(e.LineItems)
	if err != nil {
		return err
	}
	if resolution.Effect.Kind != EffectSubscription {
		return fmt.Errorf("%w: %s maps to credit plan %s", ErrUnknownPriceID, resolution.MatchedID, resolution.Plan.ID)
	}

	sub, err := p.ensureLinked(ctx, e.EventMeta, res)
	if err != nil {
		return err
	}
	res.TenantID = sub.TenantID

	t := Transition{
		PlanID:   &resolution.Plan.ID,
		Status:   MapProcessorStatus(e.ProcessorStatus, e.CancelAtPeriodEnd),
		EventAt:  e.CreatedAt,
		EventID:  e.ID,
		Metadata: map[string]interface{}{"subscription_id": e.SubscriptionID, "price_id": resolution.MatchedID},
	}
	// A record without a live subscription takes plan and status together,
	// and only when the update makes it active. Anything else is left to the
	// next paid invoice and writes nothing, so the event watermark cannot
	// pass an earlier invoice that is still in flight.
	switch {
	case sub.Status == StatusNone && t.Status != nil && *t.Status == StatusActive:
	case sub.Status == StatusNone, sub.Status == StatusDeleted:
		p.logger.Debug("subscription update deferred to the next paid invoice",
			F("event_id", e.ID),
			F("tenant_id", sub.TenantID),
			F("status", string(sub.Status)),
			F("processor_status", e.ProcessorStatus),
		)
		return nil
	}

	res.Transition, err = p.reconciler.ApplyTransition(ctx, e.CustomerRef, t)
	return err
}

func (p *Processor) subscriptionDeleted(ctx context.Context, e SubscriptionDeleted, res *ProcessResult) error {
	status := StatusDeleted
	plan := p.catalog.DefaultPlan()
	tr, err := p.reconciler.ApplyTransition(ctx, e.CustomerRef, Transition{
		PlanID:   &plan,
		Status:   &status,
		EventAt:  e.CreatedAt,
		EventID:  e.ID,
		Metadata: map[string]interface{}{"subscription_id": e.SubscriptionID},
	})
	if err != nil {
		return err
	}
	res.Transition = tr
	res.TenantID = tr.Current.TenantID
	return nil
}

// CreditGrantKey is the idempotency key of a credit purchase. Every event
// about one invoice shares the invoice's key, including the checkout that
// produced it, so a purchase is granted once however many events report it.
// The event id is the last resort for payloads naming neither.
func CreditGrantKey(invoiceID, sessionID, eventID string) string {
	switch {
	case invoiceID != "":
		return "invoice:" + invoiceID
	case sessionID != "":
		return "checkout:" + sessionID
	default:
		return "event:" + eventID
	}
}

// ensureLinked returns the record of the event's customer, creating it when
// the event names a tenant and no record exists yet.
func (p *Processor) ensureLinked(ctx context.Context, meta EventMeta, res *ProcessResult) (*Subscription, error) {
	if meta.CustomerRef == "" {
		return nil, fmt.Errorf("%w: event has no customer", ErrMalformedPayload)
	}
	sub, err := p.subs.FindByExternalRef(ctx, meta.CustomerRef)
	if err == nil {
		if meta.TenantID != "" && sub.TenantID != meta.TenantID {
			return nil, fmt.Errorf("%w: customer %s belongs to tenant %s, event names %s",
				ErrDuplicateExternalRef, meta.CustomerRef, sub.TenantID, meta.TenantID)
		}
		return sub, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) || meta.TenantID == "" {
		return nil, err
	}

	sub, created, err := p.reconciler.Link(ctx, meta.TenantID, meta.CustomerRef)
	if err != nil {
		return nil, err
	}
	res.Linked = created
	return sub, nil
}

// MapProcessorStatus maps a processor subscription status to a record
// status. Nil means the status carries no lifecycle information.
func MapProcessorStatus(status string, cancelAtPeriodEnd bool) *Status {
	var s Status
	switch strings.ToLower(status) {
	case "active", "trialing":
		s = StatusActive
		if cancelAtPeriodEnd {
			s = StatusCancelAtPeriodEnd
		}
	case "past_due", "unpaid":
		s = StatusPastDue
	case "canceled", "incomplete_expired":
		s = StatusDeleted
	default:
		return nil
	}
	return &s
}

// reconcileAndEmit runs after the primary write committed. Nothing in here
// can fail the event.
func (p *Processor) reconcileAndEmit(ctx context.Context, meta EventMeta, res *ProcessResult) {
	if res.TenantID == "" {
		return
	}

	delta, err := p.engine.Reconcile(ctx, res.TenantID)
	if err != nil {
		p.logger.Error("entitlement reconciliation failed",
			F("tenant_id", res.TenantID),
			F("event_id", meta.ID),
			ErrField(err),
		)
	} else {
		res.Delta = &delta
	}

	if !res.Changed() {
		p.logger.Debug("event changed nothing",
			F("event_id", meta.ID),
			F("event_type", meta.Kind),
			F("tenant_id", res.TenantID),
		)
		return
	}

	out := p.dispatcher.Emit(ctx, p.describe(meta, res))
	res.Effects = &out
}

// describe builds the single emission for a state-changing event.
func (p *Processor) describe(meta EventMeta, res *ProcessResult) Emission {
	data := map[string]interface{}{
		"event_id":     meta.ID,
		"external_ref": meta.CustomerRef,
	}
	em := Emission{
		TenantID:  res.TenantID,
		EventType: meta.Kind,
		Data:      data,
		Audit: AuditSpec{
			ResourceType: "subscription",
			ResourceID:   meta.CustomerRef,
		},
	}

	if res.Delta != nil && !res.Delta.Empty() {
		data["features_enabled"] = featureStrings(res.Delta.NewlyEnabled)
		data["features_disabled"] = featureStrings(res.Delta.NewlyDisabled)
		data["total_features"] = res.Delta.TotalFeatures
	}

	tr := res.Transition
	switch {
	case tr.Changed() && tr.PlanChanged:
		data["from_plan"] = tr.Previous.PlanID
		data["to_plan"] = tr.Current.PlanID
		data["reason"] = string(tr.Reason)
		data["status"] = string(tr.Current.Status)
		em.Audit.Action = "subscription.plan_changed"
		em.Audit.Description = fmt.Sprintf("plan changed from %s to %s (%s)", tr.Previous.PlanID, tr.Current.PlanID, tr.Reason)
		em.Notification = planNotification(tr)

	case tr.Changed():
		data["from_status"] = string(tr.Previous.Status)
		data["to_status"] = string(tr.Current.Status)
		em.Audit.Action = "subscription.status_changed"
		em.Audit.Description = fmt.Sprintf("status changed from %s to %s", tr.Previous.Status, tr.Current.Status)
		em.Notification = statusNotification(tr.Previous.Status, tr.Current.Status)

	case res.Credits != nil && res.Credits.Applied:
		data["amount"] = res.Credits.Amount
		data["balance"] = res.Credits.Subscription.CreditBalance
		em.Audit.Action = "credits.granted"
		em.Audit.Description = fmt.Sprintf("%d credits granted", res.Credits.Amount)
		em.Notification = &NotificationSpec{
			Title:   "Credits added",
			Message: fmt.Sprintf("%d credits were added to your balance.", res.Credits.Amount),
			Type:    NotificationSuccess,
		}

	case res.Linked:
		em.Audit.Action = "subscription.linked"
		em.Audit.Description = fmt.Sprintf("billing account %s linked", meta.CustomerRef)

	default:
		em.Audit.Action = "entitlements.changed"
		em.Audit.Description = "feature entitlements recomputed"
	}

	if tr != nil && tr.HistoryErr != nil {
		data["history_error"] = tr.HistoryErr.Error()
	}
	return em
}

func planNotification(tr *TransitionResult) *NotificationSpec {
	to := tr.Current.PlanID
	switch {
	case tr.Current.Status == StatusDeleted:
		return &NotificationSpec{
			Title:   "Subscription ended",
			Message: fmt.Sprintf("Your subscription has ended and the workspace moved to the %s plan.", to),
			Type:    NotificationWarning,
		}
	case tr.Reason == ReasonUpgrade:
		return &NotificationSpec{
			Title:   "Plan upgraded",
			Message: fmt.Sprintf("Your workspace is now on the %s plan.", to),
			Type:    NotificationSuccess,
		}
	case tr.Reason == ReasonDowngrade:
		return &NotificationSpec{
			Title:   "Plan downgraded",
			Message: fmt.Sprintf("Your workspace moved to the %s plan.", to),
			Type:    NotificationWarning,
		}
	default:
		return &NotificationSpec{
			Title:   "Plan changed",
			Message: fmt.Sprintf("Your workspace is now on the %s plan.", to),
			Type:    NotificationInfo,
		}
	}
}

func statusNotification(from, to Status) *NotificationSpec {
	switch to {
	case StatusCancelAtPeriodEnd:
		return &NotificationSpec{
			Title:   "Subscription will be canceled",
			Message: "Your subscription is set to cancel at the end of the current billing period.",
			Type:    NotificationWarning,
		}
	case StatusPastDue:
		return &NotificationSpec{
			Title:   "Payment failed",
			Message: "We could not collect your latest payment. Please update your payment method.",
			Type:    NotificationError,
		}
	case StatusDeleted:
		return &NotificationSpec{
			Title:   "Subscription ended",
			Message: "Your subscription has ended.",
			Type:    NotificationWarning,
		}
	case StatusActive:
		switch from {
		case StatusPastDue:
			return &NotificationSpec{Title: "Payment received", Message: "Your subscription is active again.", Type: NotificationSuccess}
		case StatusCancelAtPeriodEnd:
			return &NotificationSpec{Title: "Cancellation withdrawn", Message: "Your subscription will renew as usual.", Type: NotificationInfo}
		default:
			return &NotificationSpec{Title: "Subscription active", Message: "Your subscription is active.", Type: NotificationSuccess}
		}
	}
	return nil
}

func (p *Processor) logOutcome(meta EventMeta, err error) {
	fields := []Field{
		F("event_id", meta.ID),
		F("event_type", meta.Kind),
		F("external_ref", meta.CustomerRef),
		ErrField(err),
	}
	switch {
	case IsRejecting(err):
		p.logger.Error("event rejected", fields...)
	case IsAcknowledged(err):
		p.logger.Warn("event acknowledged without changes", fields...)
	default:
		p.logger.Error("event processing failed", fields...)
	}
}

func featureStrings(keys []FeatureKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

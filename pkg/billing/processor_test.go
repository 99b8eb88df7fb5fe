package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

func newPipeline(t *testing.T, store billing.Storage) *billing.Processor {
	t.Helper()
	return billing.NewPipeline(store, testCatalog(t), billing.PipelineConfig{Now: fixedClock(t0)})
}

func invoicePaid(id, customer, price string, at time.Time) billing.InvoicePaid {
	return billing.InvoicePaid{
		EventMeta: meta(id, "invoice.paid", customer, at),
		InvoiceID: "in_" + id,
		PaidAt:    at,
		LineItems: []billing.LineItem{{PriceID: price}},
	}
}

func TestProcessor_InvoicePaidUpgradesFreeTenant(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "free", billing.StatusNone)
	p := newPipeline(t, store)
	ctx := context.Background()

	res, err := p.Process(ctx, invoicePaid("evt_1", "cus_1", "price_pro", t0))
	require.NoError(t, err)

	sub, err := store.FindByExternalRef(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "pro", sub.PlanID)
	assert.Equal(t, billing.StatusActive, sub.Status)
	require.NotNil(t, sub.LastPaidAt)

	history, _ := store.ListHistory(ctx, "t1")
	require.Len(t, history, 1)
	assert.Equal(t, "free", history[0].FromPlan)
	assert.Equal(t, "pro", history[0].ToPlan)
	assert.Equal(t, billing.ReasonUpgrade, history[0].Reason)

	require.NotNil(t, res.Delta)
	assert.Equal(t, []billing.FeatureKey{"api", "exports", "sso"}, res.Delta.NewlyEnabled)
	assert.Empty(t, res.Delta.NewlyDisabled)

	audit, _ := store.ListAuditEntries(ctx, "t1")
	assert.Len(t, audit, 1)
	notes, _ := store.FindNotificationsSince(ctx, "t1-owner", nil, t0)
	assert.Len(t, notes, 1)
}

func TestProcessor_CancelAtPeriodEndWarns(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "pro", billing.StatusActive)
	p := newPipeline(t, store)
	ctx := context.Background()

	_, err := p.Process(ctx, billing.SubscriptionUpdated{
		EventMeta:         meta("evt_2", "customer.subscription.updated", "cus_1", t0),
		SubscriptionID:    "sub_1",
		ProcessorStatus:   "active",
		CancelAtPeriodEnd: true,
		LineItems:         []billing.LineItem{{PriceID: "price_pro"}},
	})
	require.NoError(t, err)

	sub, _ := store.FindByExternalRef(ctx, "cus_1")
	assert.Equal(t, billing.StatusCancelAtPeriodEnd, sub.Status)
	assert.Equal(t, "pro", sub.PlanID)

	history, _ := store.ListHistory(ctx, "t1")
	assert.Empty(t, history)

	notes, _ := store.FindNotificationsSince(ctx, "t1-owner", nil, t0)
	require.Len(t, notes, 1)
	assert.Equal(t, billing.NotificationWarning, notes[0].Type)
}

func TestProcessor_NotificationFailureKeepsCommittedState(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "free", billing.StatusNone)
	store.notificationErr = errors.New("notification store down")
	p := newPipeline(t, store)
	ctx := context.Background()

	res, err := p.Process(ctx, invoicePaid("evt_1", "cus_1", "price_pro", t0))
	require.NoError(t, err)
	require.NotNil(t, res.Effects)
	assert.Len(t, res.Effects.Failures(), 1)

	sub, _ := store.FindByExternalRef(ctx, "cus_1")
	assert.Equal(t, "pro", sub.PlanID)
	assert.Equal(t, billing.StatusActive, sub.Status)
}

func TestProcessor_DuplicateDeliveryHasNoSideEffects(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "free", billing.StatusNone)
	p := newPipeline(t, store)
	ctx := context.Background()

	ev := invoicePaid("evt_1", "cus_1", "price_pro", t0)
	_, err := p.Process(ctx, ev)
	require.NoError(t, err)

	res, err := p.Process(ctx, ev)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Nil(t, res.Effects)

	history, _ := store.ListHistory(ctx, "t1")
	assert.Len(t, history, 1)
	audit, _ := store.ListAuditEntries(ctx, "t1")
	assert.Len(t, audit, 1)
}

func TestProcessor_RejectingErrorsWriteNothing(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "free", billing.StatusNone)
	p := newPipeline(t, store)
	ctx := context.Background()

	_, err := p.Process(ctx, invoicePaid("evt_1", "cus_1", "price_gold", t0))
	assert.ErrorIs(t, err, billing.ErrUnknownPriceID)
	assert.True(t, billing.IsRejecting(err))

	ev := invoicePaid("evt_2", "cus_1", "price_pro", t0)
	ev.LineItems = append(ev.LineItems, billing.LineItem{PriceID: "price_hobby"})
	_, err = p.Process(ctx, ev)
	assert.ErrorIs(t, err, billing.ErrMalformedLineItems)

	sub, _ := store.FindByExternalRef(ctx, "cus_1")
	assert.Equal(t, "free", sub.PlanID)
	audit, _ := store.ListAuditEntries(ctx, "t1")
	assert.Empty(t, audit)
}

func TestProcessor_UnhandledVariant(t *testing.T) {
	type refundIssued struct{ billing.EventMeta }

	p := newPipeline(t, newFaultyStore())
	_, err := p.Process(context.Background(), refundIssued{meta("evt_9", "charge.refunded", "cus_1", t0)})

	var unhandled *billing.UnhandledEventError
	require.ErrorAs(t, err, &unhandled)
	assert.Equal(t, "charge.refunded", unhandled.Kind)
	assert.True(t, billing.IsAcknowledged(err))
}

func TestProcessor_CheckoutLinksAndGrantsCredits(t *testing.T) {
	store := newFaultyStore()
	require.NoError(t, store.AddMember(context.Background(), &billing.Member{TenantID: "t1", UserID: "owner", Role: billing.RoleOwner}))
	p := newPipeline(t, store)
	ctx := context.Background()

	m := meta("evt_c1", "checkout.session.completed", "cus_new", t0)
	m.TenantID = "t1"
	res, err := p.Process(ctx, billing.CheckoutCompleted{
		EventMeta: m,
		SessionID: "cs_1",
		Mode:      "payment",
		LineItems: []billing.LineItem{{PriceID: "price_credits_100"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Linked)
	require.NotNil(t, res.Credits)
	assert.True(t, res.Credits.Applied)

	sub, err := store.FindByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", sub.ExternalRef)
	assert.Equal(t, int64(100), sub.CreditBalance)
	assert.Equal(t, billing.StatusNone, sub.Status)

	// Redelivery grants nothing
	res, err = p.Process(ctx, billing.CheckoutCompleted{
		EventMeta: m,
		SessionID: "cs_1",
		Mode:      "payment",
		LineItems: []billing.LineItem{{PriceID: "price_credits_100"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Changed())
	sub, _ = store.FindByTenant(ctx, "t1")
	assert.Equal(t, int64(100), sub.CreditBalance)

	audit, _ := store.ListAuditEntries(ctx, "t1")
	require.Len(t, audit, 1)
	assert.Equal(t, "credits.granted", audit[0].Action)
}

func TestProcessor_CreditInvoiceReportedTwice(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "free", billing.StatusNone)
	p := newPipeline(t, store)
	ctx := context.Background()

	// invoice.paid and invoice.payment_succeeded for one invoice
	for _, id := range []string{"evt_a", "evt_b"} {
		ev := invoicePaid(id, "cus_1", "price_credits_100", t0)
		ev.InvoiceID = "in_1"
		_, err := p.Process(ctx, ev)
		require.NoError(t, err)
	}

	sub, err := store.FindByExternalRef(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sub.CreditBalance)

	audit, _ := store.ListAuditEntries(ctx, "t1")
	assert.Len(t, audit, 1)
}

func TestCreditGrantKey(t *testing.T) {
	assert.Equal(t, "invoice:in_1", billing.CreditGrantKey("in_1", "cs_1", "evt_1"))
	assert.Equal(t, billing.CreditGrantKey("in_1", "", "evt_2"), billing.CreditGrantKey("in_1", "cs_1", "evt_1"))
	assert.Equal(t, "checkout:cs_1", billing.CreditGrantKey("", "cs_1", "evt_1"))
	assert.Equal(t, "event:evt_1", billing.CreditGrantKey("", "", "evt_1"))
}

func TestProcessor_UnknownCustomerIsAcknowledged(t *testing.T) {
	p := newPipeline(t, newFaultyStore())

	_, err := p.Process(context.Background(), invoicePaid("evt_1", "cus_ghost", "price_pro", t0))
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	assert.True(t, billing.IsAcknowledged(err))
}

func TestProcessor_PaymentFailureAndRecovery(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "pro", billing.StatusActive)
	p := newPipeline(t, store)
	ctx := context.Background()

	_, err := p.Process(ctx, billing.InvoicePaymentFailed{
		EventMeta: meta("evt_f", "invoice.payment_failed", "cus_1", t0),
		InvoiceID: "in_1", AttemptCount: 1,
	})
	require.NoError(t, err)
	sub, _ := store.FindByExternalRef(ctx, "cus_1")
	assert.Equal(t, billing.StatusPastDue, sub.Status)

	_, err = p.Process(ctx, invoicePaid("evt_p", "cus_1", "price_pro", t0.Add(time.Hour)))
	require.NoError(t, err)
	sub, _ = store.FindByExternalRef(ctx, "cus_1")
	assert.Equal(t, billing.StatusActive, sub.Status)

	notes, _ := store.FindNotificationsSince(ctx, "t1-owner", nil, t0.Add(time.Hour))
	require.Len(t, notes, 2)
	types := []billing.NotificationType{notes[0].Type, notes[1].Type}
	assert.ElementsMatch(t, []billing.NotificationType{billing.NotificationError, billing.NotificationSuccess}, types)

	// A payment failure delivered late is stale
	_, err = p.Process(ctx, billing.InvoicePaymentFailed{
		EventMeta: meta("evt_f0", "invoice.payment_failed", "cus_1", t0.Add(-time.Hour)),
	})
	assert.ErrorIs(t, err, billing.ErrStaleEvent)
}

func TestProcessor_DeletionAndResubscription(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "free", billing.StatusNone)
	p := newPipeline(t, store)
	ctx := context.Background()

	_, err := p.Process(ctx, invoicePaid("evt_1", "cus_1", "price_pro", t0))
	require.NoError(t, err)

	res, err := p.Process(ctx, billing.SubscriptionDeleted{
		EventMeta:      meta("evt_2", "customer.subscription.deleted", "cus_1", t0.Add(time.Hour)),
		SubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusDeleted, res.Transition.Current.Status)
	assert.Equal(t, "free", res.Transition.Current.PlanID)
	assert.Equal(t, billing.ReasonDowngrade, res.Transition.Reason)
	assert.Equal(t, []billing.FeatureKey{"api", "exports", "sso"}, res.Delta.NewlyDisabled)

	// A failed payment cannot revive a deleted subscription
	_, err = p.Process(ctx, billing.InvoicePaymentFailed{
		EventMeta: meta("evt_3", "invoice.payment_failed", "cus_1", t0.Add(2*time.Hour)),
	})
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)

	// A new paid invoice starts a fresh lifecycle on the same record
	res, err = p.Process(ctx, invoicePaid("evt_4", "cus_1", "price_hobby", t0.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, res.Transition.Current.Status)
	assert.Equal(t, "hobby", res.Transition.Current.PlanID)
	assert.Equal(t, billing.StatusNone, res.Transition.Previous.Status)

	history, _ := store.ListHistory(ctx, "t1")
	assert.Len(t, history, 3)
}

func TestProcessor_ResubscribeFailureIsReplayable(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "free", billing.StatusNone)
	logger := &recordingLogger{}
	p := billing.NewPipeline(store, testCatalog(t), billing.PipelineConfig{Now: fixedClock(t0), Logger: logger})
	ctx := context.Background()

	_, err := p.Process(ctx, invoicePaid("evt_1", "cus_1", "price_pro", t0))
	require.NoError(t, err)
	_, err = p.Process(ctx, billing.SubscriptionDeleted{
		EventMeta:      meta("evt_2", "customer.subscription.deleted", "cus_1", t0.Add(time.Hour)),
		SubscriptionID: "sub_1",
	})
	require.NoError(t, err)

	// The resubscribe write lands, the plan write after it fails
	store.mu.Lock()
	store.updateErrAt = store.updates + 2
	store.updateErr = errors.New("connection reset")
	store.mu.Unlock()

	paid := invoicePaid("evt_3", "cus_1", "price_hobby", t0.Add(2*time.Hour))
	_, err = p.Process(ctx, paid)
	require.Error(t, err)

	sub, _ := store.FindByExternalRef(ctx, "cus_1")
	assert.Equal(t, billing.StatusNone, sub.Status)
	assert.Equal(t, "free", sub.PlanID)
	assert.Contains(t, logger.errorMessages(), "resubscribed record left without a plan; replay the event")

	// Delivering the same event again finishes the job
	res, err := p.Process(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, res.Transition.Current.Status)
	assert.Equal(t, "hobby", res.Transition.Current.PlanID)
}

func TestProcessor_SubscriptionUpdateBeforeInvoice(t *testing.T) {
	for _, tc := range []struct {
		name            string
		processorStatus string
	}{
		// The update carries the plan together with the active status
		{"active update applies plan and status", "active"},
		// The update writes nothing and the earlier invoice still applies
		{"incomplete update waits for the invoice", "incomplete"},
		{"past due update waits for the invoice", "past_due"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := newFaultyStore()
			seedTenant(t, store, "t1", "cus_1", "free", billing.StatusNone)
			p := newPipeline(t, store)
			ctx := context.Background()

			_, err := p.Process(ctx, billing.SubscriptionUpdated{
				EventMeta:       meta("evt_u", "customer.subscription.updated", "cus_1", t0.Add(time.Second)),
				SubscriptionID:  "sub_1",
				ProcessorStatus: tc.processorStatus,
				LineItems:       []billing.LineItem{{PriceID: "price_pro"}},
			})
			require.NoError(t, err)

			_, err = p.Process(ctx, invoicePaid("evt_i", "cus_1", "price_pro", t0))
			if err != nil {
				assert.ErrorIs(t, err, billing.ErrStaleEvent)
			}

			sub, err := store.FindByExternalRef(ctx, "cus_1")
			require.NoError(t, err)
			assert.Equal(t, "pro", sub.PlanID)
			assert.Equal(t, billing.StatusActive, sub.Status)

			history, _ := store.ListHistory(ctx, "t1")
			assert.Len(t, history, 1)

			has, err := p.Engine().HasFeature(ctx, "t1", "sso")
			require.NoError(t, err)
			assert.True(t, has)
		})
	}
}

func TestProcessor_SubscriptionUpdateOnDeletedRecordWritesNothing(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "free", billing.StatusDeleted)
	p := newPipeline(t, store)
	ctx := context.Background()

	res, err := p.Process(ctx, billing.SubscriptionUpdated{
		EventMeta:       meta("evt_u", "customer.subscription.updated", "cus_1", t0.Add(time.Second)),
		SubscriptionID:  "sub_2",
		ProcessorStatus: "active",
		LineItems:       []billing.LineItem{{PriceID: "price_pro"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Changed())

	sub, err := store.FindByExternalRef(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, sub.LastEventAt.IsZero(), "the event watermark does not move")

	// The earlier invoice of the new subscription restarts the lifecycle
	res, err = p.Process(ctx, invoicePaid("evt_i", "cus_1", "price_pro", t0))
	require.NoError(t, err)
	assert.Equal(t, "pro", res.Transition.Current.PlanID)
	assert.Equal(t, billing.StatusActive, res.Transition.Current.Status)
}

func TestProcessor_PaymentKeepsPendingCancellation(t *testing.T) {
	store := newFaultyStore()
	seedTenant(t, store, "t1", "cus_1", "pro", billing.StatusCancelAtPeriodEnd)
	p := newPipeline(t, store)

	res, err := p.Process(context.Background(), invoicePaid("evt_1", "cus_1", "price_pro", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelAtPeriodEnd, res.Transition.Current.Status)
}

func TestMapProcessorStatus(t *testing.T) {
	assert.Equal(t, billing.StatusActive, *billing.MapProcessorStatus("trialing", false))
	assert.Equal(t, billing.StatusCancelAtPeriodEnd, *billing.MapProcessorStatus("active", true))
	assert.Equal(t, billing.StatusPastDue, *billing.MapProcessorStatus("unpaid", false))
	assert.Equal(t, billing.StatusDeleted, *billing.MapProcessorStatus("canceled", false))
	assert.Nil(t, billing.MapProcessorStatus("incomplete", false))
}

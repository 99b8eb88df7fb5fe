package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billingsync/pkg/billing"
	"github.com/mihaimyh/billingsync/storage/memory"
)

type obj = map[string]interface{}

func invoiceObject(priceIDs ...string) obj {
	lines := make([]obj, 0, len(priceIDs))
	for _, id := range priceIDs {
		lines = append(lines, obj{"quantity": 1, "price": obj{"id": id, "product": "prod_x"}})
	}
	return obj{
		"id":                 "in_1",
		"object":             "invoice",
		"customer":           testCustomerID,
		"subscription":       "sub_1",
		"status_transitions": obj{"paid_at": testEventTime.Unix()},
		"lines":              obj{"object": "list", "data": lines},
	}
}

func subscriptionObject(status string, cancelAtPeriodEnd bool, priceID string) obj {
	return obj{
		"id":                   "sub_1",
		"object":               "subscription",
		"customer":             testCustomerID,
		"status":               status,
		"cancel_at_period_end": cancelAtPeriodEnd,
		"items": obj{"object": "list", "data": []obj{
			{"id": "si_1", "quantity": 1, "price": obj{"id": priceID, "product": "prod_x"}},
		}},
	}
}

func TestWebhook_InvoicePaidUpgradesPlan(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "free", billing.StatusNone)

	rec := env.postSigned(t, eventJSON(t, "evt_1", EventInvoicePaid, testEventTime, invoiceObject(testPricePro)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	sub := env.subscription(t)
	assert.Equal(t, "pro", sub.PlanID)
	assert.Equal(t, billing.StatusActive, sub.Status)
	require.NotNil(t, sub.LastPaidAt)
	assert.True(t, sub.LastPaidAt.Equal(testEventTime))

	notes, err := env.store.FindNotificationsSince(context.Background(), "owner-1", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, notes)

	require.Len(t, env.events, 1)
	assert.Equal(t, "stripe", env.events[0].Provider)
	assert.Equal(t, "free", env.events[0].PreviousPlan)
	assert.Equal(t, "pro", env.events[0].NewPlan)
	assert.Equal(t, billing.StatusActive, env.events[0].NewStatus)
}

func TestWebhook_DuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "free", billing.StatusNone)
	payload := eventJSON(t, "evt_dup", EventInvoicePaid, testEventTime, invoiceObject(testPricePro))

	require.Equal(t, http.StatusOK, env.postSigned(t, payload).Code)
	require.Equal(t, http.StatusOK, env.postSigned(t, payload).Code)

	history, err := env.store.ListHistory(context.Background(), testTenantID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, env.events, 1, "callback only fires when state changed")
}

func TestWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "free", billing.StatusNone)
	payload := eventJSON(t, "evt_1", EventInvoicePaid, testEventTime, invoiceObject(testPricePro))

	tests := []struct {
		name      string
		signature string
	}{
		{"missing header", ""},
		{"wrong secret", sign(payload, "whsec_other", time.Now())},
		{"expired timestamp", sign(payload, testWebhookSecret, time.Now().Add(-time.Hour))},
		{"garbage", "not-a-signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.post(t, payload, tt.signature)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_signature", errorCode(t, rec))
		})
	}

	sub := env.subscription(t)
	assert.Equal(t, "free", sub.PlanID)
	assert.Empty(t, env.events)
}

func TestWebhook_RejectsBadLineItems(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "free", billing.StatusNone)

	rec := env.postSigned(t, eventJSON(t, "evt_1", EventInvoicePaid, testEventTime, invoiceObject("price_nope")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_price_id", errorCode(t, rec))

	rec = env.postSigned(t, eventJSON(t, "evt_2", EventInvoicePaid, testEventTime, invoiceObject(testPricePro, testPriceHobby)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_line_items", errorCode(t, rec))

	rec = env.postSigned(t, eventJSON(t, "evt_3", EventInvoicePaid, testEventTime, invoiceObject()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_line_items", errorCode(t, rec))

	assert.Equal(t, "free", env.subscription(t).PlanID)
}

func TestWebhook_MalformedPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.postSigned(t, []byte(`{"id":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_payload", errorCode(t, rec))
}

func TestWebhook_UnhandledEventAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.postSigned(t, eventJSON(t, "evt_1", "customer.created", testEventTime, obj{"id": testCustomerID}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestWebhook_UnknownCustomerAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.postSigned(t, eventJSON(t, "evt_1", EventInvoicePaymentFailed, testEventTime, invoiceObject(testPricePro)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.events)
}

func TestWebhook_StaleEventAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "free", billing.StatusNone)

	rec := env.postSigned(t, eventJSON(t, "evt_new", EventInvoicePaid, testEventTime, invoiceObject(testPricePro)))
	require.Equal(t, http.StatusOK, rec.Code)

	older := testEventTime.Add(-time.Minute)
	rec = env.postSigned(t, eventJSON(t, "evt_old", EventCustomerSubscriptionUpdated, older,
		subscriptionObject("active", false, testPriceHobby)))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "pro", env.subscription(t).PlanID)
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "free", billing.StatusNone)
	at := testEventTime

	post := func(id, kind string, object obj) {
		t.Helper()
		at = at.Add(time.Minute)
		rec := env.postSigned(t, eventJSON(t, id, kind, at, object))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	post("evt_1", EventInvoicePaid, invoiceObject(testPricePro))
	post("evt_2", EventCustomerSubscriptionUpdated, subscriptionObject("active", true, testPricePro))
	assert.Equal(t, billing.StatusCancelAtPeriodEnd, env.subscription(t).Status)

	post("evt_3", EventInvoicePaymentFailed, invoiceObject(testPricePro))
	assert.Equal(t, billing.StatusPastDue, env.subscription(t).Status)

	post("evt_4", EventCustomerSubscriptionDeleted, subscriptionObject("canceled", false, testPricePro))
	sub := env.subscription(t)
	assert.Equal(t, billing.StatusDeleted, sub.Status)
	assert.Equal(t, "free", sub.PlanID)

	has, err := env.provider.processor.Engine().HasFeature(context.Background(), testTenantID, "api")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWebhook_CheckoutLinksAndGrantsCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	session := obj{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"mode":                "payment",
		"customer":            testCustomerID,
		"client_reference_id": testTenantID,
		"line_items": obj{"object": "list", "data": []obj{
			{"id": "li_1", "quantity": 1, "price": obj{"id": testPriceCredits}},
		}},
	}

	rec := env.postSigned(t, eventJSON(t, "evt_cs", EventCheckoutSessionCompleted, testEventTime, session))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sub := env.subscription(t)
	assert.Equal(t, testTenantID, sub.TenantID)
	assert.Equal(t, "free", sub.PlanID)
	assert.Equal(t, int64(100), sub.CreditBalance)

	// Redelivery does not grant twice
	rec = env.postSigned(t, eventJSON(t, "evt_cs", EventCheckoutSessionCompleted, testEventTime, session))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(100), env.subscription(t).CreditBalance)
}

func TestWebhook_CreditPurchaseGrantedOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	session := obj{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"mode":                "payment",
		"customer":            testCustomerID,
		"client_reference_id": testTenantID,
		"invoice":             "in_1",
		"line_items": obj{"object": "list", "data": []obj{
			{"id": "li_1", "quantity": 1, "price": obj{"id": testPriceCredits}},
		}},
	}

	// Stripe reports one paid invoice through three events
	for _, ev := range []struct {
		id, kind string
		object   obj
	}{
		{"evt_cs", EventCheckoutSessionCompleted, session},
		{"evt_paid", EventInvoicePaid, invoiceObject(testPriceCredits)},
		{"evt_succeeded", EventInvoicePaymentSucceeded, invoiceObject(testPriceCredits)},
	} {
		rec := env.postSigned(t, eventJSON(t, ev.id, ev.kind, testEventTime, ev.object))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	assert.Equal(t, int64(100), env.subscription(t).CreditBalance)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxBodyBytes = 64 })
	payload := []byte(`{"id":"evt_1","padding":"` + strings.Repeat("x", 128) + `"}`)

	rec := env.postSigned(t, payload)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", errorCode(t, rec))
}

type unavailableStore struct {
	*memory.Storage
}

func (unavailableStore) FindByExternalRef(context.Context, string) (*billing.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestWebhook_StorageFailureAsksForRetry(t *testing.T) {
	store := unavailableStore{memory.New()}
	env := newTestEnv(t, func(c *Config) {
		c.Processor = billing.NewPipeline(store, testCatalog(t), billing.PipelineConfig{})
	})

	rec := env.postSigned(t, eventJSON(t, "evt_1", EventInvoicePaid, testEventTime, invoiceObject(testPricePro)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "processing_failed", errorCode(t, rec))
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestWebhook_CallbackPanicDoesNotFailRequest(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.OnEvent = func(billing.WebhookEvent) { panic("boom") }
	})
	env.seed(t, "free", billing.StatusNone)

	rec := env.postSigned(t, eventJSON(t, "evt_1", EventInvoicePaid, testEventTime, invoiceObject(testPricePro)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pro", env.subscription(t).PlanID)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "invalid_signature", ErrorCode(billing.ErrInvalidSignature))
	assert.Equal(t, "unknown_price_id", ErrorCode(billing.ErrUnknownPriceID))
	assert.Equal(t, "malformed_line_items", ErrorCode(billing.ErrMalformedLineItems))
	assert.Equal(t, "malformed_payload", ErrorCode(billing.ErrMalformedPayload))
	assert.Equal(t, "processing_failed", ErrorCode(errors.New("other")))
}

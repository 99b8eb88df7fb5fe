package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

func verify(t *testing.T, v *Verifier, payload []byte) (billing.Event, error) {
	t.Helper()
	return v.Verify(payload, sign(payload, testWebhookSecret, time.Now()))
}

func TestVerifier_CheckoutSession(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	payload := eventJSON(t, "evt_cs", EventCheckoutSessionCompleted, testEventTime, obj{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"mode":                "subscription",
		"customer":            testCustomerID,
		"client_reference_id": "from-reference",
		"metadata":            obj{"tenant_id": "from-metadata"},
		"invoice":             "in_cs",
	})

	ev, err := verify(t, v, payload)
	require.NoError(t, err)
	cs, ok := ev.(billing.CheckoutCompleted)
	require.True(t, ok)
	assert.Equal(t, "evt_cs", cs.ID)
	assert.Equal(t, EventCheckoutSessionCompleted, cs.Kind)
	assert.True(t, cs.CreatedAt.Equal(testEventTime))
	assert.Equal(t, testCustomerID, cs.CustomerRef)
	assert.Equal(t, "from-metadata", cs.TenantID)
	assert.Equal(t, "cs_1", cs.SessionID)
	assert.Equal(t, "in_cs", cs.InvoiceID)
	assert.Equal(t, "subscription", cs.Mode)
	assert.Empty(t, cs.LineItems)
}

func TestVerifier_CustomTenantMetadataKey(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0).WithTenantMetadataKey("org")
	payload := eventJSON(t, "evt_1", EventCustomerSubscriptionUpdated, testEventTime, obj{
		"id":       "sub_1",
		"object":   "subscription",
		"customer": testCustomerID,
		"status":   "active",
		"metadata": obj{"org": "org-9", "tenant_id": "ignored"},
	})

	ev, err := verify(t, v, payload)
	require.NoError(t, err)
	assert.Equal(t, "org-9", ev.Meta().TenantID)
}

func TestVerifier_InvoicePaid_CurrentAPIShape(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	paidAt := testEventTime.Add(-time.Minute)
	payload := eventJSON(t, "evt_inv", EventInvoicePaid, testEventTime, obj{
		"id":                 "in_1",
		"object":             "invoice",
		"customer":           obj{"id": testCustomerID, "object": "customer"},
		"status_transitions": obj{"paid_at": paidAt.Unix()},
		"parent": obj{"subscription_details": obj{
			"subscription": "sub_9",
			"metadata":     obj{"tenant_id": "tenant-9"},
		}},
		"lines": obj{"data": []obj{{
			"quantity": 2,
			"pricing":  obj{"price_details": obj{"price": testPricePro, "product": "prod_pro"}},
		}}},
	})

	ev, err := verify(t, v, payload)
	require.NoError(t, err)
	inv, ok := ev.(billing.InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, testCustomerID, inv.CustomerRef)
	assert.Equal(t, "tenant-9", inv.TenantID)
	assert.Equal(t, "in_1", inv.InvoiceID)
	assert.Equal(t, "sub_9", inv.SubscriptionID)
	assert.True(t, inv.PaidAt.Equal(paidAt))
	assert.Equal(t, []billing.LineItem{{PriceID: testPricePro, ProductID: "prod_pro", Quantity: 2}}, inv.LineItems)
}

func TestVerifier_InvoicePaymentSucceededAlias(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	payload := eventJSON(t, "evt_inv", EventInvoicePaymentSucceeded, testEventTime, invoiceObject(testPricePro))

	ev, err := verify(t, v, payload)
	require.NoError(t, err)
	inv, ok := ev.(billing.InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, "sub_1", inv.SubscriptionID)
	assert.Equal(t, testPricePro, inv.LineItems[0].PriceID)
	assert.Equal(t, "prod_x", inv.LineItems[0].ProductID)
}

func TestVerifier_InvoicePaymentFailed(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	object := invoiceObject(testPricePro)
	object["attempt_count"] = 3

	ev, err := verify(t, v, eventJSON(t, "evt_f", EventInvoicePaymentFailed, testEventTime, object))
	require.NoError(t, err)
	failed, ok := ev.(billing.InvoicePaymentFailed)
	require.True(t, ok)
	assert.Equal(t, int64(3), failed.AttemptCount)
	assert.Equal(t, "in_1", failed.InvoiceID)
}

func TestVerifier_SubscriptionEvents(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)

	ev, err := verify(t, v, eventJSON(t, "evt_u", EventCustomerSubscriptionUpdated, testEventTime,
		subscriptionObject("past_due", true, testPriceHobby)))
	require.NoError(t, err)
	upd, ok := ev.(billing.SubscriptionUpdated)
	require.True(t, ok)
	assert.Equal(t, "sub_1", upd.SubscriptionID)
	assert.Equal(t, "past_due", upd.ProcessorStatus)
	assert.True(t, upd.CancelAtPeriodEnd)
	assert.Equal(t, []billing.LineItem{{PriceID: testPriceHobby, ProductID: "prod_x", Quantity: 1}}, upd.LineItems)

	ev, err = verify(t, v, eventJSON(t, "evt_d", EventCustomerSubscriptionDeleted, testEventTime,
		subscriptionObject("canceled", false, testPriceHobby)))
	require.NoError(t, err)
	del, ok := ev.(billing.SubscriptionDeleted)
	require.True(t, ok)
	assert.Equal(t, testCustomerID, del.CustomerRef)
}

func TestVerifier_Errors(t *testing.T) {
	v := NewVerifier(testWebhookSecret, time.Minute)

	payload := eventJSON(t, "evt_1", EventInvoicePaid, testEventTime, invoiceObject(testPricePro))
	_, err := v.Verify(payload, sign(payload, testWebhookSecret, time.Now().Add(-2*time.Minute)))
	assert.ErrorIs(t, err, billing.ErrInvalidSignature, "outside tolerance")

	_, err = v.Verify(payload, "")
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = verify(t, v, []byte(`not json`))
	assert.ErrorIs(t, err, billing.ErrMalformedPayload)

	_, err = verify(t, v, []byte(`{"object":"event","type":"invoice.paid"}`))
	assert.ErrorIs(t, err, billing.ErrMalformedPayload, "missing id")

	_, err = verify(t, v, []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","created":1}`))
	assert.ErrorIs(t, err, billing.ErrMalformedPayload, "missing data.object")

	_, err = verify(t, v, eventJSON(t, "evt_1", "charge.refunded", testEventTime, obj{"id": "ch_1"}))
	var unhandled *billing.UnhandledEventError
	require.ErrorAs(t, err, &unhandled)
	assert.Equal(t, "charge.refunded", unhandled.Kind)
	assert.ErrorIs(t, err, billing.ErrUnhandledEventKind)
}

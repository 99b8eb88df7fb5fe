package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// ErrAPIKeyNotConfigured is returned by SyncCustomer when no API key was given
var ErrAPIKeyNotConfigured = errors.New("stripe API key not configured")

const syncEventKind = "sync.subscription"

// SyncCustomer pulls the customer's most recent subscription from the Stripe
// API and feeds it through the processor as a SubscriptionUpdated event.
// It repairs records after missed webhooks. tenantID links an unknown
// customer; pass "" for customers that are already linked.
func (p *Provider) SyncCustomer(ctx context.Context, customerRef, tenantID string) (*billing.ProcessResult, error) {
	startTime := time.Now()
	if p.stripeClient == nil {
		return nil, ErrAPIKeyNotConfigured
	}
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return nil, fmt.Errorf("%w: customer reference is empty", billing.ErrMalformedPayload)
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerRef)
	params.Status = stripe.String("all")

	var subscriptions []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordWebhookError(providerName, "sync_list_failed")
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}

	latest := latestSubscription(subscriptions)
	if latest == nil {
		p.logger.Info("stripe sync found no subscriptions", billing.F("customer_ref", customerRef))
		return nil, billing.ErrSubscriptionNotFound
	}

	now := time.Now().UTC()
	meta := billing.EventMeta{
		ID:          fmt.Sprintf("sync_%s_%d", latest.ID, now.UnixNano()),
		Kind:        syncEventKind,
		CreatedAt:   now,
		CustomerRef: customerRef,
		TenantID:    tenantID,
		Livemode:    latest.Livemode,
	}
	if meta.TenantID == "" {
		meta.TenantID = latest.Metadata[p.verifier.tenantKey]
	}

	res, err := p.processor.Process(ctx, subscriptionUpdatedFrom(meta, latest))
	p.metrics.RecordWebhookProcessingDuration(providerName, syncEventKind, time.Since(startTime))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, syncEventKind, "error")
		return nil, err
	}
	p.metrics.RecordWebhookEvent(providerName, syncEventKind, "success")
	return res, nil
}

// latestSubscription picks the most recently created subscription, preferring
// live ones (anything not canceled or incomplete_expired) over ended ones.
func latestSubscription(subs []*stripe.Subscription) *stripe.Subscription {
	var best *stripe.Subscription
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if best == nil {
			best = sub
			continue
		}
		subLive, bestLive := isLive(sub), isLive(best)
		switch {
		case subLive && !bestLive:
			best = sub
		case subLive == bestLive && sub.Created > best.Created:
			best = sub
		}
	}
	return best
}

func isLive(sub *stripe.Subscription) bool {
	switch sub.Status {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return false
	default:
		return true
	}
}

package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billingsync/pkg/billing"
	"github.com/mihaimyh/billingsync/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultMaxBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Processor, WebhookSecret, etc.)

	// StripeAPIKey enables SyncCustomer. Webhook handling does not need it.
	StripeAPIKey string

	// TenantMetadataKey is the metadata key carrying the tenant id on
	// checkout sessions, subscriptions and invoices. Defaults to "tenant_id".
	TenantMetadataKey string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	config       Config
	processor    *billing.Processor
	verifier     *Verifier
	rateLimiter  *internal.RateLimiter
	stripeClient *stripe.Client
	maxBodyBytes int64
	metrics      billing.Metrics
	logger       billing.Logger
	onEvent      billing.WebhookCallback
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Processor == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	verifier := NewVerifier(secret, config.SignatureTolerance).WithTenantMetadataKey(config.TenantMetadataKey)

	var limiter *internal.RateLimiter
	if config.RateLimit >= 0 {
		limit, window := config.RateLimit, config.RateWindow
		if limit == 0 {
			limit = defaultRateLimitRequests
		}
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		limiter = internal.NewRateLimiter(limit, window)
	}

	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	var client *stripe.Client
	if apiKey := strings.TrimSpace(config.StripeAPIKey); apiKey != "" {
		client = stripe.NewClient(apiKey)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Provider{
		config:       config,
		processor:    config.Processor,
		verifier:     verifier,
		rateLimiter:  limiter,
		stripeClient: client,
		maxBodyBytes: maxBody,
		metrics:      metrics,
		logger:       logger,
		onEvent:      config.OnEvent,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Verifier returns the provider's webhook verifier
func (p *Provider) Verifier() *Verifier {
	return p.verifier
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

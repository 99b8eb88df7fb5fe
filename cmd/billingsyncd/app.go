package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/billingsync/internal/config"
	"github.com/mihaimyh/billingsync/pkg/api"
	"github.com/mihaimyh/billingsync/pkg/billing"
	zerologadapter "github.com/mihaimyh/billingsync/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/billingsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/billingsync/pkg/billing/stripe"
	"github.com/mihaimyh/billingsync/pkg/digest"
	"github.com/mihaimyh/billingsync/pkg/mail"
	"github.com/mihaimyh/billingsync/storage/firestore"
	"github.com/mihaimyh/billingsync/storage/memory"
	"github.com/mihaimyh/billingsync/storage/postgres"
	"github.com/mihaimyh/billingsync/storage/redis"
	"github.com/mihaimyh/billingsync/storage/tiered"
)

// app holds the wired components shared by every command
type app struct {
	cfg      *config.Config
	zlog     zerolog.Logger
	logger   *zerologadapter.Logger
	registry *prometheus.Registry
	metrics  *prommetrics.Metrics

	catalog   *billing.Catalog
	store     billing.Storage
	pg        *postgres.Storage
	locker    digest.Locker
	processor *billing.Processor

	closers []func() error
}

// newLogger builds the process logger: console output in development, JSON otherwise
func newLogger(cfg config.LoggerConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "billingsyncd").Logger(), nil
}

// newApp opens storage and builds the pipeline. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	zlog, err := newLogger(cfg.Logger, os.Stderr)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, zlog)
}

func buildApp(ctx context.Context, cfg *config.Config, zlog zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		zlog:     zlog,
		logger:   zerologadapter.NewLogger(zlog),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)

	catalog, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	a.catalog = catalog

	if err := a.openStorage(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.processor = billing.NewPipeline(a.store, a.catalog, billing.PipelineConfig{
		Logger:  a.logger.With("pipeline"),
		Metrics: a.metrics,
		CircuitBreaker: billing.NewDefaultCircuitBreaker(
			cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout,
			a.metrics.CircuitBreakerObserver("side_effects"),
		),
	})
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		pgCfg := a.cfg.Storage.Postgres
		pgCfg.Logger = a.logger.With("postgres")
		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		a.pg = pg
		a.store = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	case config.DriverFirestore:
		client, err := gcfirestore.NewClient(ctx, a.cfg.Storage.Firestore.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		fs, err := firestore.New(client, a.cfg.Storage.Firestore.Config)
		if err != nil {
			_ = client.Close()
			return err
		}
		a.store = fs
		a.closers = append(a.closers, fs.Close)
	default:
		a.store = memory.New()
	}

	if !a.cfg.Redis.Enabled {
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	rs, err := redis.New(client, a.cfg.Redis.Config)
	if err != nil {
		_ = client.Close()
		return err
	}
	a.closers = append(a.closers, rs.Close)
	if err := rs.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	a.locker = rs

	if a.cfg.Redis.CacheSnapshots {
		ts, err := tiered.New(tiered.Config{
			Hot:           rs,
			Cold:          a.store,
			AsyncBackfill: a.cfg.Redis.AsyncBackfill,
			AsyncErrorHandler: func(err error) {
				a.zlog.Warn().Err(err).Msg("entitlement cache error")
			},
		})
		if err != nil {
			return err
		}
		// Stop the backfill worker before the stores it writes to
		a.closers = append([]func() error{ts.Close}, a.closers...)
		a.store = ts
	}
	return nil
}

// Close releases storage connections in reverse order of opening
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *app) provider() (*stripe.Provider, error) {
	sc := a.cfg.Stripe
	return stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Processor:          a.processor,
			WebhookSecret:      sc.WebhookSecret,
			SignatureTolerance: sc.SignatureTolerance,
			MaxBodyBytes:       sc.MaxBodyBytes,
			RateLimit:          sc.RateLimit,
			RateWindow:         sc.RateWindow,
			Metrics:            a.metrics,
			Logger:             a.logger.With("stripe"),
		},
		StripeAPIKey:      sc.APIKey,
		TenantMetadataKey: sc.TenantMetadataKey,
	})
}

func (a *app) mailer() digest.Mailer {
	if a.cfg.Email.Host == "" {
		return &mail.LogMailer{Logger: a.logger.With("mail")}
	}
	breaker := billing.NewDefaultCircuitBreaker(
		a.cfg.Breaker.FailureThreshold, a.cfg.Breaker.ResetTimeout,
		a.metrics.CircuitBreakerObserver("smtp"),
	)
	return mail.NewSMTPMailer(a.cfg.Email,
		mail.WithCircuitBreaker(breaker),
		mail.WithLogger(a.logger.With("mail")),
	)
}

func (a *app) scheduler() *digest.Scheduler {
	dc := a.cfg.Digest
	return digest.NewScheduler(a.store, a.mailer(), digest.NewTemplateRenderer(dc.AppName), digest.Config{
		Interval:         dc.Interval,
		Concurrency:      dc.Concurrency,
		MaxItemsPerGroup: dc.MaxItemsPerGroup,
		LockTTL:          dc.LockTTL,
		Locker:           a.locker,
		Logger:           a.logger.With("digest"),
		Metrics:          a.metrics,
	})
}

func (a *app) sweeper() *billing.Sweeper {
	return billing.NewSweeper(a.store, a.processor.Engine(), a.processor.Dispatcher(), billing.SweeperConfig{
		Interval: a.cfg.Sweeper.Interval,
		Logger:   a.logger.With("sweeper"),
	})
}

// router mounts the webhook, the inspection API and the metrics endpoint
func (a *app) router(provider *stripe.Provider) (http.Handler, error) {
	h, err := api.NewHandler(api.Config{
		Store:     a.store,
		Engine:    a.processor.Engine(),
		PathParam: chi.URLParam,
		Logger:    a.logger.With("api"),
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/webhooks/stripe", provider.WebhookHandler())
	r.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tenants/{tenantID}/subscription", h.GetSubscription)
		r.Get("/tenants/{tenantID}/entitlements", h.GetEntitlements)
		r.Get("/tenants/{tenantID}/history", h.GetHistory)
		r.Get("/users/{userID}/notifications", h.ListNotifications)
		r.Post("/users/{userID}/notifications/{notificationID}/read", h.MarkRead)
		r.Get("/users/{userID}/digest-preference", h.GetDigestPreference)
		r.Put("/users/{userID}/digest-preference", h.PutDigestPreference)
	})
	return r, nil
}

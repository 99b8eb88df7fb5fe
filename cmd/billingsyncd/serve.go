package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/billingsync/internal/config"
)

type configLoader func() (*config.Config, error)

func newServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook endpoint and run the background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	provider, err := a.provider()
	if err != nil {
		return fmt.Errorf("failed to configure stripe provider: %w", err)
	}
	handler, err := a.router(provider)
	if err != nil {
		return err
	}

	if a.cfg.Digest.Enabled {
		scheduler := a.scheduler()
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}
	if a.cfg.Sweeper.Enabled {
		sweeper := a.sweeper()
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.zlog.Info().
			Str("addr", srv.Addr).
			Str("storage", a.cfg.Storage.Driver).
			Bool("redis", a.cfg.Redis.Enabled).
			Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.zlog.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.zlog.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	a.zlog.Info().Msg("server exited gracefully")
	return nil
}

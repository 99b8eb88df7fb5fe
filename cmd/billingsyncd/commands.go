package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/billingsync/internal/config"
	"github.com/mihaimyh/billingsync/pkg/digest"
)

var digestOutcomes = []digest.Outcome{
	digest.OutcomeSent,
	digest.OutcomeSkippedThreshold,
	digest.OutcomeSkippedWindow,
	digest.OutcomeSkippedEmpty,
	digest.OutcomeSkippedInFlight,
	digest.OutcomeSkippedLocked,
	digest.OutcomeFailed,
}

func newDigestRunCommand(load configLoader) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single digest pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			now := time.Now().UTC()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.scheduler().RunOnce(cmd.Context(), now)
			if err != nil {
				return err
			}
			printDigestReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Evaluate eligibility as of this RFC3339 time (default: now)")
	return cmd
}

func printDigestReport(w io.Writer, report digest.RunReport) {
	fmt.Fprintf(w, "users: %d\n", report.Users)
	for _, o := range digestOutcomes {
		if n := report.Count(o); n > 0 {
			fmt.Fprintf(w, "  %s: %d\n", o, n)
		}
	}
}

func newSweepCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile every tenant's entitlements once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sweeper().SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenants: %d changed: %d failed: %d\n",
				report.Tenants, report.Changed, report.Failed)
			if report.Failed > 0 {
				return fmt.Errorf("%d tenants failed to reconcile", report.Failed)
			}
			return nil
		},
	}
}

func newMigrateCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Storage.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate requires the postgres storage driver, got %q", cfg.Storage.Driver)
			}

			// Migrations must not start the cleanup worker
			cfg.Storage.Postgres.CleanupEnabled = false
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newSyncCommand(load configLoader) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "sync <customer-id>",
		Short: "Pull a customer's subscription from the Stripe API and apply it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			provider, err := a.provider()
			if err != nil {
				return fmt.Errorf("failed to configure stripe provider: %w", err)
			}
			res, err := provider.SyncCustomer(cmd.Context(), args[0], tenantID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant: %s changed: %t\n", res.TenantID, res.Changed())
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant to link when the customer is not linked yet")
	return cmd
}

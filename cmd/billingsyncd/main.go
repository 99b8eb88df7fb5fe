// Command billingsyncd runs the Stripe billing reconciliation pipeline and
// the notification digest scheduler.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/billingsync/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "billingsyncd",
		Short:         "Stripe billing reconciliation and notification digests",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the config file (default: ./configs/billingsync.yaml)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	digestCmd := &cobra.Command{
		Use:   "digest",
		Short: "Notification digest commands",
	}
	digestCmd.AddCommand(newDigestRunCommand(load))

	root.AddCommand(
		newServeCommand(load),
		digestCmd,
		newSweepCommand(load),
		newMigrateCommand(load),
		newSyncCommand(load),
	)
	return root
}

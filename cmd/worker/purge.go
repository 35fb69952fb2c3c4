package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxtask/worker/internal/config"
	"github.com/fluxtask/worker/internal/lifecycle"
	"github.com/fluxtask/worker/internal/registry"
)

// purgeCmd discards every message currently queued, grounded on Celery's
// `celeryd --purge`/`--discard` startup option
// (original_source/bin/celeryd.py), exposed here as its own subcommand
// rather than a start-time flag since purging is a one-shot operation.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Discard all messages currently queued on the active queues",
	RunE:  runPurge,
}

func init() {
	purgeCmd.Flags().String("config", "", "path to a YAML configuration file")
	purgeCmd.Flags().String("broker-url", "", "broker connection URL")
	purgeCmd.Flags().Bool("force", false, "skip the confirmation prompt")
}

func runPurge(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := flags.GetString("broker-url"); v != "" {
		cfg.BrokerURL = v
	}

	force, _ := flags.GetBool("force")
	if !force {
		fmt.Printf("This will irrevocably discard all messages on %s. Use --force to proceed.\n", cfg.BrokerURL)
		return nil
	}

	ctrl, err := lifecycle.Build(cfg, registry.New())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	n, err := ctrl.Purge(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("purged %d messages\n", n)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fluxtask/worker/internal/config"
	"github.com/fluxtask/worker/internal/lifecycle"
	"github.com/fluxtask/worker/internal/registry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker process",
	RunE:  runStart,
}

func init() {
	flags := startCmd.Flags()
	flags.String("config", "", "path to a YAML configuration file")
	flags.String("broker-url", "", "broker connection URL (redis://host:port/db or memory://)")
	flags.StringSliceP("queues", "Q", nil, "comma-separated list of queues to consume in addition to the default queue, which is always consumed")
	flags.Int("concurrency", 0, "number of pool slots (default: number of CPUs)")
	flags.Int("prefetch-multiplier", 0, "prefetch = concurrency * this value (0 keeps the config/default value)")
	flags.Int("max-tasks-per-child", 0, "recycle a pool slot after this many tasks (0 disables recycling)")
	flags.Bool("acks-late", false, "ack only after a task finishes executing")
	flags.Bool("send-events", false, "publish monitoring events to the broker")
	flags.Bool("disable-rate-limits", false, "bypass all per-task rate limits")
	flags.String("state-db", "", "path to a bbolt file for general persistent worker state (.db suffix appended; the file is created but the worker writes nothing to it)")
	flags.String("task-serializer", "", "default message serializer (json, yaml)")
	flags.String("hostname", "", "node identity reported in events and logs (default: OS hostname)")
	flags.Duration("time-limit", 0, "global hard time limit applied to tasks that don't set their own (0 disables)")
	flags.Duration("soft-time-limit", 0, "global soft time limit applied to tasks that don't set their own (0 disables)")
	flags.Bool("beat", false, "force the embedded beat scheduler on or off, overriding the periodic-tasks-registered default (pass --beat=false to force off)")
	flags.String("beat-schedule-filename", "", "path to the bbolt file backing beat's persistent schedule (.db suffix appended automatically)")
}

func runStart(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if v, _ := flags.GetString("broker-url"); v != "" {
		cfg.BrokerURL = v
	}
	if v, _ := flags.GetStringSlice("queues"); len(v) > 0 {
		cfg.Queues = v
	}
	if v, _ := flags.GetInt("concurrency"); v > 0 {
		cfg.Concurrency = v
	}
	if v, _ := flags.GetInt("prefetch-multiplier"); v > 0 {
		cfg.PrefetchMultiplier = v
	}
	if v, _ := flags.GetInt("max-tasks-per-child"); v > 0 {
		cfg.MaxTasksPerChild = v
	}
	if v, _ := flags.GetBool("acks-late"); v {
		cfg.AcksLate = true
	}
	if v, _ := flags.GetBool("send-events"); v {
		cfg.SendEvents = true
	}
	if v, _ := flags.GetBool("disable-rate-limits"); v {
		cfg.DisableRateLimits = true
	}
	if v, _ := flags.GetString("state-db"); v != "" {
		cfg.StateDB = v
	}
	if v, _ := flags.GetString("task-serializer"); v != "" {
		cfg.TaskSerializer = v
	}
	if v, _ := flags.GetString("hostname"); v != "" {
		cfg.Hostname = v
	}
	if v, _ := flags.GetDuration("time-limit"); v > 0 {
		cfg.TaskTimeLimit = v
	}
	if v, _ := flags.GetDuration("soft-time-limit"); v > 0 {
		cfg.TaskSoftTimeLimit = v
	}
	if flags.Changed("beat") {
		v, _ := flags.GetBool("beat")
		cfg.BeatEnabled = &v
	}
	if v, _ := flags.GetString("beat-schedule-filename"); v != "" {
		cfg.BeatScheduleFilename = v
	}
	if logLevel, _ := cmd.Root().PersistentFlags().GetString("log-level"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat, _ := cmd.Root().PersistentFlags().GetString("log-format"); logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if logFile, _ := cmd.Root().PersistentFlags().GetString("log-file"); logFile != "" {
		cfg.LogFile = logFile
	}

	reg := registry.New()
	if err := registerBuiltinTasks(reg); err != nil {
		return fmt.Errorf("registering tasks: %w", err)
	}

	ctrl, err := lifecycle.Build(cfg, reg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	return ctrl.Run(context.Background(), sigCh)
}

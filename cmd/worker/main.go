// Command worker runs the task worker process: consumes messages from a
// broker, dispatches them to registered task handlers through a bounded
// pool, and optionally drives a periodic (beat) schedule.
//
// CLI shape grounded on cuemby-warren/cmd/warren/main.go: a cobra root
// command, persistent logging flags initialized via cobra.OnInitialize,
// subcommands for the worker's operational surface (start/purge), and
// cobra's built-in --version flag.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxtask/worker/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "worker",
	Short:   "A distributed task worker",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("worker version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log output format (console, json)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (default stderr)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(purgeCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	format, _ := rootCmd.PersistentFlags().GetString("log-format")
	logFile, _ := rootCmd.PersistentFlags().GetString("log-file")

	var output *os.File = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}

	logging.Init(logging.Config{
		Level:  logging.Level(level),
		Format: format,
		Output: output,
	})
}

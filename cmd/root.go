package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Operate a fleet of Pulp content-repository backends",
	Long: `fleetctl drives the pulp fleet manager: it keeps a declarative YAML
config of backends, repo groups, and schedules in sync with a fleet of Pulp
servers, running syncs, snapshots, and removals as background tasks.

Get started:
  fleetctl migrate     Apply store migrations
  fleetctl config      Validate or apply the repo-group config
  fleetctl scheduler    Run the cron scheduler that enqueues scheduled jobs
  fleetctl worker       Dequeue and run sync/snapshot/removal jobs
  fleetctl serve        Start the control-plane HTTP API
  fleetctl ui           Launch the terminal dashboard`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $PULP_MANAGER_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug logging")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		migrateCmd,
		configCmd,
		schedulerCmd,
		workerCmd,
		serveCmd,
		uiCmd,
	)
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)
}

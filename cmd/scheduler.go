package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulpfleet/manager/internal/configreconciler"
)

var (
	schedulerBurst    bool
	schedulerInterval int
	schedulerPIDFile  string
	schedulerPath     string
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the cron scheduler that materializes due jobs onto C3 (§4.3)",
	Long: `scheduler loads the repo-group YAML config (§4.9, C9), registers its
cron schedules with the C3 scheduler process, and keeps running: robfig/cron
fires each registration at its due time, enqueueing the job for a worker to
pick up. --interval controls how often the repo-group YAML is re-read and
reconciled again, to pick up config changes without a restart; --burst runs one load+register
pass and exits instead of blocking.`,
	RunE: runScheduler,
}

func init() {
	schedulerCmd.Flags().BoolVar(&schedulerBurst, "burst", false,
		"run a single load-and-register pass, then exit, instead of running continuously")
	schedulerCmd.Flags().IntVar(&schedulerInterval, "interval", 60,
		"seconds between reloads of the repo-group YAML config")
	schedulerCmd.Flags().StringVar(&schedulerPIDFile, "pid", "",
		"write the process id to this file on startup")
	schedulerCmd.Flags().StringVar(&schedulerPath, "path", "",
		"override the repo-group YAML config path (default: PULP_SYNC_CONFIG_PATH)")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	if schedulerPIDFile != "" {
		if err := writePIDFile(schedulerPIDFile); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer os.Remove(schedulerPIDFile)
	}

	d, err := bootstrap()
	if err != nil {
		return err
	}
	defer d.Close()

	configPath := schedulerPath
	if configPath == "" {
		configPath = d.cfg.SyncConfigPath
	}

	if err := d.sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer d.sched.Stop()

	// RegisterCron dedupes against entries Start just loaded, so this must
	// run after Start rather than before (otherwise Start's reload would
	// register every job a second time alongside LoadConfig's own add).
	reconciler := configreconciler.New(d.db, d.store, d.sched, d.vault, d.cfg.Pulp)
	if !d.cfg.SkipParserConfig {
		if err := reconciler.LoadConfig(ctx, configPath); err != nil {
			return fmt.Errorf("loading repo-group config: %w", err)
		}
	}

	if schedulerBurst {
		fmt.Println("scheduler: burst pass complete")
		return nil
	}

	fmt.Printf("scheduler running, reload interval %ds\n", schedulerInterval)
	ticker := time.NewTicker(time.Duration(schedulerInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d.cfg.SkipParserConfig {
				continue
			}
			if err := reconciler.LoadConfig(ctx, configPath); err != nil {
				fmt.Fprintf(os.Stderr, "scheduler: reload failed: %v\n", err)
			}
		}
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

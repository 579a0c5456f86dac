package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pulpfleet/manager/internal/configreconciler"
	"github.com/pulpfleet/manager/internal/store"
)

var configPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Apply or validate the repo-group YAML config (§4.9, C9)",
}

var configApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Parse, validate, and reconcile the repo-group config against the store",
	RunE:  runConfigApply,
}

var configVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Parse and validate the config, printing the resolved diff without applying it",
	Long: `verify is the fleetctl analogue of the original's app_debug.py: it loads
and schema-checks the repo-group config and lists each configured backend as
new or already in the store, without writing to the store or the scheduler.
Repo groups and bindings are validated but not compared against the store.`,
	RunE: runConfigVerify,
}

func init() {
	configCmd.PersistentFlags().StringVar(&configPath, "path", "", "repo-group YAML config path (default: PULP_SYNC_CONFIG_PATH)")
	configCmd.AddCommand(configApplyCmd, configVerifyCmd)
}

func resolveConfigPath(d *deps) string {
	if configPath != "" {
		return configPath
	}
	return d.cfg.SyncConfigPath
}

func runConfigApply(cmd *cobra.Command, args []string) error {
	d, err := bootstrap()
	if err != nil {
		return err
	}
	defer d.Close()

	ctrl := configreconciler.New(d.db, d.store, d.sched, d.vault, d.cfg.Pulp)
	if err := ctrl.LoadConfig(context.Background(), resolveConfigPath(d)); err != nil {
		return fmt.Errorf("loading repo-group config: %w", err)
	}
	fmt.Println("config applied")
	return nil
}

func runConfigVerify(cmd *cobra.Command, args []string) error {
	d, err := bootstrap()
	if err != nil {
		return err
	}
	defer d.Close()

	ctrl := configreconciler.New(d.db, d.store, d.sched, d.vault, d.cfg.Pulp)
	path := resolveConfigPath(d)
	cfg, err := ctrl.Validate(path)
	if err != nil {
		return fmt.Errorf("config %s is invalid: %w", path, err)
	}
	fmt.Printf("config %s is valid\n", path)

	existing, err := d.store.Backends.Filter(context.Background(), &store.Query{SortBy: "name"})
	if err != nil {
		return fmt.Errorf("listing existing backends: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, b := range existing {
		known[b.Name] = true
	}

	hosts := make([]string, 0, len(cfg.PulpServers))
	for host := range cfg.PulpServers {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	var newBackends, updatedBackends []string
	for _, host := range hosts {
		if known[host] {
			updatedBackends = append(updatedBackends, host)
		} else {
			newBackends = append(newBackends, host)
		}
	}

	fmt.Printf("  %d backend(s) in config, %d new, %d existing\n", len(hosts), len(newBackends), len(updatedBackends))
	for _, host := range newBackends {
		fmt.Printf("    + %s (new)\n", host)
	}
	for _, host := range updatedBackends {
		fmt.Printf("    ~ %s\n", host)
	}
	return nil
}

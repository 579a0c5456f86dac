package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pulpfleet/manager/internal/controlplane"
	"github.com/pulpfleet/manager/internal/metrics"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control-plane HTTP API and metrics endpoint",
	Long: `serve runs C10's HTTP API (§4.10): it never invokes a workflow
controller directly, only enqueues work onto C3 and reports on tasks/queues.
A separate fleetctl worker process performs the actual syncs/snapshots/
removals.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "control-plane listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	d, err := bootstrap()
	if err != nil {
		return err
	}
	defer d.Close()

	// §4.10's token-check auth is opt-in (config.AuthConfig.Enabled); until a
	// production LDAP-backed Authenticator is wired in, the configured admin
	// password authenticates every username against AdminGroups.
	auth := controlplane.StaticAuthenticator{Password: d.cfg.Auth.StaticPassword, Groups: d.cfg.Auth.AdminGroups}
	server := controlplane.New(d.store, d.tasks, d.queue, d.sched, d.vault, d.cfg.Pulp, d.cfg.Auth, auth)

	collector := metrics.New(d.store, d.vault)
	errCh := make(chan error, 2)
	go func() { errCh <- server.Serve(ctx, serveAddr) }()
	go func() { errCh <- metrics.Serve(ctx, d.cfg.Metrics.Addr, collector) }()

	fmt.Printf("control plane listening on %s, metrics on %s\n", serveAddr, d.cfg.Metrics.Addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// notifyShutdown cancels cancel() on SIGINT/SIGTERM, mirroring the teacher's
// gateway command's signal handling.
func notifyShutdown(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nshutting down gracefully...")
		cancel()
	}()
}

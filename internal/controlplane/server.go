// Package controlplane is the C10 HTTP API: enqueues workflows into C3,
// inspects tasks and queues, and changes task state, behind a token-check
// auth layer (§4.10). It mirrors the teacher's gateway package's
// Server+buildHandler split, generalized from a single orchestrator to the
// fleet's sync/snapshot/removal/config controllers.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/internal/tasks"
	"github.com/pulpfleet/manager/internal/vault"
	"github.com/pulpfleet/manager/models"
)

// Server is the control plane's dependency bag: C10 only enqueues work and
// reads C1/C3 state, it never invokes C6/C7/C8/C9 controllers directly
// (those run inside worker processes per §5's actor split).
type Server struct {
	store   *store.Store
	tasks   *tasks.Service
	queue   *queue.Queue
	sched   *queue.SchedulerProcess
	vault   vault.Provider
	pulpCfg config.PulpConfig
	cfg     config.AuthConfig
	jwt     *jwtManager
	auth    Authenticator
}

// New builds a Server bound to the shared store/task-service/queue, the
// auth config (§4.9/§6 token-check contract), and the Authenticator the
// host wires in for /auth/login.
func New(s *store.Store, t *tasks.Service, q *queue.Queue, sched *queue.SchedulerProcess, v vault.Provider, pulpCfg config.PulpConfig, authCfg config.AuthConfig, auth Authenticator) *Server {
	lifetime := 60 * time.Minute
	return &Server{
		store:   s,
		tasks:   t,
		queue:   q,
		sched:   sched,
		vault:   v,
		pulpCfg: pulpCfg,
		cfg:     authCfg,
		jwt:     newJWTManager(authCfg.JWTSecret, lifetime),
		auth:    auth,
	}
}

// Serve binds addr and blocks until ctx is cancelled (§6.6 `serve` CLI
// command), mirroring the teacher gateway's Start shutdown-on-ctx pattern.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.buildHandler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("controlplane: listening", "addr", "http://"+addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control plane http server: %w", err)
	}
	return nil
}

// newPulpClient builds a C2 client for a stored backend, used by the
// signing_services passthrough route to reach the backend directly.
func (s *Server) newPulpClient(ctx context.Context, backend *models.Backend) (*pulpclient.Client, error) {
	return pulpclient.New(ctx, pulpclient.Config{
		BaseURL:    backend.BaseURL,
		Username:   backend.Username,
		VaultMount: backend.VaultMount,
	}, s.vault)
}

// Package metrics exposes the fleet's health and throughput as Prometheus
// gauges (§6.5), computed directly against C1's store rather than routed
// through the task/controller layers — the numbers must reflect persisted
// state even if every worker is idle.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/internal/vault"
	"github.com/pulpfleet/manager/models"
)

// taskWindow is how far back per-backend task counts are aggregated (§6.5
// "over the last 24 hours").
const taskWindow = 24 * time.Hour

// reachabilityTimeout bounds each backend's status-endpoint probe so one
// unreachable backend cannot stall a whole scrape.
const reachabilityTimeout = 5 * time.Second

var (
	rollupHealthDesc = prometheus.NewDesc(
		"pulpfleet_backend_rollup_health",
		"One-hot rollup health per backend over {green,amber,red,none} (I3).",
		[]string{"backend", "health"}, nil,
	)
	rollupAgeDesc = prometheus.NewDesc(
		"pulpfleet_backend_rollup_age_seconds",
		"Seconds since the backend's rollup health was last recomputed.",
		[]string{"backend"}, nil,
	)
	repoHealthDesc = prometheus.NewDesc(
		"pulpfleet_repo_sync_health",
		"One-hot sync health per (backend, repo) over {green,amber,red,none} (I4).",
		[]string{"backend", "repo", "health"}, nil,
	)
	repoHealthAgeDesc = prometheus.NewDesc(
		"pulpfleet_repo_sync_health_age_seconds",
		"Seconds since the (backend, repo) sync health was last recomputed.",
		[]string{"backend", "repo"}, nil,
	)
	taskCountDesc = prometheus.NewDesc(
		"pulpfleet_backend_tasks_24h",
		"Count of tasks queued against a backend's repos in the last 24h, by state.",
		[]string{"backend", "state"}, nil,
	)
	reachableDesc = prometheus.NewDesc(
		"pulpfleet_backend_status_reachable",
		"Whether a backend's /status/ endpoint answered successfully (1) or not (0).",
		[]string{"backend"}, nil,
	)
)

// allHealths is the fixed one-hot label set for both rollup and per-repo
// health gauges.
var allHealths = []models.Health{models.HealthNone, models.HealthGreen, models.HealthAmber, models.HealthRed}

// Collector is a prometheus.Collector that recomputes every gauge from the
// store (and, for reachability, a live backend probe) on each scrape rather
// than caching pushed values, mirroring the original's "metrics are a view,
// not a side effect of the workflow" design.
type Collector struct {
	store *store.Store
	vault vault.Provider
}

// New builds a Collector bound to the shared store and vault provider (the
// latter needed to authenticate the reachability probe against each
// backend's /status/ endpoint).
func New(s *store.Store, v vault.Provider) *Collector {
	return &Collector{store: s, vault: v}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- rollupHealthDesc
	ch <- rollupAgeDesc
	ch <- repoHealthDesc
	ch <- repoHealthAgeDesc
	ch <- taskCountDesc
	ch <- reachableDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backends, err := c.store.Backends.Filter(ctx, &store.Query{SortBy: "id", Order: "asc"})
	if err != nil {
		slog.Error("metrics: listing backends", "error", err)
		return
	}

	for _, backend := range backends {
		c.collectBackend(ctx, ch, backend)
	}
}

func (c *Collector) collectBackend(ctx context.Context, ch chan<- prometheus.Metric, backend *models.Backend) {
	for _, h := range allHealths {
		var v float64
		if backend.RepoSyncHealthRollup == h {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(rollupHealthDesc, prometheus.GaugeValue, v, backend.Name, h.String())
	}
	if backend.RepoSyncHealthRollupUpdatedAt != nil {
		age := time.Since(*backend.RepoSyncHealthRollupUpdatedAt).Seconds()
		ch <- prometheus.MustNewConstMetric(rollupAgeDesc, prometheus.GaugeValue, age, backend.Name)
	}

	repos, err := c.store.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backend.ID}},
		Eager:      []string{"repo"},
		SortBy:     "id", Order: "asc",
	})
	if err != nil {
		slog.Error("metrics: listing backend repos", "backend", backend.Name, "error", err)
	} else {
		for _, br := range repos {
			repoName := br.RepoHref
			if br.Repo != nil {
				repoName = br.Repo.Name
			}
			for _, h := range allHealths {
				var v float64
				if br.RepoSyncHealth == h {
					v = 1
				}
				ch <- prometheus.MustNewConstMetric(repoHealthDesc, prometheus.GaugeValue, v, backend.Name, repoName, h.String())
			}
			if br.RepoSyncHealthUpdatedAt != nil {
				age := time.Since(*br.RepoSyncHealthUpdatedAt).Seconds()
				ch <- prometheus.MustNewConstMetric(repoHealthAgeDesc, prometheus.GaugeValue, age, backend.Name, repoName)
			}
		}
	}

	c.collectTaskCounts(ctx, ch, backend)
	c.collectReachability(ctx, ch, backend)
}

// collectTaskCounts counts tasks over the last 24h, grouped by state, among
// tasks linked to one of the backend's repos via BackendRepoTaskLink. There
// is no direct backend_id column on tasks, so link rows are resolved the
// same way C10's per-repo task listing does.
func (c *Collector) collectTaskCounts(ctx context.Context, ch chan<- prometheus.Metric, backend *models.Backend) {
	backendRepos, err := c.store.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backend.ID}},
	})
	if err != nil {
		slog.Error("metrics: listing backend repos for task counts", "backend", backend.Name, "error", err)
		return
	}

	since := time.Now().Add(-taskWindow)
	counts := map[models.TaskState]int64{}
	seen := map[int64]bool{}
	for _, br := range backendRepos {
		links, err := c.store.TaskLinks.Filter(ctx, &store.Query{
			Conditions: []store.Condition{{Field: "backend_repo_id", Op: store.OpEq, Value: br.ID}},
		})
		if err != nil {
			slog.Error("metrics: listing task links", "backend_repo_id", br.ID, "error", err)
			continue
		}
		for _, link := range links {
			if seen[link.TaskID] {
				continue
			}
			seen[link.TaskID] = true
			task, err := c.store.Tasks.GetByID(ctx, link.TaskID)
			if err != nil {
				continue
			}
			if task.DateQueued.Before(since) {
				continue
			}
			counts[task.State]++
		}
	}

	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(taskCountDesc, prometheus.GaugeValue, float64(n), backend.Name, state.String())
	}
}

// collectReachability probes the backend's /status/ endpoint (§6.1) through
// a C2 client built with the backend's vault credentials, reporting 0 when
// the client cannot be built or the GET fails.
func (c *Collector) collectReachability(ctx context.Context, ch chan<- prometheus.Metric, backend *models.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, reachabilityTimeout)
	defer cancel()

	client, err := pulpclient.New(probeCtx, pulpclient.Config{
		BaseURL:    backend.BaseURL,
		Username:   backend.Username,
		VaultMount: backend.VaultMount,
	}, c.vault)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(reachableDesc, prometheus.GaugeValue, 0, backend.Name)
		return
	}

	var reachable float64 = 1
	if _, err := client.Get(probeCtx, "/status/"); err != nil {
		reachable = 0
	}
	ch <- prometheus.MustNewConstMetric(reachableDesc, prometheus.GaugeValue, reachable, backend.Name)
}

// Serve binds addr and exposes the registered collectors on /metrics until
// ctx is cancelled (§6.5's "separate port"), mirroring controlplane.Server's
// Serve shutdown pattern.
func Serve(ctx context.Context, addr string, collector *Collector) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics: listening", "addr", "http://"+addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

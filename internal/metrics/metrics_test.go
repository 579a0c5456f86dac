package metrics

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/internal/vault"
	"github.com/pulpfleet/manager/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metrics-test.db")
	db, err := store.NewDB(config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.New(db, 50)
}

func gather(t *testing.T, c *Collector) []*dto.MetricFamily {
	t.Helper()
	registry := prometheus.NewRegistry()
	if err := registry.Register(c); err != nil {
		t.Fatalf("register collector: %v", err)
	}
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	return families
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestRollupHealthIsOneHotPerBackend(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	backend := &models.Backend{
		Name: "pulp-prod-1.example.com", BaseURL: "https://pulp-prod-1.example.com",
		RepoSyncHealthRollup: models.HealthGreen, RepoSyncHealthRollupUpdatedAt: &now,
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := s.Backends.Add(context.Background(), backend); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	c := New(s, vault.StaticProvider{Password: "unused"})
	families := gather(t, c)

	fam := findFamily(families, "pulpfleet_backend_rollup_health")
	if fam == nil {
		t.Fatal("expected pulpfleet_backend_rollup_health family")
	}
	if len(fam.Metric) != 4 {
		t.Fatalf("expected one-hot over 4 health labels, got %d metrics", len(fam.Metric))
	}
	var onCount int
	for _, m := range fam.Metric {
		var health string
		for _, lp := range m.Label {
			if lp.GetName() == "health" {
				health = lp.GetValue()
			}
		}
		if m.GetGauge().GetValue() == 1 {
			onCount++
			if health != "green" {
				t.Fatalf("expected green to be the hot label, got %q", health)
			}
		}
	}
	if onCount != 1 {
		t.Fatalf("expected exactly one hot label, got %d", onCount)
	}
}

func TestTaskCountsOnlyIncludeLast24Hours(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	backend := &models.Backend{Name: "pulp-prod-1.example.com", BaseURL: "https://pulp-prod-1.example.com", CreatedAt: now, UpdatedAt: now}
	if _, err := s.Backends.Add(ctx, backend); err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	repo := &models.Repo{Name: "epel-9-x86_64", RepoType: models.RepoTypeRPM, CreatedAt: now}
	if _, err := s.Repos.Add(ctx, repo); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	br := &models.BackendRepo{BackendID: backend.ID, RepoID: repo.ID, RepoHref: "/repo/1/", CreatedAt: now, UpdatedAt: now}
	brID, err := s.BackendRepos.Add(ctx, br)
	if err != nil {
		t.Fatalf("seed backend repo: %v", err)
	}

	recent := &models.Task{Name: "sync_repos", TaskType: models.TaskTypeRepoGroupSync, State: models.TaskStateCompleted, DateQueued: now.Add(-time.Hour)}
	recentID, err := s.Tasks.Add(ctx, recent)
	if err != nil {
		t.Fatalf("seed recent task: %v", err)
	}
	stale := &models.Task{Name: "sync_repos", TaskType: models.TaskTypeRepoGroupSync, State: models.TaskStateCompleted, DateQueued: now.Add(-48 * time.Hour)}
	staleID, err := s.Tasks.Add(ctx, stale)
	if err != nil {
		t.Fatalf("seed stale task: %v", err)
	}
	if _, err := s.TaskLinks.Add(ctx, &models.BackendRepoTaskLink{BackendRepoID: brID, TaskID: recentID}); err != nil {
		t.Fatalf("link recent task: %v", err)
	}
	if _, err := s.TaskLinks.Add(ctx, &models.BackendRepoTaskLink{BackendRepoID: brID, TaskID: staleID}); err != nil {
		t.Fatalf("link stale task: %v", err)
	}

	c := New(s, vault.StaticProvider{Password: "unused"})
	families := gather(t, c)

	fam := findFamily(families, "pulpfleet_backend_tasks_24h")
	if fam == nil {
		t.Fatal("expected pulpfleet_backend_tasks_24h family")
	}
	var total float64
	for _, m := range fam.Metric {
		total += m.GetGauge().GetValue()
	}
	if total != 1 {
		t.Fatalf("expected exactly 1 task within the 24h window, got %v", total)
	}
}

func TestUnreachableBackendReportsZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	backend := &models.Backend{Name: "pulp-unreachable.example.com", BaseURL: "http://127.0.0.1:1", CreatedAt: now, UpdatedAt: now}
	if _, err := s.Backends.Add(ctx, backend); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	c := New(s, vault.StaticProvider{Password: "unused"})
	families := gather(t, c)

	fam := findFamily(families, "pulpfleet_backend_status_reachable")
	if fam == nil || len(fam.Metric) != 1 {
		t.Fatalf("expected exactly one reachability metric, got %v", fam)
	}
	if fam.Metric[0].GetGauge().GetValue() != 0 {
		t.Fatalf("expected unreachable backend to report 0, got %v", fam.Metric[0].GetGauge().GetValue())
	}
}

func TestMetricFamilyNamesAreNamespaced(t *testing.T) {
	s := newTestStore(t)
	c := New(s, vault.StaticProvider{Password: "unused"})
	families := gather(t, c)
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), "pulpfleet_") {
			t.Fatalf("expected every family to be namespaced pulpfleet_, got %q", f.GetName())
		}
	}
}

package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/internal/tasks"
	"github.com/pulpfleet/manager/models"
)

type fakeVault struct{}

func (fakeVault) CurrentPassword(context.Context, string, string) (string, error) {
	return "s3cret", nil
}

// fakeBackend serves a minimal RPM-only backend: one repository with a
// remote feed, a sync endpoint that always reports one created resource, a
// content listing with no banned packages, and a publications endpoint that
// always reports none-yet-published.
type fakeBackend struct {
	syncCalls   int
	modifyCalls int
	publishCalls int
}

const (
	repoHref = "/pulp/api/v3/repositories/rpm/rpm/abc/"
	remoteHref = "/pulp/api/v3/remotes/rpm/rpm/xyz/"
	distHref  = "/pulp/api/v3/distributions/rpm/rpm/def/"
	syncTaskHref   = "/pulp/api/v3/tasks/sync-task/"
	publishTaskHref = "/pulp/api/v3/tasks/publish-task/"
)

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	// The reconcile step inside SyncRepos walks all five content types;
	// register empty-page list endpoints for the ones this fixture doesn't
	// otherwise populate so reconcile sees a clean "nothing here" response
	// rather than a 404.
	emptyPage := b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{}})
	})
	for _, seg := range []string{"deb/apt", "file/file", "python/python", "container/container"} {
		mux.HandleFunc("/pulp/api/v3/repositories/"+seg+"/", emptyPage)
		mux.HandleFunc("/pulp/api/v3/remotes/"+seg+"/", emptyPage)
		mux.HandleFunc("/pulp/api/v3/distributions/"+seg+"/", emptyPage)
	}

	mux.HandleFunc("/pulp/api/v3/repositories/rpm/rpm/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{
			{"pulp_href": repoHref, "name": "epel-9", "remote": remoteHref},
		}})
	}))
	mux.HandleFunc("/pulp/api/v3/remotes/rpm/rpm/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{
			{"pulp_href": remoteHref, "name": "epel-9", "url": "https://upstream/epel-9"},
		}})
	}))
	mux.HandleFunc("/pulp/api/v3/distributions/rpm/rpm/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{
			{"pulp_href": distHref, "name": "epel-9", "repository": repoHref},
		}})
	}))
	mux.HandleFunc(repoHref, b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": repoHref, "name": "epel-9", "latest_version_href": repoHref + "versions/1/"})
	}))
	mux.HandleFunc(repoHref+"sync/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		b.syncCalls++
		writeJSON(w, map[string]string{"task": syncTaskHref})
	}))
	mux.HandleFunc(syncTaskHref, b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": syncTaskHref, "state": "completed", "created_resources": []string{repoHref + "versions/1/"}})
	}))
	mux.HandleFunc("/pulp/api/v3/content/rpm/packages/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{}})
	}))
	mux.HandleFunc("/pulp/api/v3/publications/rpm/rpm/", b.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			b.publishCalls++
			writeJSON(w, map[string]string{"task": publishTaskHref})
			return
		}
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{}})
	}))
	mux.HandleFunc(publishTaskHref, b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": publishTaskHref, "state": "completed", "created_resources": []string{"/pulp/api/v3/publications/rpm/rpm/pub1/"}})
	}))
	return mux
}

func (b *fakeBackend) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, _ := json.Marshal(v)
	w.Write(data)
}

func newTestController(t *testing.T) (*Controller, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sync-test.db")
	db, err := store.NewDB(config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(db, 50)

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb)

	taskSvc := tasks.New(db, s, q)
	pulpCfg := config.PulpConfig{BannedPackageRegex: "", PollIntervalSeconds: 1, MaxWaitCount: 5}
	return New(s, taskSvc, fakeVault{}, pulpCfg), s
}

func TestSyncReposRunsChildToCompletion(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	ctrl, s := newTestController(t)
	ctx := context.Background()

	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}

	task, err := ctrl.SyncRepos(ctx, Options{BackendName: "pulp-prod-1", MaxConcurrentSyncs: 2})
	if err != nil {
		t.Fatalf("sync repos: %v", err)
	}
	if task.State != models.TaskStateCompleted {
		t.Fatalf("expected parent task completed, got %s", task.State)
	}
	if backend.syncCalls != 1 {
		t.Fatalf("expected exactly one sync call, got %d", backend.syncCalls)
	}
	if backend.publishCalls != 1 {
		t.Fatalf("expected exactly one publish call, got %d", backend.publishCalls)
	}

	br, err := s.BackendRepos.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backendID}},
	})
	if err != nil {
		t.Fatalf("find backend repo: %v", err)
	}
	if br.RepoSyncHealth != models.HealthGreen {
		t.Fatalf("expected green health after a clean sync, got %s", br.RepoSyncHealth)
	}

	refreshedBackend, err := s.Backends.GetByID(ctx, backendID)
	if err != nil {
		t.Fatalf("get backend: %v", err)
	}
	if refreshedBackend.RepoSyncHealthRollup != models.HealthGreen {
		t.Fatalf("expected green rollup, got %s", refreshedBackend.RepoSyncHealthRollup)
	}
}

func TestSyncReposRejectsZeroConcurrency(t *testing.T) {
	ctrl, s := newTestController(t)
	ctx := context.Background()
	if _, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", Username: "svc-pulp"}); err != nil {
		t.Fatalf("add backend: %v", err)
	}
	if _, err := ctrl.SyncRepos(ctx, Options{BackendName: "pulp-prod-1", MaxConcurrentSyncs: 0}); err == nil {
		t.Fatalf("expected error for max_concurrent_syncs=0")
	}
}

func TestSyncReposSkipsExcludedRepo(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	ctrl, s := newTestController(t)
	ctx := context.Background()
	if _, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"}); err != nil {
		t.Fatalf("add backend: %v", err)
	}

	task, err := ctrl.SyncRepos(ctx, Options{BackendName: "pulp-prod-1", MaxConcurrentSyncs: 2, RegexExclude: "epel.*"})
	if err != nil {
		t.Fatalf("sync repos: %v", err)
	}
	if task.State != models.TaskStateCompleted {
		t.Fatalf("expected parent task completed, got %s", task.State)
	}
	if backend.syncCalls != 0 {
		t.Fatalf("expected the excluded repo to never be synced, got %d sync calls", backend.syncCalls)
	}
}

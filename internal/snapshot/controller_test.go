package snapshot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
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

const (
	srcRepoHref  = "/pulp/api/v3/repositories/rpm/rpm/src/"
	srcRemoteHref = "/pulp/api/v3/remotes/rpm/rpm/src/"
	srcDistHref  = "/pulp/api/v3/distributions/rpm/rpm/src/"
	destRepoHref = "/pulp/api/v3/repositories/rpm/rpm/dest/"
	copyTaskHref = "/pulp/api/v3/tasks/copy-task/"
	snapPublishTaskHref = "/pulp/api/v3/tasks/snap-publish-task/"
)

// fakeBackend serves a minimal RPM-only backend with one source repository
// "epel-9" and fabricates the destination repository/distribution/publish
// endpoints a snapshot run creates along the way.
type fakeBackend struct {
	copyCalls    int
	publishCalls int
	destCreated  bool
	distCreated  bool
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	emptyPage := authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{}})
	})
	for _, seg := range []string{"deb/apt", "file/file", "python/python", "container/container"} {
		mux.HandleFunc("/pulp/api/v3/repositories/"+seg+"/", emptyPage)
		mux.HandleFunc("/pulp/api/v3/remotes/"+seg+"/", emptyPage)
		mux.HandleFunc("/pulp/api/v3/distributions/"+seg+"/", emptyPage)
	}

	mux.HandleFunc("/pulp/api/v3/repositories/rpm/rpm/", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			b.destCreated = true
			writeJSON(w, map[string]interface{}{"pulp_href": destRepoHref, "name": "snap1-epel-9"})
			return
		}
		name := r.URL.Query().Get("name")
		if name == "snap1-epel-9" {
			if !b.destCreated {
				writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{}})
				return
			}
			writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{
				{"pulp_href": destRepoHref, "name": "snap1-epel-9", "latest_version_href": destRepoHref + "versions/1/"},
			}})
			return
		}
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{
			{"pulp_href": srcRepoHref, "name": "epel-9", "remote": srcRemoteHref},
		}})
	}))
	mux.HandleFunc("/pulp/api/v3/remotes/rpm/rpm/", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{
			{"pulp_href": srcRemoteHref, "name": "epel-9", "url": "https://upstream/epel-9"},
		}})
	}))
	mux.HandleFunc("/pulp/api/v3/distributions/rpm/rpm/", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			b.distCreated = true
			writeJSON(w, map[string]interface{}{"pulp_href": "/pulp/api/v3/distributions/rpm/rpm/dest/", "name": "snap1-epel-9"})
			return
		}
		name := r.URL.Query().Get("name")
		if name == "snap1-epel-9" {
			if !b.distCreated {
				writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{}})
				return
			}
			writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{
				{"pulp_href": "/pulp/api/v3/distributions/rpm/rpm/dest/", "name": "snap1-epel-9"},
			}})
			return
		}
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{
			{"pulp_href": srcDistHref, "name": "epel-9", "repository": srcRepoHref},
		}})
	}))
	mux.HandleFunc(srcRepoHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": srcRepoHref, "name": "epel-9", "latest_version_href": srcRepoHref + "versions/1/"})
	}))
	mux.HandleFunc(destRepoHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": destRepoHref, "name": "snap1-epel-9", "latest_version_href": destRepoHref + "versions/1/"})
	}))
	mux.HandleFunc("/rpm/copy/", authed(func(w http.ResponseWriter, r *http.Request) {
		b.copyCalls++
		writeJSON(w, map[string]string{"task": copyTaskHref})
	}))
	mux.HandleFunc(copyTaskHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": copyTaskHref, "state": "completed", "created_resources": []string{destRepoHref + "versions/1/"}})
	}))
	mux.HandleFunc("/pulp/api/v3/publications/rpm/rpm/", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			b.publishCalls++
			writeJSON(w, map[string]string{"task": snapPublishTaskHref})
			return
		}
		writeJSON(w, map[string]interface{}{"next": nil, "results": []map[string]interface{}{}})
	}))
	mux.HandleFunc(snapPublishTaskHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": snapPublishTaskHref, "state": "completed", "created_resources": []string{"/pulp/api/v3/publications/rpm/rpm/snap-pub1/"}})
	}))
	return mux
}

func authed(h http.HandlerFunc) http.HandlerFunc {
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
	dbPath := filepath.Join(t.TempDir(), "snapshot-test.db")
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
	pulpCfg := config.PulpConfig{PollIntervalSeconds: 1, MaxWaitCount: 5}
	return New(s, taskSvc, fakeVault{}, pulpCfg), s
}

func TestSnapshotReposRunsChildToCompletion(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	ctrl, s := newTestController(t)
	ctx := context.Background()

	if _, err := s.Backends.Add(ctx, &models.Backend{
		Name: "pulp-prod-1", BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp",
		SnapshotSupported: true, MaxConcurrentSnapshots: 2,
	}); err != nil {
		t.Fatalf("add backend: %v", err)
	}

	task, err := ctrl.SnapshotRepos(ctx, Options{BackendName: "pulp-prod-1", SnapshotPrefix: "snap1"})
	if err != nil {
		t.Fatalf("snapshot repos: %v", err)
	}
	if task.State != models.TaskStateCompleted {
		t.Fatalf("expected parent task completed, got %s", task.State)
	}
	if backend.copyCalls != 1 {
		t.Fatalf("expected exactly one copy call, got %d", backend.copyCalls)
	}
	if backend.publishCalls != 1 {
		t.Fatalf("expected exactly one publish call, got %d", backend.publishCalls)
	}

	destRepo, err := s.Repos.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: "snap1-epel-9"}},
	})
	if err != nil {
		t.Fatalf("find destination repo: %v", err)
	}
	if destRepo.RepoType != models.RepoTypeRPM {
		t.Fatalf("expected destination repo to inherit rpm type, got %s", destRepo.RepoType)
	}
}

func TestSnapshotReposRejectsUnsupportedBackend(t *testing.T) {
	ctrl, s := newTestController(t)
	ctx := context.Background()
	if _, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", Username: "svc-pulp", SnapshotSupported: false}); err != nil {
		t.Fatalf("add backend: %v", err)
	}

	if _, err := ctrl.SnapshotRepos(ctx, Options{BackendName: "pulp-prod-1", SnapshotPrefix: "snap1"}); err == nil {
		t.Fatalf("expected error for snapshot-unsupported backend")
	}
}

func TestSnapshotReposRejectsExistingPrefix(t *testing.T) {
	ctrl, s := newTestController(t)
	ctx := context.Background()
	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", Username: "svc-pulp", SnapshotSupported: true, MaxConcurrentSnapshots: 1})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}
	_ = backendID

	if _, err := s.Repos.Add(ctx, &models.Repo{Name: "snap1-epel-9", RepoType: models.RepoTypeRPM}); err != nil {
		t.Fatalf("seed existing snapshot repo: %v", err)
	}

	// No live backend server is needed: the reuse guard must fail before any
	// client/backend interaction happens.
	_, err = ctrl.SnapshotRepos(ctx, Options{BackendName: "pulp-prod-1", SnapshotPrefix: "snap1"})
	if err == nil {
		t.Fatalf("expected error for existing snapshot prefix")
	}
	if !strings.Contains(err.Error(), "already exist") {
		t.Fatalf("expected already-exist error, got %v", err)
	}
}

package removal

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

const (
	removeRepoHref  = "/pulp/api/v3/repositories/rpm/rpm/abc/"
	removeRemoteHref = "/pulp/api/v3/remotes/rpm/rpm/xyz/"
	removeDistHref  = "/pulp/api/v3/distributions/rpm/rpm/def/"
	deleteDistTaskHref = "/pulp/api/v3/tasks/delete-dist-task/"
	deleteRepoTaskHref = "/pulp/api/v3/tasks/delete-repo-task/"
	deleteRemoteTaskHref = "/pulp/api/v3/tasks/delete-remote-task/"
	modifyTaskHref = "/pulp/api/v3/tasks/modify-task/"
	removalPublishTaskHref = "/pulp/api/v3/tasks/removal-publish-task/"
)

// fakeBackend serves a minimal RPM-only backend with one repository
// "epel-9", tracking delete/modify/publish call counts.
type fakeBackend struct {
	deleteDistCalls, deleteRepoCalls, deleteRemoteCalls int
	modifyCalls, publishCalls                           int
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(removeRepoHref, authed(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			b.deleteRepoCalls++
			writeJSON(w, map[string]string{"task": deleteRepoTaskHref})
		default:
			writeJSON(w, map[string]interface{}{"pulp_href": removeRepoHref, "name": "epel-9", "latest_version_href": removeRepoHref + "versions/1/"})
		}
	}))
	mux.HandleFunc(removeRepoHref+"modify/", authed(func(w http.ResponseWriter, r *http.Request) {
		b.modifyCalls++
		writeJSON(w, map[string]string{"task": modifyTaskHref})
	}))
	mux.HandleFunc(removeDistHref, authed(func(w http.ResponseWriter, r *http.Request) {
		b.deleteDistCalls++
		writeJSON(w, map[string]string{"task": deleteDistTaskHref})
	}))
	mux.HandleFunc(removeRemoteHref, authed(func(w http.ResponseWriter, r *http.Request) {
		b.deleteRemoteCalls++
		writeJSON(w, map[string]string{"task": deleteRemoteTaskHref})
	}))
	mux.HandleFunc(deleteDistTaskHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": deleteDistTaskHref, "state": "completed"})
	}))
	mux.HandleFunc(deleteRepoTaskHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": deleteRepoTaskHref, "state": "completed"})
	}))
	mux.HandleFunc(deleteRemoteTaskHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": deleteRemoteTaskHref, "state": "completed"})
	}))
	mux.HandleFunc(modifyTaskHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": modifyTaskHref, "state": "completed"})
	}))
	mux.HandleFunc("/pulp/api/v3/publications/rpm/rpm/", authed(func(w http.ResponseWriter, r *http.Request) {
		b.publishCalls++
		writeJSON(w, map[string]string{"task": removalPublishTaskHref})
	}))
	mux.HandleFunc(removalPublishTaskHref, authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pulp_href": removalPublishTaskHref, "state": "completed", "created_resources": []string{"/pulp/api/v3/publications/rpm/rpm/pub1/"}})
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
	dbPath := filepath.Join(t.TempDir(), "removal-test.db")
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

func seedRepo(t *testing.T, ctx context.Context, s *store.Store, backendID int64) {
	t.Helper()
	repoID, err := s.Repos.Add(ctx, &models.Repo{Name: "epel-9", RepoType: models.RepoTypeRPM})
	if err != nil {
		t.Fatalf("add repo: %v", err)
	}
	if _, err := s.BackendRepos.Add(ctx, &models.BackendRepo{
		BackendID: backendID, RepoID: repoID,
		RepoHref: removeRepoHref, RemoteHref: removeRemoteHref, DistributionHref: removeDistHref,
	}); err != nil {
		t.Fatalf("add backend repo: %v", err)
	}
}

func TestRemoveReposDryRunDoesNotCallBackend(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	ctrl, s := newTestController(t)
	ctx := context.Background()
	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}
	seedRepo(t, ctx, s, backendID)

	task, err := ctrl.RemoveRepos(ctx, RemoveReposOptions{BackendName: "pulp-prod-1", RegexInclude: "epel.*", DryRun: true})
	if err != nil {
		t.Fatalf("remove repos: %v", err)
	}
	if task.State != models.TaskStateCompleted {
		t.Fatalf("expected parent task completed, got %s", task.State)
	}
	if backend.deleteRepoCalls != 0 || backend.deleteDistCalls != 0 || backend.deleteRemoteCalls != 0 {
		t.Fatalf("expected no backend delete calls on dry run, got repo=%d dist=%d remote=%d",
			backend.deleteRepoCalls, backend.deleteDistCalls, backend.deleteRemoteCalls)
	}

	br, err := s.BackendRepos.First(ctx, &store.Query{Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backendID}}})
	if err != nil {
		t.Fatalf("expected the backend repo row to still exist after a dry run: %v", err)
	}
	_ = br
}

func TestRemoveReposDeletesDistributionRepositoryRemote(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	ctrl, s := newTestController(t)
	ctx := context.Background()
	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}
	seedRepo(t, ctx, s, backendID)

	task, err := ctrl.RemoveRepos(ctx, RemoveReposOptions{BackendName: "pulp-prod-1", RegexInclude: "epel.*", DryRun: false})
	if err != nil {
		t.Fatalf("remove repos: %v", err)
	}
	if task.State != models.TaskStateCompleted {
		t.Fatalf("expected parent task completed, got %s", task.State)
	}
	if backend.deleteDistCalls != 1 || backend.deleteRepoCalls != 1 || backend.deleteRemoteCalls != 1 {
		t.Fatalf("expected one delete call each, got dist=%d repo=%d remote=%d",
			backend.deleteDistCalls, backend.deleteRepoCalls, backend.deleteRemoteCalls)
	}

	if _, err := s.BackendRepos.First(ctx, &store.Query{Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backendID}}}); err == nil {
		t.Fatalf("expected the backend repo row to be removed after a real removal")
	}
}

func TestRemoveReposRequiresIncludeOrExclude(t *testing.T) {
	ctrl, s := newTestController(t)
	ctx := context.Background()
	if _, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", Username: "svc-pulp"}); err != nil {
		t.Fatalf("add backend: %v", err)
	}
	if _, err := ctrl.RemoveRepos(ctx, RemoveReposOptions{BackendName: "pulp-prod-1"}); err == nil {
		t.Fatalf("expected error when neither regex_include nor regex_exclude is set")
	}
}

func TestRemoveRepoContentSkipsPublishWhenNothingChanged(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	ctrl, s := newTestController(t)
	ctx := context.Background()
	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}
	seedRepo(t, ctx, s, backendID)

	parent, err := ctrl.tasks.CreateTask(ctx, "remove content", models.TaskTypeRemoveRepoContent, nil, tasks.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err := ctrl.RemoveRepoContent(ctx, RemoveRepoContentOptions{
		BackendName: "pulp-prod-1", RepoName: "epel-9", ContentHref: "/pulp/api/v3/content/rpm/packages/pkg1/", TaskID: parent.ID,
	})
	if err != nil {
		t.Fatalf("remove repo content: %v", err)
	}
	if task.State != models.TaskStateCompleted {
		t.Fatalf("expected task completed, got %s", task.State)
	}
	if backend.modifyCalls != 1 {
		t.Fatalf("expected exactly one modify call, got %d", backend.modifyCalls)
	}
	if backend.publishCalls != 0 {
		t.Fatalf("expected no publish call since modify created no new resources, got %d", backend.publishCalls)
	}
}

func TestRemoveRepoContentForcePublish(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	ctrl, s := newTestController(t)
	ctx := context.Background()
	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}
	seedRepo(t, ctx, s, backendID)

	parent, err := ctrl.tasks.CreateTask(ctx, "remove content", models.TaskTypeRemoveRepoContent, nil, tasks.CreateTaskOptions{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err := ctrl.RemoveRepoContent(ctx, RemoveRepoContentOptions{
		BackendName: "pulp-prod-1", RepoName: "epel-9", ContentHref: "/pulp/api/v3/content/rpm/packages/pkg1/",
		TaskID: parent.ID, ForcePublish: true,
	})
	if err != nil {
		t.Fatalf("remove repo content: %v", err)
	}
	if task.State != models.TaskStateCompleted {
		t.Fatalf("expected task completed, got %s", task.State)
	}
	if backend.publishCalls != 1 {
		t.Fatalf("expected one publish call with force_publish, got %d", backend.publishCalls)
	}
}

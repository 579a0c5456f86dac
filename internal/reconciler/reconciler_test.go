package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

type fakeVault struct{}

func (fakeVault) CurrentPassword(context.Context, string, string) (string, error) {
	return "s3cret", nil
}

// fakeBackend serves every repositories/remotes/distributions list path
// across all 5 content types. Only the types with data populated in repos
// return a non-empty page; the rest return an empty results page.
type fakeBackend struct {
	repos         map[models.RepoType][]map[string]interface{}
	remotes       map[models.RepoType][]map[string]interface{}
	distributions map[models.RepoType][]map[string]interface{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		repos:         map[models.RepoType][]map[string]interface{}{},
		remotes:       map[models.RepoType][]map[string]interface{}{},
		distributions: map[models.RepoType][]map[string]interface{}{},
	}
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	types := []models.RepoType{
		models.RepoTypeRPM, models.RepoTypeDEB, models.RepoTypeFile,
		models.RepoTypePython, models.RepoTypeContainer,
	}
	for _, t := range types {
		t := t
		reposPath, _ := pathFor(t, "repositories")
		remotesPath, _ := pathFor(t, "remotes")
		distPath, _ := pathFor(t, "distributions")
		mux.HandleFunc(reposPath, b.page(func() []map[string]interface{} { return b.repos[t] }))
		mux.HandleFunc(remotesPath, b.page(func() []map[string]interface{} { return b.remotes[t] }))
		mux.HandleFunc(distPath, b.page(func() []map[string]interface{} { return b.distributions[t] }))
	}
	return mux
}

func (b *fakeBackend) page(items func() []map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		resp := map[string]interface{}{"next": nil, "results": items()}
		data, _ := json.Marshal(resp)
		w.Write(data)
	}
}

func pathFor(t models.RepoType, kind string) (string, string) {
	seg := map[models.RepoType]string{
		models.RepoTypeRPM:       "rpm/rpm",
		models.RepoTypeDEB:       "deb/apt",
		models.RepoTypeFile:      "file/file",
		models.RepoTypePython:    "python/python",
		models.RepoTypeContainer: "container/container",
	}[t]
	return fmt.Sprintf("/pulp/api/v3/%s/%s/", kind, seg), seg
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reconciler-test.db")
	db, err := store.NewDB(config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(db, 50)
}

func TestReconcileCreatesRepoAndBackendRepo(t *testing.T) {
	backend := newFakeBackend()
	backend.repos[models.RepoTypeRPM] = []map[string]interface{}{
		{"pulp_href": "/pulp/api/v3/repositories/rpm/rpm/abc/", "name": "epel-9", "remote": "/pulp/api/v3/remotes/rpm/rpm/xyz/"},
	}
	backend.remotes[models.RepoTypeRPM] = []map[string]interface{}{
		{"pulp_href": "/pulp/api/v3/remotes/rpm/rpm/xyz/", "name": "epel-9", "url": "https://upstream/epel-9"},
	}
	backend.distributions[models.RepoTypeRPM] = []map[string]interface{}{
		{"pulp_href": "/pulp/api/v3/distributions/rpm/rpm/def/", "name": "epel-9", "repository": "/pulp/api/v3/repositories/rpm/rpm/abc/"},
	}

	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()
	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", Username: "svc-pulp", VaultMount: "pulp"})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}

	c, err := pulpclient.New(ctx, pulpclient.Config{BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"}, fakeVault{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rec := New(s)
	result, err := rec.Reconcile(ctx, c, backendID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.ReposSeen != 1 {
		t.Fatalf("expected 1 repo seen, got %d", result.ReposSeen)
	}

	repo, err := s.Repos.First(ctx, &store.Query{Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: "epel-9"}}})
	if err != nil {
		t.Fatalf("find repo: %v", err)
	}
	if repo.RepoType != models.RepoTypeRPM {
		t.Fatalf("expected rpm repo type, got %s", repo.RepoType)
	}

	br, err := s.BackendRepos.First(ctx, &store.Query{
		Conditions: []store.Condition{
			{Field: "backend_id", Op: store.OpEq, Value: backendID},
			{Field: "repo_id", Op: store.OpEq, Value: repo.ID},
		},
	})
	if err != nil {
		t.Fatalf("find backend repo: %v", err)
	}
	if br.RepoHref != "/pulp/api/v3/repositories/rpm/rpm/abc/" {
		t.Fatalf("unexpected repo href: %s", br.RepoHref)
	}
	if br.RemoteHref == "" || br.RemoteFeed != "https://upstream/epel-9" {
		t.Fatalf("expected remote href/feed to be attached, got %+v", br)
	}
	if br.DistributionHref == "" {
		t.Fatalf("expected distribution href to be attached")
	}
}

func TestReconcileRemovesStaleBackendRepo(t *testing.T) {
	backend := newFakeBackend()
	backend.repos[models.RepoTypeRPM] = []map[string]interface{}{
		{"pulp_href": "/pulp/api/v3/repositories/rpm/rpm/abc/", "name": "epel-9"},
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()
	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", Username: "svc-pulp", VaultMount: "pulp"})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}
	c, err := pulpclient.New(ctx, pulpclient.Config{BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"}, fakeVault{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rec := New(s)
	if _, err := rec.Reconcile(ctx, c, backendID); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	// Backend no longer reports the repo.
	backend.repos[models.RepoTypeRPM] = nil
	result, err := rec.Reconcile(ctx, c, backendID)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if result.ReposRemoved != 1 {
		t.Fatalf("expected 1 backend repo removed, got %d", result.ReposRemoved)
	}

	remaining, err := s.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backendID}},
	})
	if err != nil {
		t.Fatalf("filter backend repos: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no backend repos remaining, got %d", len(remaining))
	}
}

func TestReconcileRejectsRepoTypeMismatch(t *testing.T) {
	backend := newFakeBackend()
	backend.repos[models.RepoTypeRPM] = []map[string]interface{}{
		{"pulp_href": "/pulp/api/v3/repositories/rpm/rpm/abc/", "name": "shared-name"},
	}
	backend.repos[models.RepoTypeDEB] = []map[string]interface{}{
		{"pulp_href": "/pulp/api/v3/repositories/deb/apt/xyz/", "name": "shared-name"},
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	s := newTestStore(t)
	ctx := context.Background()
	backendID, err := s.Backends.Add(ctx, &models.Backend{Name: "pulp-prod-1", Username: "svc-pulp", VaultMount: "pulp"})
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}
	c, err := pulpclient.New(ctx, pulpclient.Config{BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"}, fakeVault{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rec := New(s)
	if _, err := rec.Reconcile(ctx, c, backendID); err == nil {
		t.Fatalf("expected error: a repo name cannot switch type across content kinds")
	}
}

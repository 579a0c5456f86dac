package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/models"
)

func newTestStore(t *testing.T) (*Store, DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store-test.db")
	db, err := NewDB(config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	if err != nil {
		t.Fatalf("new sqlite db: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, 50), db
}

func TestRepoAddAndGetByID(t *testing.T) {
	s, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	repo := &models.Repo{Name: "epel-9-x86_64", RepoType: models.RepoTypeRPM}
	id, err := s.Repos.Add(ctx, repo)
	if err != nil {
		t.Fatalf("add repo: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected a generated id")
	}

	got, err := s.Repos.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Name != "epel-9-x86_64" || got.RepoType != models.RepoTypeRPM {
		t.Fatalf("unexpected repo: %+v", got)
	}
}

func TestRepoGetByIDNotFound(t *testing.T) {
	s, db := newTestStore(t)
	defer db.Close()

	_, err := s.Repos.GetByID(context.Background(), 999)
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestBackendRepoFilterWithJoinAliasAndEagerLoad(t *testing.T) {
	s, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	backend := &models.Backend{Name: "pulp-prod-1", Username: "svc-pulp", VaultMount: "pulp"}
	backendID, err := s.Backends.Add(ctx, backend)
	if err != nil {
		t.Fatalf("add backend: %v", err)
	}

	repo := &models.Repo{Name: "epel-9-x86_64", RepoType: models.RepoTypeRPM}
	repoID, err := s.Repos.Add(ctx, repo)
	if err != nil {
		t.Fatalf("add repo: %v", err)
	}

	br := &models.BackendRepo{BackendID: backendID, RepoID: repoID, RepoHref: "/pulp/api/v3/repositories/rpm/rpm/abc/"}
	if _, err := s.BackendRepos.Add(ctx, br); err != nil {
		t.Fatalf("add backend repo: %v", err)
	}

	items, err := s.BackendRepos.Filter(ctx, &Query{
		Conditions: []Condition{{Field: "name", Op: OpEq, Value: "epel-9-x86_64"}},
		Eager:      []string{"repo", "backend"},
	})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Repo == nil || items[0].Repo.Name != "epel-9-x86_64" {
		t.Fatalf("expected eager-loaded repo, got %+v", items[0].Repo)
	}
	if items[0].Backend == nil || items[0].Backend.Name != "pulp-prod-1" {
		t.Fatalf("expected eager-loaded backend, got %+v", items[0].Backend)
	}
}

func TestFilterPagedRejectsOversizePage(t *testing.T) {
	s, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Repos.Add(ctx, &models.Repo{Name: "repo", RepoType: models.RepoTypeFile}); err != nil {
			t.Fatalf("seed repo: %v", err)
		}
	}

	_, err := s.Repos.FilterPaged(ctx, &Query{Page: 1, PageSize: 1000})
	if err == nil {
		t.Fatalf("expected validation error for oversize page_size")
	}
}

func TestFilterPagedResultReportsTotal(t *testing.T) {
	s, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Repos.Add(ctx, &models.Repo{Name: "repo", RepoType: models.RepoTypeFile}); err != nil {
			t.Fatalf("seed repo: %v", err)
		}
	}

	result, err := s.Repos.FilterPagedResult(ctx, &Query{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("filter paged result: %v", err)
	}
	if result.Total != 5 {
		t.Fatalf("expected total 5, got %d", result.Total)
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected 2 items on page 1, got %d", len(result.Items))
	}
}

func TestUpdatePersistsNonIDFields(t *testing.T) {
	s, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	repo := &models.Repo{Name: "orig", RepoType: models.RepoTypeDEB}
	id, err := s.Repos.Add(ctx, repo)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	repo.ID = id
	repo.Name = "renamed"
	if err := s.Repos.Update(ctx, repo); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Repos.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Name != "renamed" {
		t.Fatalf("expected renamed, got %s", got.Name)
	}
}

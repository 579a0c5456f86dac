package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/pulpfleet/manager/models"
)

// Store bundles one Repository per entity, all bound to the same DB, plus
// the configured max page size every paged query enforces (§4.1).
type Store struct {
	DB DB

	Backends          *Repository[models.Backend]
	Repos             *Repository[models.Repo]
	RepoGroups        *Repository[models.RepoGroup]
	RepoGroupBindings *Repository[models.RepoGroupBinding]
	BackendRepos      *Repository[models.BackendRepo]
	TaskLinks         *Repository[models.BackendRepoTaskLink]
	Tasks             *Repository[models.Task]
	TaskStages        *Repository[models.TaskStage]
}

// New wires every per-entity Repository against db, enforcing maxPageSize
// on every paged call.
func New(db DB, maxPageSize int) *Store {
	s := &Store{DB: db}

	s.Repos = NewRepository[models.Repo](db, EntityConfig{
		Table: "repos", Alias: "r",
	}, maxPageSize, nil)

	s.Backends = NewRepository[models.Backend](db, EntityConfig{
		Table: "backends", Alias: "b",
	}, maxPageSize, nil)

	s.RepoGroups = NewRepository[models.RepoGroup](db, EntityConfig{
		Table: "repo_groups", Alias: "rg",
	}, maxPageSize, nil)

	s.RepoGroupBindings = NewRepository[models.RepoGroupBinding](db, EntityConfig{
		Table: "repo_group_bindings", Alias: "rgb",
		JoinAliases: map[string]JoinAlias{
			"pulp_server_name": {
				Column: "b.name",
				Join:   "JOIN backends b ON rgb.backend_id = b.id",
			},
			"repo_group_name": {
				Column: "rg.name",
				Join:   "JOIN repo_groups rg ON rgb.repo_group_id = rg.id",
			},
		},
	}, maxPageSize, nil)

	s.TaskLinks = NewRepository[models.BackendRepoTaskLink](db, EntityConfig{
		Table: "backend_repo_task_links", Alias: "brtl",
	}, maxPageSize, nil)

	s.Tasks = NewRepository[models.Task](db, EntityConfig{
		Table: "tasks", Alias: "t",
	}, maxPageSize, nil)

	s.TaskStages = NewRepository[models.TaskStage](db, EntityConfig{
		Table: "task_stages", Alias: "ts",
	}, maxPageSize, nil)

	s.BackendRepos = NewRepository[models.BackendRepo](db, EntityConfig{
		Table: "backend_repos", Alias: "br",
		JoinAliases: map[string]JoinAlias{
			"name": {
				Column: "r.name",
				Join:   "JOIN repos r ON br.repo_id = r.id",
			},
			"repo_type": {
				Column: "r.repo_type",
				Join:   "JOIN repos r ON br.repo_id = r.id",
			},
			"pulp_server_name": {
				Column: "b.name",
				Join:   "JOIN backends b ON br.backend_id = b.id",
			},
		},
	}, maxPageSize, map[string]func(ctx context.Context, q Queryer, items []*models.BackendRepo) error{
		// The "repo"/"backend" eager loads ground SUPPLEMENTED FEATURE 5
		// (repositories/pulp_server.py's get_pulp_server_with_repos
		// eager-load helper, generalized to named eager-loading here).
		"repo":    eagerLoadRepo,
		"backend": eagerLoadBackend,
	})

	return s
}

// WithTx returns a Store whose repositories all read/write through tx
// instead of the base DB, so a caller can compose several repository calls
// into one atomic unit of work (§4.1's transaction-bounded mutation
// invariant).
func (s *Store) WithTx(tx Tx) *Store {
	return &Store{
		DB:                s.DB,
		Backends:          s.Backends.WithTx(tx),
		Repos:             s.Repos.WithTx(tx),
		RepoGroups:        s.RepoGroups.WithTx(tx),
		RepoGroupBindings: s.RepoGroupBindings.WithTx(tx),
		BackendRepos:      s.BackendRepos.WithTx(tx),
		TaskLinks:         s.TaskLinks.WithTx(tx),
		Tasks:             s.Tasks.WithTx(tx),
		TaskStages:        s.TaskStages.WithTx(tx),
	}
}

// eagerLoadRepo populates BackendRepo.Repo for every item sharing repo ids,
// issuing a single IN query rather than one SELECT per item.
func eagerLoadRepo(ctx context.Context, q Queryer, items []*models.BackendRepo) error {
	if len(items) == 0 {
		return nil
	}
	ids := uniqueInt64(func() []int64 {
		out := make([]int64, 0, len(items))
		for _, it := range items {
			out = append(out, it.RepoID)
		}
		return out
	}())
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("SELECT r.* FROM repos r WHERE r.id IN (%s)", strings.Join(placeholders, ","))
	var repos []models.Repo
	if err := q.Select(ctx, &repos, query, args...); err != nil {
		return fmt.Errorf("load repos: %w", err)
	}
	byID := make(map[int64]*models.Repo, len(repos))
	for i := range repos {
		byID[repos[i].ID] = &repos[i]
	}
	for _, it := range items {
		it.Repo = byID[it.RepoID]
	}
	return nil
}

// eagerLoadBackend populates BackendRepo.Backend the same way.
func eagerLoadBackend(ctx context.Context, q Queryer, items []*models.BackendRepo) error {
	if len(items) == 0 {
		return nil
	}
	ids := uniqueInt64(func() []int64 {
		out := make([]int64, 0, len(items))
		for _, it := range items {
			out = append(out, it.BackendID)
		}
		return out
	}())
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("SELECT b.* FROM backends b WHERE b.id IN (%s)", strings.Join(placeholders, ","))
	var backends []models.Backend
	if err := q.Select(ctx, &backends, query, args...); err != nil {
		return fmt.Errorf("load backends: %w", err)
	}
	byID := make(map[int64]*models.Backend, len(backends))
	for i := range backends {
		byID[backends[i].ID] = &backends[i]
	}
	for _, it := range items {
		it.Backend = byID[it.BackendID]
	}
	return nil
}

func uniqueInt64(in []int64) []int64 {
	seen := make(map[int64]bool, len(in))
	out := make([]int64, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

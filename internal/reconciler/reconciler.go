// Package reconciler is the C5 backend reconciler: it pulls a backend's
// remote/repository/distribution triples and rebuilds the local BackendRepo
// snapshot, enforcing I6 (at most one remote/repository/distribution per
// BackendRepo).
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pulpfleet/manager/internal/pulpapi"
	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/pulperr"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

// allRepoTypes is the fixed content-type set a backend may host (§3).
var allRepoTypes = []models.RepoType{
	models.RepoTypeRPM,
	models.RepoTypeDEB,
	models.RepoTypeFile,
	models.RepoTypePython,
	models.RepoTypeContainer,
}

// Reconciler refreshes one backend's local snapshot against its live state.
type Reconciler struct {
	store *store.Store
}

// New builds a Reconciler bound to s.
func New(s *store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// group is the per-name triple gathered for one repo-type pass.
type group struct {
	name         string
	repository   *pulpapi.Repository
	remote       *pulpapi.Remote
	distribution *pulpapi.Distribution
}

// Result summarizes one reconcile pass, surfaced in the caller's task stage
// detail (§4.5 step 2 "surfacing the duplicate in the reconcile stage's
// detail").
type Result struct {
	ReposSeen      int
	ReposRemoved   int
	DuplicateNames []string
}

// Reconcile runs the full algorithm of §4.5 against one backend.
func (r *Reconciler) Reconcile(ctx context.Context, c *pulpclient.Client, backendID int64) (*Result, error) {
	backend, err := r.store.Backends.GetByID(ctx, backendID)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	seenBackendRepoIDs := make(map[int64]bool)

	for _, repoType := range allRepoTypes {
		groups, dupes, err := fetchGroups(ctx, c, repoType)
		if err != nil {
			return nil, fmt.Errorf("fetching %s triples from backend %s: %w", repoType, backend.Name, err)
		}
		result.DuplicateNames = append(result.DuplicateNames, dupes...)

		for _, g := range groups {
			brID, err := r.upsertBackendRepo(ctx, backend.ID, repoType, g)
			if err != nil {
				return nil, err
			}
			seenBackendRepoIDs[brID] = true
			result.ReposSeen++
		}
	}

	removed, err := r.removeStale(ctx, backend.ID, seenBackendRepoIDs)
	if err != nil {
		return nil, err
	}
	result.ReposRemoved = removed

	backend.UpdatedAt = time.Now().UTC()
	if err := r.store.Backends.Update(ctx, backend); err != nil {
		return nil, fmt.Errorf("refreshing backend %s: %w", backend.Name, err)
	}

	sort.Strings(result.DuplicateNames)
	return result, nil
}

// fetchGroups loads remotes/repositories/distributions of one type and
// groups them by repository name (§4.5 step 2). On a name collision it
// keeps the lexicographically smallest href and records the name as a
// duplicate.
func fetchGroups(ctx context.Context, c *pulpclient.Client, repoType models.RepoType) ([]group, []string, error) {
	repos, err := listRepositories(ctx, c, repoType)
	if err != nil {
		return nil, nil, err
	}
	remotes, err := listRemotes(ctx, c, repoType)
	if err != nil {
		return nil, nil, err
	}
	distributions, err := listDistributions(ctx, c, repoType)
	if err != nil {
		return nil, nil, err
	}

	byRepoHref := make(map[string]*pulpapi.Distribution, len(distributions))
	for i := range distributions {
		if distributions[i].Repository != "" {
			byRepoHref[distributions[i].Repository] = &distributions[i]
		}
	}
	remoteByHref := make(map[string]*pulpapi.Remote, len(remotes))
	for i := range remotes {
		remoteByHref[remotes[i].PulpHref] = &remotes[i]
	}

	byName := make(map[string]group)
	var dupes []string
	for i := range repos {
		repo := repos[i]
		existing, ok := byName[repo.Name]
		if ok {
			dupes = append(dupes, repo.Name)
			if repo.PulpHref >= existing.repository.PulpHref {
				slog.Warn("reconciler: duplicate repository name, keeping lexicographically smallest href",
					"name", repo.Name, "kept_href", existing.repository.PulpHref, "dropped_href", repo.PulpHref)
				continue
			}
			slog.Warn("reconciler: duplicate repository name, keeping lexicographically smallest href",
				"name", repo.Name, "kept_href", repo.PulpHref, "dropped_href", existing.repository.PulpHref)
		}

		g := group{name: repo.Name, repository: &repos[i]}
		if repo.Remote != "" {
			g.remote = remoteByHref[repo.Remote]
		}
		g.distribution = byRepoHref[repo.PulpHref]
		byName[repo.Name] = g
	}

	groups := make([]group, 0, len(byName))
	for _, g := range byName {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].name < groups[j].name })
	return groups, dupes, nil
}

func listRepositories(ctx context.Context, c *pulpclient.Client, t models.RepoType) ([]pulpapi.Repository, error) {
	path, err := pulpapi.RepositoriesPath(t)
	if err != nil {
		return nil, err
	}
	return decodePages[pulpapi.Repository](ctx, c, path)
}

func listRemotes(ctx context.Context, c *pulpclient.Client, t models.RepoType) ([]pulpapi.Remote, error) {
	path, err := pulpapi.RemotesPath(t)
	if err != nil {
		return nil, err
	}
	return decodePages[pulpapi.Remote](ctx, c, path)
}

func listDistributions(ctx context.Context, c *pulpclient.Client, t models.RepoType) ([]pulpapi.Distribution, error) {
	path, err := pulpapi.DistributionsPath(t)
	if err != nil {
		return nil, err
	}
	return decodePages[pulpapi.Distribution](ctx, c, path)
}

// upsertBackendRepo ensures a Repo row exists with (name, repo_type) and
// upserts the BackendRepo linking it to backendID (§4.5 step 3).
func (r *Reconciler) upsertBackendRepo(ctx context.Context, backendID int64, repoType models.RepoType, g group) (int64, error) {
	repo, err := r.ensureRepo(ctx, g.name, repoType)
	if err != nil {
		return 0, err
	}

	existing, err := r.store.BackendRepos.First(ctx, &store.Query{
		Conditions: []store.Condition{
			{Field: "backend_id", Op: store.OpEq, Value: backendID},
			{Field: "repo_id", Op: store.OpEq, Value: repo.ID},
		},
	})
	if err != nil && !isNotFound(err) {
		return 0, fmt.Errorf("looking up backend repo %s: %w", g.name, err)
	}

	now := time.Now().UTC()
	br := existing
	if br == nil {
		br = &models.BackendRepo{BackendID: backendID, RepoID: repo.ID, CreatedAt: now}
	}
	br.UpdatedAt = now
	br.RepoHref = g.repository.PulpHref
	if g.remote != nil {
		br.RemoteHref = g.remote.PulpHref
		br.RemoteFeed = g.remote.URL
	} else {
		br.RemoteHref = ""
		br.RemoteFeed = ""
	}
	if g.distribution != nil {
		br.DistributionHref = g.distribution.PulpHref
	} else {
		br.DistributionHref = ""
	}

	if existing == nil {
		id, err := r.store.BackendRepos.Add(ctx, br)
		if err != nil {
			return 0, fmt.Errorf("creating backend repo %s: %w", g.name, err)
		}
		return id, nil
	}
	if err := r.store.BackendRepos.Update(ctx, br); err != nil {
		return 0, fmt.Errorf("updating backend repo %s: %w", g.name, err)
	}
	return br.ID, nil
}

// ensureRepo implements §4.5 step 3a: find-or-create a Repo by name, erroring
// if an existing row's type disagrees (Repo identity does not change type).
func (r *Reconciler) ensureRepo(ctx context.Context, name string, repoType models.RepoType) (*models.Repo, error) {
	existing, err := r.store.Repos.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: name}},
	})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("looking up repo %s: %w", name, err)
	}
	if existing != nil {
		if existing.RepoType != repoType {
			return nil, fmt.Errorf("repo %s already exists with type %s, backend reports %s", name, existing.RepoType, repoType)
		}
		return existing, nil
	}

	repo := &models.Repo{Name: name, RepoType: repoType, CreatedAt: time.Now().UTC()}
	id, err := r.store.Repos.Add(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("creating repo %s: %w", name, err)
	}
	repo.ID = id
	return repo, nil
}

// removeStale deletes BackendRepo rows belonging to backendID that were not
// observed in this pass (§4.5 step 4; cascades BackendRepoTaskLinks via the
// migration's ON DELETE CASCADE).
func (r *Reconciler) removeStale(ctx context.Context, backendID int64, seen map[int64]bool) (int, error) {
	existing, err := r.store.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backendID}},
	})
	if err != nil {
		return 0, fmt.Errorf("listing backend repos for backend %d: %w", backendID, err)
	}

	removed := 0
	for _, br := range existing {
		if seen[br.ID] {
			continue
		}
		if err := r.store.BackendRepos.Delete(ctx, br.ID); err != nil {
			return removed, fmt.Errorf("removing stale backend repo %d: %w", br.ID, err)
		}
		removed++
	}
	return removed, nil
}

func decodePages[T any](ctx context.Context, c *pulpclient.Client, path string) ([]T, error) {
	raw, err := c.GetPages(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var item T
		if err := json.Unmarshal(r, &item); err != nil {
			return nil, fmt.Errorf("decoding %s item: %w", path, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, pulperr.ErrNotFound)
}

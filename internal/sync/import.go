package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulpfleet/manager/internal/pulpapi"
	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

// importFromSource implements §4.6 step 2's "slave syncs from master"
// pre-step: for every repo the source backend has that this backend lacks,
// create a matching remote/repository/distribution on this backend so the
// following C5 reconcile materializes the local Repo/BackendRepo rows.
func (c *Controller) importFromSource(ctx context.Context, client *pulpclient.Client, backend *models.Backend, sourceName string) error {
	source, err := c.store.Backends.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: sourceName}},
	})
	if err != nil {
		return fmt.Errorf("looking up source backend %s: %w", sourceName, err)
	}

	sourceRepos, err := c.store.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: source.ID}},
		Eager:      []string{"repo"},
	})
	if err != nil {
		return fmt.Errorf("listing repos on source backend %s: %w", sourceName, err)
	}

	targetRepos, err := c.store.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backend.ID}},
		Eager:      []string{"repo"},
	})
	if err != nil {
		return fmt.Errorf("listing existing repos on backend %s: %w", backend.Name, err)
	}
	existing := make(map[string]bool, len(targetRepos))
	for _, br := range targetRepos {
		existing[br.Repo.Name] = true
	}

	for _, sbr := range sourceRepos {
		if existing[sbr.Repo.Name] || sbr.RemoteFeed == "" {
			continue
		}
		if err := createRemoteRepoDistribution(ctx, client, sbr.Repo.RepoType, sbr.Repo.Name, sbr.RemoteFeed); err != nil {
			return fmt.Errorf("importing repo %s from %s: %w", sbr.Repo.Name, sourceName, err)
		}
	}
	return nil
}

// createRemoteRepoDistribution creates a minimal remote/repository/
// distribution triple on the target backend (§6.1: POST create calls return
// the resource object directly, not a task).
func createRemoteRepoDistribution(ctx context.Context, client *pulpclient.Client, repoType models.RepoType, name, feedURL string) error {
	remotePath, err := pulpapi.RemotesPath(repoType)
	if err != nil {
		return err
	}
	remoteResp, err := client.Post(ctx, remotePath, map[string]interface{}{"name": name, "url": feedURL})
	if err != nil {
		return fmt.Errorf("creating remote %s: %w", name, err)
	}
	var remote pulpapi.Remote
	if err := json.Unmarshal(remoteResp, &remote); err != nil {
		return fmt.Errorf("decoding created remote %s: %w", name, err)
	}

	repoPath, err := pulpapi.RepositoriesPath(repoType)
	if err != nil {
		return err
	}
	repoResp, err := client.Post(ctx, repoPath, map[string]interface{}{"name": name, "remote": remote.PulpHref})
	if err != nil {
		return fmt.Errorf("creating repository %s: %w", name, err)
	}
	var repo pulpapi.Repository
	if err := json.Unmarshal(repoResp, &repo); err != nil {
		return fmt.Errorf("decoding created repository %s: %w", name, err)
	}

	distPath, err := pulpapi.DistributionsPath(repoType)
	if err != nil {
		return err
	}
	if _, err := client.Post(ctx, distPath, map[string]interface{}{
		"name": name, "base_path": name, "repository": repo.PulpHref,
	}); err != nil {
		return fmt.Errorf("creating distribution %s: %w", name, err)
	}
	return nil
}

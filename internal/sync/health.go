package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

// rollupHealth recomputes every BackendRepo's I4 health from its last five
// linked tasks and the Backend's I3 rollup over all of them (§4.6 "Health
// computation (after all children)").
func (c *Controller) rollupHealth(ctx context.Context, backend *models.Backend) error {
	repos, err := c.store.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backend.ID}},
	})
	if err != nil {
		return fmt.Errorf("listing backend repos for %s: %w", backend.Name, err)
	}

	now := time.Now().UTC()
	healths := make([]models.Health, 0, len(repos))
	for _, br := range repos {
		last5, err := c.tasks.LastStates(ctx, br.ID, models.BackendRepoHealthWindow)
		if err != nil {
			return fmt.Errorf("loading task history for backend repo %d: %w", br.ID, err)
		}
		health := models.ClassifyBackendRepoHealth(last5)
		br.RepoSyncHealth = health
		br.RepoSyncHealthUpdatedAt = &now
		if err := c.store.BackendRepos.Update(ctx, br); err != nil {
			return fmt.Errorf("updating health for backend repo %d: %w", br.ID, err)
		}
		healths = append(healths, health)
	}

	backend.RepoSyncHealthRollup = models.RollupBackendHealth(healths)
	backend.RepoSyncHealthRollupUpdatedAt = &now
	backend.UpdatedAt = now
	if err := c.store.Backends.Update(ctx, backend); err != nil {
		return fmt.Errorf("updating health rollup for backend %s: %w", backend.Name, err)
	}
	return nil
}

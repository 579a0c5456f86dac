// Package removal is the C8 removal controllers: bulk repo removal
// (remove_repos) and single content-unit removal (remove_repo_content)
// (§4.8).
package removal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/internal/pulpapi"
	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/pulperr"
	"github.com/pulpfleet/manager/internal/reconciler"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/internal/tasks"
	"github.com/pulpfleet/manager/internal/vault"
	"github.com/pulpfleet/manager/models"
)

const (
	stageFindRepos = "getting repos for removal"
	stageRemove    = "removing repositories, distributions and remotes"
	stageFindRepo  = "finding repo on pulp server"
	stageModify    = "modifying repo content"
	stagePublish   = "repo publication"
	stageSkip      = "repo publication skipped as no new resources created from modify"
)

// Controller drives remove_repos and remove_repo_content (§4.8).
type Controller struct {
	store   *store.Store
	tasks   *tasks.Service
	vault   vault.Provider
	pulpCfg config.PulpConfig
	poll    pulpapi.PollOptions
}

// New builds a Controller bound to s/t, resolving backend credentials
// through v and applying the service-wide poll policy in pulpCfg.
func New(s *store.Store, t *tasks.Service, v vault.Provider, pulpCfg config.PulpConfig) *Controller {
	poll := pulpapi.PollOptions{
		Interval:     time.Duration(pulpCfg.PollIntervalSeconds) * time.Second,
		MaxWaitCount: pulpCfg.MaxWaitCount,
	}
	return &Controller{store: s, tasks: t, vault: v, pulpCfg: pulpCfg, poll: poll}
}

// RemoveReposOptions carries remove_repos' parameters (§4.8.1 entry point).
type RemoveReposOptions struct {
	BackendName  string
	RegexInclude string
	RegexExclude string
	DryRun       bool
	TaskID       *int64
	Worker       string
}

// RemoveRepos runs one full remove_repos pass against a backend (§4.8.1).
// At least one of RegexInclude/RegexExclude must be set. Selected
// BackendRepos need not carry a remote_feed (unlike C6's selectEligible).
func (c *Controller) RemoveRepos(ctx context.Context, opts RemoveReposOptions) (*models.Task, error) {
	if opts.RegexInclude == "" && opts.RegexExclude == "" {
		return nil, fmt.Errorf("remove_repos %s: must specify at least one of regex_include or regex_exclude: %w", opts.BackendName, pulperr.ErrValidation)
	}

	backend, err := c.store.Backends.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: opts.BackendName}},
	})
	if err != nil {
		return nil, fmt.Errorf("looking up backend %s: %w", opts.BackendName, err)
	}

	task, err := c.acquireParentTask(ctx, opts, backend)
	if err != nil {
		return nil, err
	}
	if err := c.tasks.Transition(ctx, task.ID, models.TaskStateRunning); err != nil {
		return task, err
	}

	selected, err := c.selectForRemoval(ctx, task.ID, backend.ID, opts.RegexInclude, opts.RegexExclude)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}

	var client *pulpclient.Client
	if !opts.DryRun {
		client, err = c.newClient(ctx, backend)
		if err != nil {
			_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
			return task, err
		}
	}

	succeeded, err := c.removeSelected(ctx, task.ID, client, selected, opts.DryRun)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}

	if !opts.DryRun && succeeded > 0 {
		rec := reconciler.New(c.store)
		if _, err := rec.Reconcile(ctx, client, backend.ID); err != nil {
			slog.Warn("removal: post-removal reconcile failed", "backend", backend.Name, "error", err)
		}
	}

	if err := c.tasks.CompleteTask(ctx, task.ID); err != nil {
		return task, err
	}
	return c.store.Tasks.GetByID(ctx, task.ID)
}

func (c *Controller) acquireParentTask(ctx context.Context, opts RemoveReposOptions, backend *models.Backend) (*models.Task, error) {
	if opts.TaskID != nil {
		return c.store.Tasks.GetByID(ctx, *opts.TaskID)
	}
	args := map[string]interface{}{
		"backend_name":  opts.BackendName,
		"regex_include": opts.RegexInclude,
		"regex_exclude": opts.RegexExclude,
		"dry_run":       opts.DryRun,
	}
	return c.tasks.CreateTask(ctx, fmt.Sprintf("%s repo removal", backend.Name), models.TaskTypeRepoRemoval, args, tasks.CreateTaskOptions{Worker: opts.Worker})
}

func (c *Controller) newClient(ctx context.Context, backend *models.Backend) (*pulpclient.Client, error) {
	return pulpclient.New(ctx, pulpclient.Config{
		BaseURL:       backend.BaseURL,
		Username:      backend.Username,
		VaultMount:    backend.VaultMount,
		TLSConfigured: strings.HasPrefix(backend.BaseURL, "https://"),
	}, c.vault)
}

// selectForRemoval returns BackendRepos matching include/exclude (exclude
// wins), without the remote_feed requirement C6 applies (§4.8.1), and
// records the "getting repos for removal" stage.
func (c *Controller) selectForRemoval(ctx context.Context, taskID, backendID int64, include, exclude string) ([]*models.BackendRepo, error) {
	stageName := stageFindRepos
	detail, _ := json.Marshal(map[string]string{"msg": "getting repos for removal based on regex patterns"})
	if _, err := c.tasks.AddStage(ctx, taskID, stageName, string(detail)); err != nil {
		slog.Warn("removal: failed recording find-repos stage", "task_id", taskID, "error", err)
	}

	var includeRe, excludeRe *regexp.Regexp
	var err error
	if include != "" {
		if includeRe, err = regexp.Compile(include); err != nil {
			return nil, fmt.Errorf("compiling include regex %q: %w", include, err)
		}
	}
	if exclude != "" {
		if excludeRe, err = regexp.Compile(exclude); err != nil {
			return nil, fmt.Errorf("compiling exclude regex %q: %w", exclude, err)
		}
	}

	all, err := c.store.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backendID}},
		SortBy:     "id",
		Order:      "asc",
		Eager:      []string{"repo"},
	})
	if err != nil {
		return nil, fmt.Errorf("listing backend repos for backend %d: %w", backendID, err)
	}

	var selected []*models.BackendRepo
	names := make([]string, 0, len(all))
	for _, br := range all {
		name := br.Repo.Name
		if includeRe != nil && !includeRe.MatchString(name) {
			continue
		}
		if excludeRe != nil && excludeRe.MatchString(name) {
			continue
		}
		selected = append(selected, br)
		names = append(names, name)
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("no repositories found matching the regex pattern: %w", pulperr.ErrValidation)
	}

	msg := "Found matching repositories: " + strings.Join(names, ", ")
	detail, _ = json.Marshal(map[string]string{"msg": msg})
	if _, err := c.tasks.AddStage(ctx, taskID, stageName, string(detail)); err != nil {
		slog.Warn("removal: failed updating find-repos stage", "task_id", taskID, "error", err)
	}
	return selected, nil
}

// removeSelected deletes distribution -> repository -> remote for each
// selected repo, in order, sequentially (not concurrent), per §4.8.1.
// On dry_run the intent is logged and every repo counts as a success.
func (c *Controller) removeSelected(ctx context.Context, taskID int64, client *pulpclient.Client, selected []*models.BackendRepo, dryRun bool) (int, error) {
	stageName := stageRemove
	detail, _ := json.Marshal(map[string]string{"msg": fmt.Sprintf("preparing to remove %d repositories, distributions, and remotes", len(selected))})
	stage, err := c.tasks.AddStage(ctx, taskID, stageName, string(detail))
	if err != nil {
		slog.Warn("removal: failed recording remove stage", "task_id", taskID, "error", err)
	}

	succeeded, failed := 0, 0

	if dryRun {
		for _, br := range selected {
			slog.Info("removal: dry run, would remove", "repo", br.Repo.Name, "distribution_href", br.DistributionHref, "repo_href", br.RepoHref, "remote_href", br.RemoteHref)
		}
		succeeded = len(selected)
	} else {
		for _, br := range selected {
			if err := c.deleteOne(ctx, client, br); err != nil {
				slog.Error("removal: failed removing repo", "repo", br.Repo.Name, "error", err)
				failed++
				continue
			}
			if err := c.store.BackendRepos.Delete(ctx, br.ID); err != nil {
				slog.Warn("removal: failed deleting local backend repo row", "repo", br.Repo.Name, "error", err)
			}
			succeeded++
		}
	}

	msg := fmt.Sprintf("completed removing repositories, distributions, and remotes. successfully removed %d, failed to remove %d", succeeded, failed)
	if dryRun {
		msg += " (dry run)"
	}
	if stage != nil {
		detail, _ = json.Marshal(map[string]string{"msg": msg})
		s := string(detail)
		if err := c.tasks.UpdateStage(ctx, stage.ID, tasks.UpdateStageOptions{Detail: &s}); err != nil {
			slog.Warn("removal: failed updating remove stage", "task_id", taskID, "error", err)
		}
	}

	return succeeded, nil
}

// deleteOne deletes the distribution (if any), the repository, then the
// remote (if any), polling each backend task to completion before the next
// (§4.8.1 "sequential, not concurrent").
func (c *Controller) deleteOne(ctx context.Context, client *pulpclient.Client, br *models.BackendRepo) error {
	if br.DistributionHref != "" {
		if err := c.deleteAndPoll(ctx, client, br.DistributionHref); err != nil {
			return fmt.Errorf("deleting distribution %s: %w", br.DistributionHref, err)
		}
	}
	if err := c.deleteAndPoll(ctx, client, br.RepoHref); err != nil {
		return fmt.Errorf("deleting repository %s: %w", br.RepoHref, err)
	}
	if br.RemoteHref != "" {
		if err := c.deleteAndPoll(ctx, client, br.RemoteHref); err != nil {
			return fmt.Errorf("deleting remote %s: %w", br.RemoteHref, err)
		}
	}
	return nil
}

func (c *Controller) deleteAndPoll(ctx context.Context, client *pulpclient.Client, href string) error {
	respBody, err := client.Delete(ctx, href)
	if err != nil {
		return err
	}
	taskHref, err := extractTaskHref(respBody)
	if err != nil {
		return err
	}
	_, err = pulpapi.PollTask(ctx, client, taskHref, c.poll)
	return err
}

type taskHrefResponse struct {
	Task string `json:"task"`
}

func extractTaskHref(body []byte) (string, error) {
	var resp taskHrefResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding task href response: %w", err)
	}
	if resp.Task == "" {
		return "", fmt.Errorf("response carried no task href")
	}
	return resp.Task, nil
}

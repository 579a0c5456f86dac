package removal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pulpfleet/manager/internal/pulpapi"
	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/pulperr"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

// RemoveRepoContentOptions carries remove_repo_content's parameters
// (§4.8.2 entry point). Unlike the group controllers this always resumes an
// existing task: the task is created by the caller (C10) up front.
type RemoveRepoContentOptions struct {
	BackendName  string
	RepoName     string
	ContentHref  string
	TaskID       int64
	ForcePublish bool
	Worker       string
}

// RemoveRepoContent removes one content unit from a repo's latest version
// and republishes if a new version was created (or ForcePublish is set)
// (§4.8.2).
func (c *Controller) RemoveRepoContent(ctx context.Context, opts RemoveRepoContentOptions) (*models.Task, error) {
	task, err := c.store.Tasks.GetByID(ctx, opts.TaskID)
	if err != nil {
		return nil, fmt.Errorf("looking up task %d: %w", opts.TaskID, err)
	}
	if err := c.tasks.Transition(ctx, task.ID, models.TaskStateRunning); err != nil {
		return task, err
	}

	if _, err := c.tasks.AddStage(ctx, task.ID, stageFindRepo, ""); err != nil {
		slog.Warn("removal: failed recording find-repo stage", "task_id", task.ID, "error", err)
	}

	backend, err := c.store.Backends.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: opts.BackendName}},
	})
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, fmt.Errorf("looking up backend %s: %w", opts.BackendName, err)
	}

	br, err := c.findBackendRepo(ctx, backend.ID, opts.RepoName)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}
	if _, err := c.store.TaskLinks.Add(ctx, &models.BackendRepoTaskLink{BackendRepoID: br.ID, TaskID: task.ID}); err != nil {
		slog.Warn("removal: failed linking task to backend repo", "task_id", task.ID, "error", err)
	}

	client, err := c.newClient(ctx, backend)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}

	if err := c.removeContent(ctx, client, task, br, opts.ContentHref, opts.ForcePublish); err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}

	if err := c.tasks.CompleteTask(ctx, task.ID); err != nil {
		return task, err
	}
	return c.store.Tasks.GetByID(ctx, task.ID)
}

// findBackendRepo looks up a BackendRepo by (backend_name already resolved
// to backendID, repo_name), failing not-found if absent (§4.8.2 step 1).
func (c *Controller) findBackendRepo(ctx context.Context, backendID int64, repoName string) (*models.BackendRepo, error) {
	all, err := c.store.BackendRepos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backendID}},
		Eager:      []string{"repo"},
	})
	if err != nil {
		return nil, fmt.Errorf("listing backend repos for backend %d: %w", backendID, err)
	}
	for _, br := range all {
		if br.Repo.Name == repoName {
			return br, nil
		}
	}
	return nil, fmt.Errorf("repo with name %s on backend not found: %w", repoName, pulperr.ErrNotFound)
}

// removeContent implements §4.8.2 steps 2-4: modify the repo's latest
// version to drop contentHref, then publish unless nothing changed and
// forcePublish is false.
func (c *Controller) removeContent(ctx context.Context, client *pulpclient.Client, task *models.Task, br *models.BackendRepo, contentHref string, forcePublish bool) error {
	repo, err := c.getRepo(ctx, client, br.RepoHref)
	if err != nil {
		return err
	}

	modifyBody := map[string]interface{}{"base_version": repo.LatestVersionHref, "remove_content_units": []string{contentHref}}
	respBody, err := client.Post(ctx, br.RepoHref+"modify/", modifyBody)
	if err != nil {
		return fmt.Errorf("modifying repo %s: %w", br.Repo.Name, err)
	}
	taskHref, err := extractTaskHref(respBody)
	if err != nil {
		return err
	}
	detail, _ := json.Marshal(map[string]string{"msg": "task in state running", "task_href": taskHref})
	if _, err := c.tasks.AddStage(ctx, task.ID, stageModify, string(detail)); err != nil {
		slog.Warn("removal: failed recording modify stage", "task_id", task.ID, "error", err)
	}

	modifyTask, err := pulpapi.PollTask(ctx, client, taskHref, c.poll)
	if err != nil {
		return err
	}

	if len(modifyTask.CreatedResources) == 0 && !forcePublish {
		if _, err := c.tasks.AddStage(ctx, task.ID, stageSkip, ""); err != nil {
			slog.Warn("removal: failed recording publish-skip stage", "task_id", task.ID, "error", err)
		}
		return nil
	}

	versionToPublish := repo.LatestVersionHref
	if len(modifyTask.CreatedResources) > 0 {
		versionToPublish = modifyTask.CreatedResources[0]
	}

	flat := false
	if br.Repo.RepoType == models.RepoTypeDEB && br.RemoteHref != "" {
		remote, err := c.getRemote(ctx, client, br.RemoteHref)
		if err == nil {
			flat = remote.IsFlatRepo()
		}
	}

	path, err := pulpapi.PublicationsPath(br.Repo.RepoType)
	if err != nil {
		return err
	}
	pubBody := publicationBody(br.Repo.RepoType, versionToPublish, flat)

	respBody, err = client.Post(ctx, path, pubBody)
	if err != nil {
		return fmt.Errorf("publishing repo %s: %w", br.Repo.Name, err)
	}
	pubTaskHref, err := extractTaskHref(respBody)
	if err != nil {
		return err
	}
	detail, _ = json.Marshal(map[string]string{"msg": "task in state running", "task_href": pubTaskHref})
	if _, err := c.tasks.AddStage(ctx, task.ID, fmt.Sprintf("publishing repo version %s", versionToPublish), string(detail)); err != nil {
		slog.Warn("removal: failed recording publish stage", "task_id", task.ID, "error", err)
	}

	_, err = pulpapi.PollTask(ctx, client, pubTaskHref, c.poll)
	return err
}

func publicationBody(t models.RepoType, versionHref string, flat bool) map[string]interface{} {
	if t == models.RepoTypeDEB {
		return map[string]interface{}{"repository_version": versionHref, "structured": !flat, "simple": flat}
	}
	return map[string]interface{}{"repository_version": versionHref, "checksum_type": "sha256", "sqlite_metadata": false}
}

func (c *Controller) getRepo(ctx context.Context, client *pulpclient.Client, href string) (*pulpapi.Repository, error) {
	body, err := client.Get(ctx, href)
	if err != nil {
		return nil, fmt.Errorf("fetching repo %s: %w", href, err)
	}
	var repo pulpapi.Repository
	if err := json.Unmarshal(body, &repo); err != nil {
		return nil, fmt.Errorf("decoding repo %s: %w", href, err)
	}
	return &repo, nil
}

func (c *Controller) getRemote(ctx context.Context, client *pulpclient.Client, href string) (*pulpapi.Remote, error) {
	body, err := client.Get(ctx, href)
	if err != nil {
		return nil, fmt.Errorf("fetching remote %s: %w", href, err)
	}
	var remote pulpapi.Remote
	if err := json.Unmarshal(body, &remote); err != nil {
		return nil, fmt.Errorf("decoding remote %s: %w", href, err)
	}
	return &remote, nil
}

// Package sync is the C6 sync controller: it drives per-backend repo_group
// syncs, cycling each selected BackendRepo through sync -> (maybe) banned
// package removal -> publish, bounded by a fixed worker pool (§4.6).
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
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

// Stage names, matching the original service's stage-name constants.
const (
	stageReconcile    = "reconcile"
	stageSync         = "sync repo"
	stageBannedRemove = "remove banned packages"
	stagePublish      = "publish repo"
	stageProgress     = "scheduler progress"
)

// Controller drives sync_repos (§4.6).
type Controller struct {
	store   *store.Store
	tasks   *tasks.Service
	vault   vault.Provider
	pulpCfg config.PulpConfig
	poll    pulpapi.PollOptions
}

// New builds a Controller bound to s/t, resolving backend credentials
// through v and applying the service-wide banned-package/internal-domain
// policy in pulpCfg.
func New(s *store.Store, t *tasks.Service, v vault.Provider, pulpCfg config.PulpConfig) *Controller {
	poll := pulpapi.PollOptions{
		Interval:     time.Duration(pulpCfg.PollIntervalSeconds) * time.Second,
		MaxWaitCount: pulpCfg.MaxWaitCount,
	}
	return &Controller{store: s, tasks: t, vault: v, pulpCfg: pulpCfg, poll: poll}
}

// Options carries sync_repos' parameters (§4.6 entry point).
type Options struct {
	BackendName        string                 `json:"backend_name"`
	MaxConcurrentSyncs int                    `json:"max_concurrent_syncs"`
	RegexInclude       string                 `json:"regex_include"`
	RegexExclude       string                 `json:"regex_exclude"`
	SourceBackendName  string                 `json:"source_backend_name"`
	SyncOptions        map[string]interface{} `json:"sync_options"`
	TaskID             *int64                 `json:"task_id"`
	Worker             string                 `json:"worker"`
}

type childJob struct {
	backendRepo *models.BackendRepo
	task        *models.Task
}

// SyncRepos runs one full repo_group_sync against a backend (§4.6).
func (c *Controller) SyncRepos(ctx context.Context, opts Options) (*models.Task, error) {
	if opts.MaxConcurrentSyncs <= 0 {
		return nil, fmt.Errorf("sync_repos %s: max_concurrent_syncs must be > 0: %w", opts.BackendName, pulperr.ErrValidation)
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

	client, err := c.newClient(ctx, backend)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}

	if opts.SourceBackendName != "" {
		if err := c.importFromSource(ctx, client, backend, opts.SourceBackendName); err != nil {
			_ = c.tasks.LogTaskError(ctx, task.ID, fmt.Sprintf("importing from source backend %s: %s", opts.SourceBackendName, err))
			return task, fmt.Errorf("importing from source backend %s: %w", opts.SourceBackendName, err)
		}
	}

	rec := reconciler.New(c.store)
	result, err := rec.Reconcile(ctx, client, backend.ID)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}
	reconcileDetail, _ := json.Marshal(map[string]interface{}{
		"repos_seen": result.ReposSeen, "repos_removed": result.ReposRemoved, "duplicate_names": result.DuplicateNames,
	})
	if _, err := c.tasks.AddStage(ctx, task.ID, stageReconcile, string(reconcileDetail)); err != nil {
		slog.Warn("sync: failed recording reconcile stage", "task_id", task.ID, "error", err)
	}

	selected, err := c.selectEligible(ctx, backend.ID, opts.RegexInclude, opts.RegexExclude)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}
	reverseBackendRepos(selected)

	children := make([]*childJob, 0, len(selected))
	for _, br := range selected {
		child, err := c.tasks.CreateTask(ctx, fmt.Sprintf("sync %s", br.RepoHref), models.TaskTypeRepoSync, nil, tasks.CreateTaskOptions{
			ParentTaskID: &task.ID, Worker: opts.Worker,
		})
		if err != nil {
			_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
			return task, err
		}
		if _, err := c.store.TaskLinks.Add(ctx, &models.BackendRepoTaskLink{BackendRepoID: br.ID, TaskID: child.ID}); err != nil {
			_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
			return task, fmt.Errorf("linking task %d to backend repo %d: %w", child.ID, br.ID, err)
		}
		children = append(children, &childJob{backendRepo: br, task: child})
	}

	c.runChildren(ctx, task.ID, client, children, opts.MaxConcurrentSyncs, opts.SyncOptions)

	if err := c.rollupHealth(ctx, backend); err != nil {
		slog.Warn("sync: health rollup failed", "backend", backend.Name, "error", err)
	}

	if err := c.tasks.CompleteTask(ctx, task.ID); err != nil {
		return task, err
	}
	return c.store.Tasks.GetByID(ctx, task.ID)
}

// acquireParentTask resumes an existing task (TaskID set, e.g. a scheduled
// job replaying its own task id) or creates a fresh repo_group_sync task.
func (c *Controller) acquireParentTask(ctx context.Context, opts Options, backend *models.Backend) (*models.Task, error) {
	if opts.TaskID != nil {
		return c.store.Tasks.GetByID(ctx, *opts.TaskID)
	}
	args := map[string]interface{}{
		"backend_name":         opts.BackendName,
		"max_concurrent_syncs": opts.MaxConcurrentSyncs,
		"regex_include":        opts.RegexInclude,
		"regex_exclude":        opts.RegexExclude,
		"source_backend_name":  opts.SourceBackendName,
		"sync_options":         opts.SyncOptions,
	}
	return c.tasks.CreateTask(ctx, fmt.Sprintf("sync repos on %s", backend.Name), models.TaskTypeRepoGroupSync, args, tasks.CreateTaskOptions{Worker: opts.Worker})
}

// newClient constructs a per-backend REST client, inferring TLS from the
// scheme of the stored BaseURL (§4.2/§6.2).
func (c *Controller) newClient(ctx context.Context, backend *models.Backend) (*pulpclient.Client, error) {
	return pulpclient.New(ctx, pulpclient.Config{
		BaseURL:       backend.BaseURL,
		Username:      backend.Username,
		VaultMount:    backend.VaultMount,
		TLSConfigured: strings.HasPrefix(backend.BaseURL, "https://"),
	}, c.vault)
}

// selectEligible returns BackendRepos with a non-empty remote_feed whose
// name matches include and does not match exclude, exclude winning on
// conflict (§4.6 step 4), eager-loading Repo for repo-type dispatch.
func (c *Controller) selectEligible(ctx context.Context, backendID int64, include, exclude string) ([]*models.BackendRepo, error) {
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

	selected := make([]*models.BackendRepo, 0, len(all))
	for _, br := range all {
		if br.RemoteFeed == "" {
			continue
		}
		name := br.Repo.Name
		if includeRe != nil && !includeRe.MatchString(name) {
			continue
		}
		if excludeRe != nil && excludeRe.MatchString(name) {
			continue
		}
		selected = append(selected, br)
	}
	return selected, nil
}

func reverseBackendRepos(in []*models.BackendRepo) {
	for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
		in[i], in[j] = in[j], in[i]
	}
}

// runChildren drains children through a fixed worker pool of size
// maxConcurrent, grounded on the orchestrator's channel+WaitGroup pattern
// rather than the original's single-threaded pending/in_flight loop. Each
// worker runs one child's stage machine to completion before taking the
// next, satisfying the "at most N in flight" bound.
func (c *Controller) runChildren(ctx context.Context, parentTaskID int64, client *pulpclient.Client, children []*childJob, maxConcurrent int, syncOptions map[string]interface{}) {
	if len(children) == 0 {
		return
	}

	progressStage, err := c.tasks.AddStage(ctx, parentTaskID, stageProgress, "")
	if err != nil {
		slog.Warn("sync: failed to create progress stage", "task_id", parentTaskID, "error", err)
	}

	workers := maxConcurrent
	if workers > len(children) {
		workers = len(children)
	}

	jobCh := make(chan *childJob)
	var inFlight, completed int64
	total := int64(len(children))

	reportProgress := func() {
		if progressStage == nil {
			return
		}
		detail, _ := json.Marshal(map[string]int64{
			"in_flight": atomic.LoadInt64(&inFlight), "completed": atomic.LoadInt64(&completed), "total": total,
		})
		s := string(detail)
		if err := c.tasks.UpdateStage(ctx, progressStage.ID, tasks.UpdateStageOptions{Detail: &s}); err != nil {
			slog.Warn("sync: failed to update progress stage", "task_id", parentTaskID, "error", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				atomic.AddInt64(&inFlight, 1)
				reportProgress()
				c.runChildSync(ctx, client, job, syncOptions)
				atomic.AddInt64(&inFlight, -1)
				atomic.AddInt64(&completed, 1)
				reportProgress()
			}
		}()
	}

	for _, job := range children {
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()
}

// runChildSync drives one BackendRepo through sync_stage -> (maybe)
// remove_banned_packages_stage -> publish_stage (§4.6). Failures mark only
// this child task failed; the parent continues with the remaining children.
func (c *Controller) runChildSync(ctx context.Context, client *pulpclient.Client, job *childJob, syncOptions map[string]interface{}) {
	br, child := job.backendRepo, job.task

	if err := c.tasks.Transition(ctx, child.ID, models.TaskStateRunning); err != nil {
		slog.Error("sync: child task failed to start", "task_id", child.ID, "error", err)
		return
	}

	body := syncOptions
	if body == nil {
		body = map[string]interface{}{}
	}
	respBody, err := client.Post(ctx, br.RepoHref+"sync/", body)
	if err != nil {
		c.failChild(ctx, child, stageSync, "", err)
		return
	}
	taskHref, err := extractTaskHref(respBody)
	if err != nil {
		c.failChild(ctx, child, stageSync, "", err)
		return
	}
	detail, _ := json.Marshal(map[string]string{"task_href": taskHref})
	if _, err := c.tasks.AddStage(ctx, child.ID, stageSync, string(detail)); err != nil {
		slog.Warn("sync: failed recording sync stage", "task_id", child.ID, "error", err)
	}

	backendTask, err := pulpapi.PollTask(ctx, client, taskHref, c.poll)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, child.ID, err.Error())
		return
	}

	repo, err := c.getRepo(ctx, client, br.RepoHref)
	if err != nil {
		c.failChild(ctx, child, stageSync, "", err)
		return
	}

	if len(backendTask.CreatedResources) == 0 {
		exists, err := c.publicationExists(ctx, client, br.Repo.RepoType, repo.LatestVersionHref)
		if err == nil && exists {
			if err := c.tasks.CompleteTask(ctx, child.ID); err != nil {
				slog.Error("sync: failed completing already-published child", "task_id", child.ID, "error", err)
			}
			return
		}
	}

	versionToPublish := repo.LatestVersionHref
	if !c.isInternalFeed(br.RemoteFeed) {
		newVersion, err := c.removeBannedPackages(ctx, client, child, br, repo)
		if err != nil {
			_ = c.tasks.LogTaskError(ctx, child.ID, err.Error())
			return
		}
		if newVersion != "" {
			versionToPublish = newVersion
		}
	}

	if err := c.publish(ctx, client, child, br, versionToPublish); err != nil {
		_ = c.tasks.LogTaskError(ctx, child.ID, err.Error())
		return
	}

	if err := c.tasks.CompleteTask(ctx, child.ID); err != nil {
		slog.Error("sync: failed completing child task", "task_id", child.ID, "error", err)
	}
}

// removeBannedPackages implements remove_banned_packages_stage (§4.6),
// returning the modify call's new repository version href, or "" if
// nothing was removed.
func (c *Controller) removeBannedPackages(ctx context.Context, client *pulpclient.Client, child *models.Task, br *models.BackendRepo, repo *pulpapi.Repository) (string, error) {
	if c.pulpCfg.BannedPackageRegex == "" {
		_, _ = c.tasks.AddStage(ctx, child.ID, stageBannedRemove, `{"msg":"no banned package regex configured"}`)
		return "", nil
	}

	hrefs, err := c.bannedPackageHrefs(ctx, client, br.Repo.RepoType, repo.LatestVersionHref)
	if err != nil {
		return "", fmt.Errorf("finding banned packages: %w", err)
	}
	if len(hrefs) == 0 {
		_, _ = c.tasks.AddStage(ctx, child.ID, stageBannedRemove, `{"msg":"no packages to remove"}`)
		return "", nil
	}

	modifyBody := map[string]interface{}{"base_version": repo.LatestVersionHref, "remove_content_units": hrefs}
	respBody, err := client.Post(ctx, br.RepoHref+"modify/", modifyBody)
	if err != nil {
		return "", err
	}
	taskHref, err := extractTaskHref(respBody)
	if err != nil {
		return "", err
	}
	detail, _ := json.Marshal(map[string]interface{}{"task_href": taskHref, "removing": hrefs})
	if _, err := c.tasks.AddStage(ctx, child.ID, stageBannedRemove, string(detail)); err != nil {
		slog.Warn("sync: failed recording banned-package stage", "task_id", child.ID, "error", err)
	}

	backendTask, err := pulpapi.PollTask(ctx, client, taskHref, c.poll)
	if err != nil {
		return "", err
	}
	if len(backendTask.CreatedResources) > 0 {
		return backendTask.CreatedResources[0], nil
	}
	return "", nil
}

// bannedPackageHrefs enumerates content hrefs matching the banned-package
// regex in the latest repository version: DEB uses the backend's server-side
// package__iregex filter, other types fetch and filter locally (§4.6).
func (c *Controller) bannedPackageHrefs(ctx context.Context, client *pulpclient.Client, repoType models.RepoType, versionHref string) ([]string, error) {
	path, err := pulpapi.ContentPackagesPath(repoType)
	if err != nil {
		return nil, err
	}

	params := map[string]string{"repository_version": versionHref}
	var localFilter *regexp.Regexp
	if repoType == models.RepoTypeDEB {
		params["package__iregex"] = c.pulpCfg.BannedPackageRegex
	} else {
		localFilter, err = regexp.Compile(c.pulpCfg.BannedPackageRegex)
		if err != nil {
			return nil, fmt.Errorf("compiling banned package regex: %w", err)
		}
	}

	raw, err := client.GetPages(ctx, path+"?"+pulpclient.EncodeQuery(params))
	if err != nil {
		return nil, err
	}

	var hrefs []string
	for _, r := range raw {
		var item pulpapi.Content
		if err := json.Unmarshal(r, &item); err != nil {
			return nil, fmt.Errorf("decoding content item: %w", err)
		}
		if localFilter != nil && !localFilter.MatchString(item.Name) {
			continue
		}
		hrefs = append(hrefs, item.PulpHref)
	}
	return hrefs, nil
}

// publish implements publish_stage (§4.6): DEB repos publish flat when their
// remote's distributions is "/", structured otherwise; other types use
// sensible defaults (SHA-256 checksums, sqlite metadata off).
func (c *Controller) publish(ctx context.Context, client *pulpclient.Client, child *models.Task, br *models.BackendRepo, versionHref string) error {
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
	body := publicationBody(br.Repo.RepoType, versionHref, flat)

	respBody, err := client.Post(ctx, path, body)
	if err != nil {
		return err
	}
	taskHref, err := extractTaskHref(respBody)
	if err != nil {
		return err
	}
	detail, _ := json.Marshal(map[string]string{"task_href": taskHref})
	if _, err := c.tasks.AddStage(ctx, child.ID, stagePublish, string(detail)); err != nil {
		slog.Warn("sync: failed recording publish stage", "task_id", child.ID, "error", err)
	}

	_, err = pulpapi.PollTask(ctx, client, taskHref, c.poll)
	return err
}

func publicationBody(t models.RepoType, versionHref string, flat bool) map[string]interface{} {
	if t == models.RepoTypeDEB {
		return map[string]interface{}{"repository_version": versionHref, "structured": !flat, "simple": flat}
	}
	return map[string]interface{}{"repository_version": versionHref, "checksum_type": "sha256", "sqlite_metadata": false}
}

func (c *Controller) isInternalFeed(feed string) bool {
	for _, domain := range c.pulpCfg.InternalDomains {
		if domain != "" && strings.Contains(feed, domain) {
			return true
		}
	}
	return false
}

func (c *Controller) publicationExists(ctx context.Context, client *pulpclient.Client, repoType models.RepoType, versionHref string) (bool, error) {
	path, err := pulpapi.PublicationsPath(repoType)
	if err != nil {
		return false, err
	}
	raw, err := client.GetPages(ctx, path+"?repository_version="+url.QueryEscape(versionHref))
	if err != nil {
		return false, err
	}
	return len(raw) > 0, nil
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

// failChild marks child failed with a synthetic stage recording the error,
// used when a stage never got far enough to create its own stage row.
func (c *Controller) failChild(ctx context.Context, child *models.Task, stageName, detail string, err error) {
	if _, addErr := c.tasks.AddStage(ctx, child.ID, stageName, detail); addErr != nil {
		slog.Warn("sync: failed recording failure stage", "task_id", child.ID, "error", addErr)
	}
	if logErr := c.tasks.LogTaskError(ctx, child.ID, err.Error()); logErr != nil {
		slog.Error("sync: failed recording child task error", "task_id", child.ID, "error", logErr)
	}
}

// taskHrefResponse is the shape every mutating Pulp-style call returns
// (§6.1 "PATCH <repo_href> ... returns {task: <task_href>}").
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

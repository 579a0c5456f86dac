// Package snapshot is the C7 snapshot controller: it copies matched
// repositories into prefixed destination repositories and publishes them,
// bounded by a backend's max_concurrent_snapshots (§4.7).
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
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

// Stage names, matching the original service's SNAPSHOT_STAGE_NAME /
// PUBLISH_STAGE_NAME constants.
const (
	stageReconcile     = "reconcile repos"
	stageFindRepos     = "find repos to snapshot"
	stageSnapshotRepos = "snapshot repos"
	stageSnapshot      = "repo snapshot"
	stagePublish       = "repo publication"
)

// supportedForSnapshot is the implementation-supported snapshot set (§4.7):
// other repo types are logged and skipped.
var supportedForSnapshot = map[models.RepoType]bool{
	models.RepoTypeRPM: true,
	models.RepoTypeDEB: true,
}

// Controller drives snapshot_repos (§4.7).
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

// Options carries snapshot_repos' parameters (§4.7 entry point).
type Options struct {
	BackendName        string
	SnapshotPrefix     string
	RegexInclude       string
	RegexExclude       string
	TaskID             *int64
	AllowSnapshotReuse bool
	Worker             string
}

type childJob struct {
	source *models.BackendRepo
	task   *models.Task
}

// SnapshotRepos runs one full snapshot_repos against a backend (§4.7).
func (c *Controller) SnapshotRepos(ctx context.Context, opts Options) (*models.Task, error) {
	prefix := opts.SnapshotPrefix
	if !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}

	backend, err := c.store.Backends.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: opts.BackendName}},
	})
	if err != nil {
		return nil, fmt.Errorf("looking up backend %s: %w", opts.BackendName, err)
	}

	task, err := c.acquireParentTask(ctx, opts, backend, prefix)
	if err != nil {
		return nil, err
	}
	if err := c.tasks.Transition(ctx, task.ID, models.TaskStateRunning); err != nil {
		return task, err
	}

	// Preconditions (§4.7 "Preconditions checked at entry") are checked
	// before any backend interaction, ahead of the reconcile/select/snapshot
	// stages.
	if !backend.SnapshotSupported {
		err := fmt.Errorf("backend %s not supported for repo snapshots: %w", backend.Name, pulperr.ErrValidation)
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}
	if !opts.AllowSnapshotReuse {
		if err := c.snapshotAllowed(ctx, prefix); err != nil {
			_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
			return task, err
		}
	}

	client, err := c.newClient(ctx, backend)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}

	if err := c.reconcile(ctx, task.ID, client, backend.ID); err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}

	selected, err := c.selectForSnapshot(ctx, task.ID, backend.ID, opts.RegexInclude, opts.RegexExclude)
	if err != nil {
		_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
		return task, err
	}

	children := make([]*childJob, 0, len(selected))
	for _, br := range selected {
		child, err := c.tasks.CreateTask(ctx, fmt.Sprintf("snapshot %s", br.Repo.Name), models.TaskTypeRepoSnapshot, map[string]interface{}{
			"source_repo_href": br.RepoHref,
		}, tasks.CreateTaskOptions{ParentTaskID: &task.ID, Worker: opts.Worker})
		if err != nil {
			_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
			return task, err
		}
		if _, err := c.store.TaskLinks.Add(ctx, &models.BackendRepoTaskLink{BackendRepoID: br.ID, TaskID: child.ID}); err != nil {
			_ = c.tasks.LogTaskError(ctx, task.ID, err.Error())
			return task, fmt.Errorf("linking task %d to backend repo %d: %w", child.ID, br.ID, err)
		}
		children = append(children, &childJob{source: br, task: child})
	}

	c.runSnapshots(ctx, task.ID, client, backend, prefix, children)

	if err := c.tasks.CompleteTask(ctx, task.ID); err != nil {
		return task, err
	}
	return c.store.Tasks.GetByID(ctx, task.ID)
}

func (c *Controller) acquireParentTask(ctx context.Context, opts Options, backend *models.Backend, prefix string) (*models.Task, error) {
	if opts.TaskID != nil {
		return c.store.Tasks.GetByID(ctx, *opts.TaskID)
	}
	args := map[string]interface{}{
		"backend_name":             opts.BackendName,
		"snapshot_prefix":          prefix,
		"max_concurrent_snapshots": backend.MaxConcurrentSnapshots,
		"regex_include":            opts.RegexInclude,
		"regex_exclude":            opts.RegexExclude,
		"allow_snapshot_reuse":     opts.AllowSnapshotReuse,
	}
	return c.tasks.CreateTask(ctx, fmt.Sprintf("%s repo snapshot", backend.Name), models.TaskTypeRepoSnapshot, args, tasks.CreateTaskOptions{Worker: opts.Worker})
}

func (c *Controller) newClient(ctx context.Context, backend *models.Backend) (*pulpclient.Client, error) {
	return pulpclient.New(ctx, pulpclient.Config{
		BaseURL:       backend.BaseURL,
		Username:      backend.Username,
		VaultMount:    backend.VaultMount,
		TLSConfigured: strings.HasPrefix(backend.BaseURL, "https://"),
	}, c.vault)
}

// reconcile runs a C5 reconcile pass and records it as "reconcile repos"
// (§4.7's first stage, mirroring the original's _do_reconcile).
func (c *Controller) reconcile(ctx context.Context, taskID int64, client *pulpclient.Client, backendID int64) error {
	rec := reconciler.New(c.store)
	result, err := rec.Reconcile(ctx, client, backendID)
	if err != nil {
		_, _ = c.tasks.AddStage(ctx, taskID, stageReconcile, `{"msg":"failed to reconcile repos on pulp server"}`)
		return fmt.Errorf("reconciling backend: %w", err)
	}
	detail, _ := json.Marshal(map[string]interface{}{
		"msg": "completed repo reconcile", "repos_seen": result.ReposSeen, "repos_removed": result.ReposRemoved,
	})
	if _, err := c.tasks.AddStage(ctx, taskID, stageReconcile, string(detail)); err != nil {
		slog.Warn("snapshot: failed recording reconcile stage", "task_id", taskID, "error", err)
	}
	return nil
}

// snapshotAllowed implements the original's _snapshot_allowed guard: fail if
// any existing Repo name already starts with prefix (§4.7 precondition,
// S4 in spec.md §8).
func (c *Controller) snapshotAllowed(ctx context.Context, prefix string) error {
	existing, err := c.store.Repos.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpMatch, Value: prefix + "%"}},
	})
	if err != nil {
		return fmt.Errorf("checking for existing snapshots with prefix %s: %w", prefix, err)
	}
	for _, r := range existing {
		if strings.HasPrefix(r.Name, prefix) {
			return fmt.Errorf("snapshots with prefix %s already exist: %w", prefix, pulperr.ErrValidation)
		}
	}
	return nil
}

// selectForSnapshot returns BackendRepos matching include/exclude (exclude
// wins) whose repo_type is in the supported snapshot set, logging and
// skipping the rest, and records the "find repos to snapshot" stage (§4.7).
func (c *Controller) selectForSnapshot(ctx context.Context, taskID, backendID int64, include, exclude string) ([]*models.BackendRepo, error) {
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
	var excludedNotSupported []string
	for _, br := range all {
		name := br.Repo.Name
		if includeRe != nil && !includeRe.MatchString(name) {
			continue
		}
		if excludeRe != nil && excludeRe.MatchString(name) {
			continue
		}
		if !supportedForSnapshot[br.Repo.RepoType] {
			excludedNotSupported = append(excludedNotSupported, fmt.Sprintf("%s %s", name, br.Repo.RepoType))
			continue
		}
		selected = append(selected, br)
	}

	message := fmt.Sprintf("there are %d repos to snapshot. ", len(selected))
	if len(excludedNotSupported) > 0 {
		message += "The following repos will be excluded as not of a supported type: " + strings.Join(excludedNotSupported, ", ")
		slog.Info("snapshot: excluding unsupported repo types", "task_id", taskID, "excluded", excludedNotSupported)
	}
	detail, _ := json.Marshal(map[string]string{"msg": message})
	if _, err := c.tasks.AddStage(ctx, taskID, stageFindRepos, string(detail)); err != nil {
		slog.Warn("snapshot: failed recording find-repos stage", "task_id", taskID, "error", err)
	}

	return selected, nil
}

// runSnapshots drains children through a fixed worker pool sized at the
// backend's max_concurrent_snapshots, grounded on the same channel+WaitGroup
// pattern as internal/sync's runChildren rather than the original's
// single-threaded in-progress-map loop.
func (c *Controller) runSnapshots(ctx context.Context, parentTaskID int64, client *pulpclient.Client, backend *models.Backend, prefix string, children []*childJob) {
	if len(children) == 0 {
		return
	}

	snapshotStage, err := c.tasks.AddStage(ctx, parentTaskID, stageSnapshotRepos, fmt.Sprintf(`{"msg":"0/%d snapshots completed"}`, len(children)))
	if err != nil {
		slog.Warn("snapshot: failed to create snapshot-repos stage", "task_id", parentTaskID, "error", err)
	}

	workers := backend.MaxConcurrentSnapshots
	if workers <= 0 {
		workers = 1
	}
	if workers > len(children) {
		workers = len(children)
	}

	jobCh := make(chan *childJob)
	var completed int64
	total := int64(len(children))

	reportProgress := func() {
		if snapshotStage == nil {
			return
		}
		detail := fmt.Sprintf(`{"msg":"%d/%d snapshots completed"}`, atomic.LoadInt64(&completed), total)
		if err := c.tasks.UpdateStage(ctx, snapshotStage.ID, tasks.UpdateStageOptions{Detail: &detail}); err != nil {
			slog.Warn("snapshot: failed to update snapshot-repos stage", "task_id", parentTaskID, "error", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				c.runChildSnapshot(ctx, client, job, prefix)
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

// runChildSnapshot drives one source repo through repo_snapshot's two
// stages: "repo snapshot" (ensure destination + copy) then "repo
// publication" (§4.7). Failures mark only this child failed; the parent
// continues with the remaining children.
func (c *Controller) runChildSnapshot(ctx context.Context, client *pulpclient.Client, job *childJob, prefix string) {
	source, child := job.source, job.task

	if err := c.tasks.Transition(ctx, child.ID, models.TaskStateRunning); err != nil {
		slog.Error("snapshot: child task failed to start", "task_id", child.ID, "error", err)
		return
	}

	sourceRepo, err := c.getRepo(ctx, client, source.RepoHref)
	if err != nil {
		c.failChild(ctx, child, stageSnapshot, "", err)
		return
	}

	destName := prefix + source.Repo.Name
	destBR, destRepo, err := c.ensureDestination(ctx, client, source.BackendID, source.Repo.RepoType, destName, sourceRepo.Description)
	if err != nil {
		c.failChild(ctx, child, stageSnapshot, "", err)
		return
	}
	if _, err := c.store.TaskLinks.Add(ctx, &models.BackendRepoTaskLink{BackendRepoID: destBR.ID, TaskID: child.ID}); err != nil {
		slog.Warn("snapshot: failed linking destination backend repo", "task_id", child.ID, "error", err)
	}

	copyPath := "/rpm/copy/"
	body := map[string]interface{}{"config": []map[string]interface{}{{
		"source_repo_version": sourceRepo.LatestVersionHref,
		"dest_repo":            destRepo.PulpHref,
	}}}
	if source.Repo.RepoType == models.RepoTypeDEB {
		copyPath = "/deb/copy/"
		body["structured"] = true
	}

	respBody, err := client.Post(ctx, copyPath, body)
	if err != nil {
		c.failChild(ctx, child, stageSnapshot, "", err)
		return
	}
	taskHref, err := extractTaskHref(respBody)
	if err != nil {
		c.failChild(ctx, child, stageSnapshot, "", err)
		return
	}
	detail, _ := json.Marshal(map[string]string{"msg": "task in state running", "task_href": taskHref})
	if _, err := c.tasks.AddStage(ctx, child.ID, stageSnapshot, string(detail)); err != nil {
		slog.Warn("snapshot: failed recording snapshot stage", "task_id", child.ID, "error", err)
	}

	if _, err := pulpapi.PollTask(ctx, client, taskHref, c.poll); err != nil {
		_ = c.tasks.LogTaskError(ctx, child.ID, err.Error())
		return
	}

	if err := c.publish(ctx, client, child, source, destRepo.PulpHref); err != nil {
		_ = c.tasks.LogTaskError(ctx, child.ID, err.Error())
		return
	}

	if err := c.tasks.CompleteTask(ctx, child.ID); err != nil {
		slog.Error("snapshot: failed completing child task", "task_id", child.ID, "error", err)
	}
}

// ensureDestination implements §4.7 step 1: find-or-create the destination
// Repo/BackendRepo rows and the backend-side repository+distribution,
// C5-style (grounded on reconciler.ensureRepo / original's
// create_or_update_repository).
func (c *Controller) ensureDestination(ctx context.Context, client *pulpclient.Client, backendID int64, repoType models.RepoType, name, description string) (*models.BackendRepo, *pulpapi.Repository, error) {
	repo, err := c.store.Repos.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: name}},
	})
	if err != nil && !isNotFound(err) {
		return nil, nil, fmt.Errorf("looking up destination repo %s: %w", name, err)
	}
	if repo == nil {
		repo = &models.Repo{Name: name, RepoType: repoType, CreatedAt: time.Now().UTC()}
		id, err := c.store.Repos.Add(ctx, repo)
		if err != nil {
			return nil, nil, fmt.Errorf("creating destination repo %s: %w", name, err)
		}
		repo.ID = id
	} else if repo.RepoType != repoType {
		return nil, nil, fmt.Errorf("destination repo %s already exists with type %s, source is %s", name, repo.RepoType, repoType)
	}

	backendRepo, err := c.findOrCreateBackendRepository(ctx, client, repoType, name, description)
	if err != nil {
		return nil, nil, err
	}

	if err := c.findOrCreateDistribution(ctx, client, repoType, name, backendRepo.PulpHref); err != nil {
		return nil, nil, err
	}

	br, err := c.store.BackendRepos.First(ctx, &store.Query{
		Conditions: []store.Condition{
			{Field: "backend_id", Op: store.OpEq, Value: backendID},
			{Field: "repo_id", Op: store.OpEq, Value: repo.ID},
		},
	})
	if err != nil && !isNotFound(err) {
		return nil, nil, fmt.Errorf("looking up destination backend repo %s: %w", name, err)
	}

	now := time.Now().UTC()
	if br == nil {
		br = &models.BackendRepo{BackendID: backendID, RepoID: repo.ID, CreatedAt: now}
	}
	br.UpdatedAt = now
	br.RepoHref = backendRepo.PulpHref
	if br.ID == 0 {
		id, err := c.store.BackendRepos.Add(ctx, br)
		if err != nil {
			return nil, nil, fmt.Errorf("creating destination backend repo %s: %w", name, err)
		}
		br.ID = id
	} else if err := c.store.BackendRepos.Update(ctx, br); err != nil {
		return nil, nil, fmt.Errorf("updating destination backend repo %s: %w", name, err)
	}

	return br, backendRepo, nil
}

func (c *Controller) findOrCreateBackendRepository(ctx context.Context, client *pulpclient.Client, repoType models.RepoType, name, description string) (*pulpapi.Repository, error) {
	path, err := pulpapi.RepositoriesPath(repoType)
	if err != nil {
		return nil, err
	}
	existing, err := decodePages[pulpapi.Repository](ctx, client, path+"?name="+url.QueryEscape(name))
	if err != nil {
		return nil, fmt.Errorf("listing backend repositories named %s: %w", name, err)
	}
	for i := range existing {
		if existing[i].Name == name {
			return &existing[i], nil
		}
	}

	body := map[string]interface{}{"name": name}
	if description != "" {
		body["description"] = description
	}
	respBody, err := client.Post(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("creating backend repository %s: %w", name, err)
	}
	var created pulpapi.Repository
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("decoding created repository %s: %w", name, err)
	}
	return &created, nil
}

func (c *Controller) findOrCreateDistribution(ctx context.Context, client *pulpclient.Client, repoType models.RepoType, name, repoHref string) error {
	path, err := pulpapi.DistributionsPath(repoType)
	if err != nil {
		return err
	}
	existing, err := decodePages[pulpapi.Distribution](ctx, client, path+"?name="+url.QueryEscape(name))
	if err != nil {
		return fmt.Errorf("listing backend distributions named %s: %w", name, err)
	}
	for i := range existing {
		if existing[i].Name == name {
			return nil
		}
	}

	if _, err := client.Post(ctx, path, map[string]interface{}{
		"name": name, "base_path": name, "repository": repoHref,
	}); err != nil {
		return fmt.Errorf("creating distribution %s: %w", name, err)
	}
	return nil
}

// publish implements the original's _start_publication: publish the
// destination's latest version, flat or structured per the source remote's
// distributions (DEB only).
func (c *Controller) publish(ctx context.Context, client *pulpclient.Client, child *models.Task, source *models.BackendRepo, destRepoHref string) error {
	destRepo, err := c.getRepo(ctx, client, destRepoHref)
	if err != nil {
		return err
	}

	flat := false
	if source.Repo.RepoType == models.RepoTypeDEB && source.RemoteHref != "" {
		remote, err := c.getRemote(ctx, client, source.RemoteHref)
		if err == nil {
			flat = remote.IsFlatRepo()
		}
	}

	path, err := pulpapi.PublicationsPath(source.Repo.RepoType)
	if err != nil {
		return err
	}
	body := publicationBody(source.Repo.RepoType, destRepo.LatestVersionHref, flat)

	respBody, err := client.Post(ctx, path, body)
	if err != nil {
		return err
	}
	taskHref, err := extractTaskHref(respBody)
	if err != nil {
		return err
	}
	detail, _ := json.Marshal(map[string]string{"msg": "task in state running", "task_href": taskHref})
	if _, err := c.tasks.AddStage(ctx, child.ID, stagePublish, string(detail)); err != nil {
		slog.Warn("snapshot: failed recording publish stage", "task_id", child.ID, "error", err)
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

func (c *Controller) failChild(ctx context.Context, child *models.Task, stageName, detail string, err error) {
	if _, addErr := c.tasks.AddStage(ctx, child.ID, stageName, detail); addErr != nil {
		slog.Warn("snapshot: failed recording failure stage", "task_id", child.ID, "error", addErr)
	}
	if logErr := c.tasks.LogTaskError(ctx, child.ID, err.Error()); logErr != nil {
		slog.Error("snapshot: failed recording child task error", "task_id", child.ID, "error", logErr)
	}
}

func decodePages[T any](ctx context.Context, c *pulpclient.Client, path string) ([]T, error) {
	raw, err := c.GetPages(ctx, path)
	if err != nil {
		return nil, err
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

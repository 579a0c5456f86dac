// Package configreconciler is the C9 declarative config reconciler: it
// parses the repo-group YAML config, diffs it against the entity store, and
// reconciles RepoGroups, Backends, RepoGroupBindings, and their cron
// schedules in C3's scheduler queue (§4.9).
package configreconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v3"

	"github.com/pulpfleet/manager/internal/config"
	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/pulperr"
	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/reconciler"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/internal/vault"
	"github.com/pulpfleet/manager/models"
)

// Queue names the scheduled sync/config-registration jobs are materialized
// onto; a worker process (outside this package) dequeues them and dispatches
// by queue name. A queue.Registration's CallableRef is a label only.
const (
	QueueSync   = "sync"
	QueueConfig = "repo_config_registration"
)

// Controller runs load_config (§4.9 entry point).
type Controller struct {
	db        store.DB
	store     *store.Store
	scheduler *queue.SchedulerProcess
	vault     vault.Provider
	pulpCfg   config.PulpConfig
}

// New builds a Controller bound to db/s, registering/deregistering cron
// schedules through scheduler. v is only needed by RegisterRepoConfig's
// backend client, not by LoadConfig; pulpCfg is stored but neither reads it.
func New(db store.DB, s *store.Store, scheduler *queue.SchedulerProcess, v vault.Provider, pulpCfg config.PulpConfig) *Controller {
	return &Controller{db: db, store: s, scheduler: scheduler, vault: v, pulpCfg: pulpCfg}
}

// RegisterRepoConfigOptions carries repo_config_registration's parameters
// (the cron job C9 schedules per §4.9 step 4's RepoConfigRegistration
// binding), grounded on `app_debug.py`'s backend-scoped re-registration.
type RegisterRepoConfigOptions struct {
	BackendName  string `json:"backend_name"`
	RegexInclude string `json:"regex_include"`
	RegexExclude string `json:"regex_exclude"`
}

// RegisterRepoConfig re-runs the C5 reconciler against one backend, picking
// up repos created on the Pulp server directly rather than through this
// service. It always reconciles the backend's full repository set:
// RegexInclude and RegexExclude are accepted on opts but not applied.
func (c *Controller) RegisterRepoConfig(ctx context.Context, opts RegisterRepoConfigOptions) error {
	backend, err := c.store.Backends.First(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "name", Op: store.OpEq, Value: opts.BackendName}},
	})
	if err != nil {
		return fmt.Errorf("looking up backend %q: %w", opts.BackendName, err)
	}

	client, err := pulpclient.New(ctx, pulpclient.Config{
		BaseURL:    backend.BaseURL,
		Username:   backend.Username,
		VaultMount: backend.VaultMount,
	}, c.vault)
	if err != nil {
		return fmt.Errorf("building pulp client for %q: %w", opts.BackendName, err)
	}

	result, err := reconciler.New(c.store).Reconcile(ctx, client, backend.ID)
	if err != nil {
		return fmt.Errorf("reconciling %q: %w", opts.BackendName, err)
	}
	slog.Info("repo_config_registration complete", "backend", opts.BackendName, "repos_seen", result.ReposSeen, "repos_removed", result.ReposRemoved)
	return nil
}

// LoadConfig parses the YAML file at path, diffs it against the store, and
// reconciles RepoGroups, Backends/RepoGroupBindings, and cron schedules
// (§4.9 steps 1-4). Schema errors abort before any mutation.
func (c *Controller) LoadConfig(ctx context.Context, path string) error {
	cfg, err := c.parseAndValidate(path)
	if err != nil {
		return err
	}

	repoGroups, err := c.diffApplyRepoGroups(ctx, cfg)
	if err != nil {
		return fmt.Errorf("applying repo group changes: %w", err)
	}

	backends, err := c.diffApplyBackends(ctx, cfg, repoGroups)
	if err != nil {
		return fmt.Errorf("applying backend changes: %w", err)
	}

	if err := c.reconcileSchedules(ctx, cfg, backends, repoGroups); err != nil {
		return fmt.Errorf("reconciling schedules: %w", err)
	}

	slog.Info("configreconciler: load_config completed", "path", path,
		"backends", len(cfg.PulpServers), "repo_groups", len(cfg.RepoGroups))
	return nil
}

// Validate parses and schema-checks path without applying anything,
// grounded on `app_debug.py`'s load-config-without-starting-the-scheduler
// entry point — the `fleetctl config verify` subcommand's building block.
func (c *Controller) Validate(path string) (*FileConfig, error) {
	return c.parseAndValidate(path)
}

// parseAndValidate reads path, unmarshals the three top-level maps, runs
// struct-tag validation, then checks the cross-references the tags can't
// express (credentials/repo_groups/pulp_master keys), collecting every
// error together before returning (§4.9 "Schema errors abort before any
// mutation; unresolved cross-references are collected and reported
// together").
func (c *Controller) parseAndValidate(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w: %v", path, pulperr.ErrValidation, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config %s failed schema validation: %w: %v", path, pulperr.ErrValidation, err)
	}

	var problems []string
	for host, server := range cfg.PulpServers {
		if _, ok := cfg.Credentials[server.Credentials]; !ok {
			problems = append(problems, fmt.Sprintf("%s missing from credentials section, required for %s", server.Credentials, host))
		}
		for groupName, binding := range server.RepoGroups {
			if _, ok := cfg.RepoGroups[groupName]; !ok {
				problems = append(problems, fmt.Sprintf("%s missing from repo_groups section, required for %s", groupName, host))
			}
			if binding.PulpMaster != "" {
				if _, ok := cfg.PulpServers[binding.PulpMaster]; !ok {
					problems = append(problems, fmt.Sprintf("pulp_master %s missing, required for %s/%s", binding.PulpMaster, host, groupName))
				}
			}
			if binding.Schedule != "" {
				if err := queue.ValidateCronExpr(binding.Schedule); err != nil {
					problems = append(problems, fmt.Sprintf("%s/%s has an invalid schedule %q: %v", host, groupName, binding.Schedule, err))
				}
			}
			if _, err := time.ParseDuration(binding.MaxRuntime); err != nil {
				problems = append(problems, fmt.Sprintf("%s/%s has an invalid max_runtime %q: %v", host, groupName, binding.MaxRuntime, err))
			}
		}
		if server.RepoConfigRegistration != nil {
			if err := queue.ValidateCronExpr(server.RepoConfigRegistration.Schedule); err != nil {
				problems = append(problems, fmt.Sprintf("%s repo_config_registration has an invalid schedule %q: %v", host, server.RepoConfigRegistration.Schedule, err))
			}
			if _, err := time.ParseDuration(server.RepoConfigRegistration.MaxRuntime); err != nil {
				problems = append(problems, fmt.Sprintf("%s repo_config_registration has an invalid max_runtime %q: %v", host, server.RepoConfigRegistration.MaxRuntime, err))
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("config %s errors: %s: %w", path, strings.Join(problems, ", "), pulperr.ErrValidation)
	}

	return &cfg, nil
}

// diffApplyRepoGroups computes add/update/remove sets for RepoGroups by
// name and applies them in one transaction (§4.9 step 2), returning the
// post-apply name -> RepoGroup map.
func (c *Controller) diffApplyRepoGroups(ctx context.Context, cfg *FileConfig) (map[string]*models.RepoGroup, error) {
	existing, err := c.store.RepoGroups.Filter(ctx, &store.Query{SortBy: "id", Order: "asc"})
	if err != nil {
		return nil, fmt.Errorf("listing existing repo groups: %w", err)
	}
	byName := make(map[string]*models.RepoGroup, len(existing))
	for _, rg := range existing {
		byName[rg.Name] = rg
	}

	var toAdd, toUpdate, toRemove []*models.RepoGroup
	for name, conf := range cfg.RepoGroups {
		if rg, ok := byName[name]; ok {
			if rg.RegexInclude != conf.RegexInclude || rg.RegexExclude != conf.RegexExclude {
				rg.RegexInclude = conf.RegexInclude
				rg.RegexExclude = conf.RegexExclude
				toUpdate = append(toUpdate, rg)
			}
		} else {
			toAdd = append(toAdd, &models.RepoGroup{Name: name, RegexInclude: conf.RegexInclude, RegexExclude: conf.RegexExclude})
		}
	}
	for name, rg := range byName {
		if _, ok := cfg.RepoGroups[name]; !ok {
			toRemove = append(toRemove, rg)
		}
	}

	if len(toAdd) > 0 || len(toUpdate) > 0 || len(toRemove) > 0 {
		tx, err := c.db.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("beginning repo group transaction: %w", err)
		}
		txStore := c.store.WithTx(tx)
		if err := txStore.RepoGroups.BulkAdd(ctx, toAdd); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := txStore.RepoGroups.BulkUpdate(ctx, toUpdate); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		for _, rg := range toRemove {
			if err := txStore.RepoGroups.Delete(ctx, rg.ID); err != nil {
				_ = tx.Rollback()
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing repo group changes: %w", err)
		}
		slog.Info("configreconciler: repo groups reconciled", "added", len(toAdd), "updated", len(toUpdate), "removed", len(toRemove))
	}

	for _, rg := range toAdd {
		byName[rg.Name] = rg
	}
	for _, rg := range toRemove {
		delete(byName, rg.Name)
	}
	return byName, nil
}

// backendScalarConfig computes the desired scalar field values for a
// Backend entity from its pulp_servers.<host> and credentials.<name>
// config (§4.9 / original's _get_pulp_server_entity_config).
func backendScalarConfig(host string, server PulpServerConfig, cred CredentialConfig) models.Backend {
	b := models.Backend{
		Name:       host,
		BaseURL:    "https://" + host,
		Username:   cred.Username,
		VaultMount: cred.VaultServiceAccountMount,
	}
	if server.SnapshotSupport != nil {
		b.SnapshotSupported = true
		b.MaxConcurrentSnapshots = server.SnapshotSupport.MaxConcurrentSnapshots
	}
	if server.RepoConfigRegistration != nil {
		b.RepoConfigRegistrationSchedule = server.RepoConfigRegistration.Schedule
		b.RepoConfigRegistrationMaxRuntime = server.RepoConfigRegistration.MaxRuntime
		b.RepoConfigRegistrationInclude = server.RepoConfigRegistration.RegexInclude
		b.RepoConfigRegistrationExclude = server.RepoConfigRegistration.RegexExclude
	}
	return b
}

// scalarsDiffer reports whether b's mutable scalar fields differ from want's.
func scalarsDiffer(b *models.Backend, want models.Backend) bool {
	return b.BaseURL != want.BaseURL ||
		b.Username != want.Username ||
		b.VaultMount != want.VaultMount ||
		b.SnapshotSupported != want.SnapshotSupported ||
		b.MaxConcurrentSnapshots != want.MaxConcurrentSnapshots ||
		b.RepoConfigRegistrationSchedule != want.RepoConfigRegistrationSchedule ||
		b.RepoConfigRegistrationMaxRuntime != want.RepoConfigRegistrationMaxRuntime ||
		b.RepoConfigRegistrationInclude != want.RepoConfigRegistrationInclude ||
		b.RepoConfigRegistrationExclude != want.RepoConfigRegistrationExclude
}

func applyScalars(b *models.Backend, want models.Backend) {
	b.BaseURL = want.BaseURL
	b.Username = want.Username
	b.VaultMount = want.VaultMount
	b.SnapshotSupported = want.SnapshotSupported
	b.MaxConcurrentSnapshots = want.MaxConcurrentSnapshots
	b.RepoConfigRegistrationSchedule = want.RepoConfigRegistrationSchedule
	b.RepoConfigRegistrationMaxRuntime = want.RepoConfigRegistrationMaxRuntime
	b.RepoConfigRegistrationInclude = want.RepoConfigRegistrationInclude
	b.RepoConfigRegistrationExclude = want.RepoConfigRegistrationExclude
}

// diffApplyBackends adds missing backends, updates existing ones' scalar
// fields and RepoGroupBindings, and removes backends absent from config
// (§4.9 step 3). Returns the post-apply name -> Backend map.
func (c *Controller) diffApplyBackends(ctx context.Context, cfg *FileConfig, repoGroups map[string]*models.RepoGroup) (map[string]*models.Backend, error) {
	existing, err := c.store.Backends.Filter(ctx, &store.Query{SortBy: "id", Order: "asc"})
	if err != nil {
		return nil, fmt.Errorf("listing existing backends: %w", err)
	}
	byName := make(map[string]*models.Backend, len(existing))
	for _, b := range existing {
		byName[b.Name] = b
	}

	var toAdd []*models.Backend
	for host, server := range cfg.PulpServers {
		if _, ok := byName[host]; ok {
			continue
		}
		cred := cfg.Credentials[server.Credentials]
		want := backendScalarConfig(host, server, cred)
		toAdd = append(toAdd, &want)
	}
	if len(toAdd) > 0 {
		tx, err := c.db.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("beginning backend add transaction: %w", err)
		}
		txStore := c.store.WithTx(tx)
		if err := txStore.Backends.BulkAdd(ctx, toAdd); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing new backends: %w", err)
		}
		for _, b := range toAdd {
			byName[b.Name] = b
		}
		slog.Info("configreconciler: backends added", "count", len(toAdd))
	}

	for host, server := range cfg.PulpServers {
		backend := byName[host]
		if err := c.updateOneBackend(ctx, host, server, cfg, backend, repoGroups, byName); err != nil {
			return nil, fmt.Errorf("updating backend %s: %w", host, err)
		}
	}

	var toRemove []*models.Backend
	for name, b := range byName {
		if _, ok := cfg.PulpServers[name]; !ok {
			toRemove = append(toRemove, b)
		}
	}
	if len(toRemove) > 0 {
		tx, err := c.db.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("beginning backend removal transaction: %w", err)
		}
		txStore := c.store.WithTx(tx)
		for _, b := range toRemove {
			if err := txStore.Backends.Delete(ctx, b.ID); err != nil {
				_ = tx.Rollback()
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing backend removals: %w", err)
		}
		for _, b := range toRemove {
			delete(byName, b.Name)
		}
		slog.Info("configreconciler: backends removed", "count", len(toRemove))
	}

	return byName, nil
}

// updateOneBackend computes and applies, in a single transaction, one
// backend's scalar-field updates plus its RepoGroupBindings add/update/
// remove set keyed by (backend, repo_group) (§4.9 step 3).
func (c *Controller) updateOneBackend(ctx context.Context, host string, server PulpServerConfig, cfg *FileConfig, backend *models.Backend, repoGroups map[string]*models.RepoGroup, allBackends map[string]*models.Backend) error {
	cred := cfg.Credentials[server.Credentials]
	want := backendScalarConfig(host, server, cred)
	scalarChanged := scalarsDiffer(backend, want)

	existingBindings, err := c.store.RepoGroupBindings.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_id", Op: store.OpEq, Value: backend.ID}},
	})
	if err != nil {
		return fmt.Errorf("listing repo group bindings for %s: %w", host, err)
	}
	bindingByGroupID := make(map[int64]*models.RepoGroupBinding, len(existingBindings))
	for _, rb := range existingBindings {
		bindingByGroupID[rb.RepoGroupID] = rb
	}

	var toAdd, toUpdate, toRemove []*models.RepoGroupBinding
	seenGroupIDs := make(map[int64]bool)
	for groupName, bindingCfg := range server.RepoGroups {
		rg, ok := repoGroups[groupName]
		if !ok {
			return fmt.Errorf("repo group %s referenced by %s not found after reconcile", groupName, host)
		}
		seenGroupIDs[rg.ID] = true

		var masterID *int64
		if bindingCfg.PulpMaster != "" {
			if master, ok := allBackends[bindingCfg.PulpMaster]; ok {
				masterID = &master.ID
			}
		}

		if existing, ok := bindingByGroupID[rg.ID]; ok {
			changed := existing.Schedule != bindingCfg.Schedule ||
				existing.MaxConcurrentSyncs != bindingCfg.MaxConcurrentSyncs ||
				existing.MaxRuntime != bindingCfg.MaxRuntime ||
				!equalNullableID(existing.PulpMasterBackendID, masterID)
			existing.Schedule = bindingCfg.Schedule
			existing.MaxConcurrentSyncs = bindingCfg.MaxConcurrentSyncs
			existing.MaxRuntime = bindingCfg.MaxRuntime
			existing.PulpMasterBackendID = masterID
			if changed {
				toUpdate = append(toUpdate, existing)
			}
		} else {
			toAdd = append(toAdd, &models.RepoGroupBinding{
				BackendID:           backend.ID,
				RepoGroupID:         rg.ID,
				Schedule:            bindingCfg.Schedule,
				MaxConcurrentSyncs:  bindingCfg.MaxConcurrentSyncs,
				MaxRuntime:          bindingCfg.MaxRuntime,
				PulpMasterBackendID: masterID,
			})
		}
	}
	for groupID, rb := range bindingByGroupID {
		if !seenGroupIDs[groupID] {
			toRemove = append(toRemove, rb)
		}
	}

	if !scalarChanged && len(toAdd) == 0 && len(toUpdate) == 0 && len(toRemove) == 0 {
		return nil
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning update transaction for %s: %w", host, err)
	}
	txStore := c.store.WithTx(tx)

	if scalarChanged {
		applyScalars(backend, want)
		if err := txStore.Backends.Update(ctx, backend); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := txStore.RepoGroupBindings.BulkAdd(ctx, toAdd); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := txStore.RepoGroupBindings.BulkUpdate(ctx, toUpdate); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, rb := range toRemove {
		if err := txStore.RepoGroupBindings.Delete(ctx, rb.ID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing update for %s: %w", host, err)
	}
	return nil
}

func equalNullableID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func syncJobID(backendName, repoGroupName string) string {
	return fmt.Sprintf("%s:%s:%s", QueueSync, backendName, repoGroupName)
}

func configJobID(backendName string) string {
	return fmt.Sprintf("%s:%s", QueueConfig, backendName)
}

// reconcileSchedules registers a cron job per RepoGroupBinding that carries
// a schedule, and per backend with repo_config_registration.schedule, then
// deregisters every previously-registered job this package owns that is no
// longer wanted (§4.9 step 4).
func (c *Controller) reconcileSchedules(ctx context.Context, cfg *FileConfig, backends map[string]*models.Backend, repoGroups map[string]*models.RepoGroup) error {
	desired := make(map[string]queue.Registration)

	for host, server := range cfg.PulpServers {
		for groupName, bindingCfg := range server.RepoGroups {
			if bindingCfg.Schedule == "" {
				continue
			}
			rg := repoGroups[groupName]
			args, _ := json.Marshal(map[string]interface{}{
				"backend_name":         host,
				"max_concurrent_syncs": bindingCfg.MaxConcurrentSyncs,
				"regex_include":        rg.RegexInclude,
				"regex_exclude":        rg.RegexExclude,
				"source_backend_name":  bindingCfg.PulpMaster,
			})
			jobID := syncJobID(host, groupName)
			desired[jobID] = queue.Registration{
				JobID: jobID, Queue: QueueSync, CronExpr: bindingCfg.Schedule,
				CallableRef: "sync.SyncRepos", Args: args,
			}
		}
		if server.RepoConfigRegistration != nil && server.RepoConfigRegistration.Schedule != "" {
			args, _ := json.Marshal(map[string]interface{}{
				"backend_name":  host,
				"regex_include": server.RepoConfigRegistration.RegexInclude,
				"regex_exclude": server.RepoConfigRegistration.RegexExclude,
			})
			jobID := configJobID(host)
			desired[jobID] = queue.Registration{
				JobID: jobID, Queue: QueueConfig, CronExpr: server.RepoConfigRegistration.Schedule,
				CallableRef: "configreconciler.RegisterRepoConfig", Args: args,
			}
		}
	}

	existing, err := c.scheduler.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("listing existing schedules: %w", err)
	}
	for _, reg := range existing {
		if !strings.HasPrefix(reg.JobID, QueueSync+":") && !strings.HasPrefix(reg.JobID, QueueConfig+":") {
			continue
		}
		if _, ok := desired[reg.JobID]; !ok {
			if err := c.scheduler.DeregisterCron(ctx, reg.JobID); err != nil {
				return fmt.Errorf("deregistering %s: %w", reg.JobID, err)
			}
		}
	}

	jobIDs := make([]string, 0, len(desired))
	for id := range desired {
		jobIDs = append(jobIDs, id)
	}
	sort.Strings(jobIDs)
	for _, id := range jobIDs {
		if err := c.scheduler.RegisterCron(ctx, desired[id]); err != nil {
			return fmt.Errorf("registering %s: %w", id, err)
		}
	}
	return nil
}

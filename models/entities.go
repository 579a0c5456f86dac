package models

import "time"

// Backend is a managed content-repository server (§3).
type Backend struct {
	ID                            int64      `db:"id"                                json:"id"`
	Name                          string     `db:"name"                              json:"name"`
	// BaseURL is the backend's Pulp API root (e.g. "https://pulp-prod-1.example.com"),
	// used to construct the C2 REST client; distinct from Name, which is just
	// the host label used in task/stage messages and config lookups.
	BaseURL                       string     `db:"base_url"                          json:"base_url"`
	Username                      string     `db:"username"                          json:"username"`
	VaultMount                    string     `db:"vault_mount"                       json:"vault_mount,omitempty"`
	RepoSyncHealthRollup          Health     `db:"repo_sync_health_rollup"           json:"repo_sync_health_rollup"`
	RepoSyncHealthRollupUpdatedAt *time.Time `db:"repo_sync_health_rollup_updated_at" json:"repo_sync_health_rollup_updated_at,omitempty"`
	SnapshotSupported             bool       `db:"snapshot_supported"                json:"snapshot_supported"`
	MaxConcurrentSnapshots        int        `db:"max_concurrent_snapshots"          json:"max_concurrent_snapshots"`
	RepoConfigRegistrationSchedule string    `db:"repo_config_registration_schedule" json:"repo_config_registration_schedule,omitempty"`
	RepoConfigRegistrationMaxRuntime string   `db:"repo_config_registration_max_runtime" json:"repo_config_registration_max_runtime,omitempty"`
	RepoConfigRegistrationInclude string     `db:"repo_config_registration_include"  json:"repo_config_registration_include,omitempty"`
	RepoConfigRegistrationExclude string     `db:"repo_config_registration_exclude"  json:"repo_config_registration_exclude,omitempty"`
	CreatedAt                     time.Time  `db:"created_at"                        json:"created_at"`
	UpdatedAt                     time.Time  `db:"updated_at"                        json:"updated_at"`
}

// Repo is a logical package repository, independent of any backend (§3).
// It may not be deleted while any BackendRepo references it.
type Repo struct {
	ID        int64    `db:"id"         json:"id"`
	Name      string   `db:"name"       json:"name"`
	RepoType  RepoType `db:"repo_type"  json:"repo_type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RepoGroup is a named set of repos selected by include/exclude regexes (§3).
type RepoGroup struct {
	ID            int64  `db:"id"             json:"id"`
	Name          string `db:"name"           json:"name"`
	RegexInclude  string `db:"regex_include"  json:"regex_include,omitempty"`
	RegexExclude  string `db:"regex_exclude"  json:"regex_exclude,omitempty"`
	CreatedAt     time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"  json:"updated_at"`
}

// RepoGroupBinding is the composite Backend×RepoGroup association carrying
// per-backend scheduling/concurrency parameters (§3).
type RepoGroupBinding struct {
	ID                 int64  `db:"id"                    json:"id"`
	BackendID           int64  `db:"backend_id"            json:"backend_id"`
	RepoGroupID         int64  `db:"repo_group_id"         json:"repo_group_id"`
	Schedule            string `db:"schedule"              json:"schedule,omitempty"`
	MaxConcurrentSyncs   int    `db:"max_concurrent_syncs"  json:"max_concurrent_syncs"`
	MaxRuntime           string `db:"max_runtime"           json:"max_runtime"`
	PulpMasterBackendID  *int64 `db:"pulp_master_backend_id" json:"pulp_master_backend_id,omitempty"`
	CreatedAt            time.Time `db:"created_at"         json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"         json:"updated_at"`
}

// BackendRepo is the local mapping of a Repo to one Backend (§3). Unique on
// (backend_id, repo_id) (I6/testable property).
type BackendRepo struct {
	ID               int64      `db:"id"                  json:"id"`
	BackendID        int64      `db:"backend_id"          json:"backend_id"`
	RepoID           int64      `db:"repo_id"             json:"repo_id"`
	RepoHref         string     `db:"repo_href"           json:"repo_href"`
	RemoteHref       string     `db:"remote_href"         json:"remote_href,omitempty"`
	RemoteFeed       string     `db:"remote_feed"         json:"remote_feed,omitempty"`
	DistributionHref string     `db:"distribution_href"   json:"distribution_href,omitempty"`
	RepoSyncHealth   Health     `db:"repo_sync_health"    json:"repo_sync_health"`
	RepoSyncHealthUpdatedAt *time.Time `db:"repo_sync_health_updated_at" json:"repo_sync_health_updated_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"          json:"updated_at"`

	// Populated by eager-loaded queries; never set by plain Get/Filter calls.
	Repo    *Repo    `db:"-" json:"repo,omitempty"`
	Backend *Backend `db:"-" json:"backend,omitempty"`
}

// BackendRepoTaskLink associates a BackendRepo with a Task (§3), cascaded on
// either side's delete.
type BackendRepoTaskLink struct {
	ID            int64 `db:"id"              json:"id"`
	BackendRepoID int64 `db:"backend_repo_id" json:"backend_repo_id"`
	TaskID        int64 `db:"task_id"         json:"task_id"`
}

// Task is the durable record of one workflow run or sub-run (§3).
type Task struct {
	ID            int64      `db:"id"             json:"id"`
	Name          string     `db:"name"           json:"name"`
	ParentTaskID  *int64     `db:"parent_task_id" json:"parent_task_id,omitempty"`
	TaskType      TaskType   `db:"task_type"      json:"task_type"`
	TaskArgs      string     `db:"task_args"      json:"task_args,omitempty"` // JSON
	DateQueued    time.Time  `db:"date_queued"    json:"date_queued"`
	DateStarted   *time.Time `db:"date_started"   json:"date_started,omitempty"`
	DateFinished  *time.Time `db:"date_finished"  json:"date_finished,omitempty"`
	State         TaskState  `db:"state"          json:"state"`
	Worker        string     `db:"worker"         json:"worker,omitempty"`
	WorkerJobID   string     `db:"worker_job_id"  json:"worker_job_id,omitempty"`
	Error         string     `db:"error"          json:"error,omitempty"` // JSON trace
}

// TaskStage is one append-only sub-step of a Task (§3), ordered by creation.
type TaskStage struct {
	ID        int64     `db:"id"         json:"id"`
	TaskID    int64     `db:"task_id"    json:"task_id"`
	Name      string    `db:"name"       json:"name"`
	Detail    string    `db:"detail"     json:"detail,omitempty"` // JSON
	Error     string    `db:"error"      json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Package models holds the entity structs shared across the store, the
// workflow controllers, and the control plane. Enumerations are persisted as
// small ints (per the data model's "enum serialization" design note) with a
// bijective name<->int conversion so the API layer can surface readable names
// while the store keeps compact columns.
package models

import "fmt"

// RepoType identifies the kind of package repository a Repo represents.
type RepoType int

const (
	RepoTypeUnknown RepoType = iota
	RepoTypeRPM
	RepoTypeDEB
	RepoTypeFile
	RepoTypePython
	RepoTypeContainer
)

var repoTypeNames = map[RepoType]string{
	RepoTypeRPM:       "rpm",
	RepoTypeDEB:       "deb",
	RepoTypeFile:      "file",
	RepoTypePython:    "python",
	RepoTypeContainer: "container",
}

func (t RepoType) String() string {
	if s, ok := repoTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseRepoType converts a name to its RepoType, rejecting unknown values
// rather than silently defaulting (per the dynamic-dispatch design note).
func ParseRepoType(name string) (RepoType, error) {
	for t, s := range repoTypeNames {
		if s == name {
			return t, nil
		}
	}
	return RepoTypeUnknown, fmt.Errorf("unknown repo_type %q", name)
}

// Health is the traffic-light rollup used for both Backend and BackendRepo.
type Health int

const (
	HealthNone Health = iota
	HealthGreen
	HealthAmber
	HealthRed
)

var healthNames = map[Health]string{
	HealthNone:  "none",
	HealthGreen: "green",
	HealthAmber: "amber",
	HealthRed:   "red",
}

func (h Health) String() string {
	if s, ok := healthNames[h]; ok {
		return s
	}
	return "none"
}

func ParseHealth(name string) (Health, error) {
	for h, s := range healthNames {
		if s == name {
			return h, nil
		}
	}
	return HealthNone, fmt.Errorf("unknown health %q", name)
}

// TaskType identifies which workflow a Task instance is running.
type TaskType int

const (
	TaskTypeUnknown TaskType = iota
	TaskTypeRepoSync
	TaskTypeRepoGroupSync
	TaskTypeRepoSnapshot
	TaskTypeRepoCreationFromGit
	TaskTypeRepoRemoval
	TaskTypeRemoveRepoContent
)

// repo_removal and remove_repo_content share a numeric value in the original
// source; this implementation assigns each its own canonical int (Open
// Question in spec.md §9) so the two workflows stay distinguishable purely
// from task_type without needing a second column.
var taskTypeNames = map[TaskType]string{
	TaskTypeRepoSync:            "repo_sync",
	TaskTypeRepoGroupSync:       "repo_group_sync",
	TaskTypeRepoSnapshot:        "repo_snapshot",
	TaskTypeRepoCreationFromGit: "repo_creation_from_git",
	TaskTypeRepoRemoval:         "repo_removal",
	TaskTypeRemoveRepoContent:   "remove_repo_content",
}

func (t TaskType) String() string {
	if s, ok := taskTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

func ParseTaskType(name string) (TaskType, error) {
	for t, s := range taskTypeNames {
		if s == name {
			return t, nil
		}
	}
	return TaskTypeUnknown, fmt.Errorf("unknown task_type %q", name)
}

// TaskState is the node set of the I1 transition DAG.
type TaskState int

const (
	TaskStateUnknown TaskState = iota
	TaskStateQueued
	TaskStateRunning
	TaskStateCompleted
	TaskStateFailed
	TaskStateCanceled
	TaskStateFailedToStart
	TaskStateSkipped
)

var taskStateNames = map[TaskState]string{
	TaskStateQueued:        "queued",
	TaskStateRunning:       "running",
	TaskStateCompleted:     "completed",
	TaskStateFailed:        "failed",
	TaskStateCanceled:      "canceled",
	TaskStateFailedToStart: "failed_to_start",
	TaskStateSkipped:       "skipped",
}

func (s TaskState) String() string {
	if n, ok := taskStateNames[s]; ok {
		return n
	}
	return "unknown"
}

func ParseTaskState(name string) (TaskState, error) {
	for s, n := range taskStateNames {
		if n == name {
			return s, nil
		}
	}
	return TaskStateUnknown, fmt.Errorf("unknown task state %q", name)
}

// Terminal reports whether s is an absorbing state of the I1 DAG.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateFailedToStart, TaskStateSkipped:
		return true
	default:
		return false
	}
}

// legalTransitions encodes the I1 DAG: queued -> {running, canceled,
// failed_to_start, skipped}; running -> {completed, failed, canceled};
// terminal states are absorbing.
var legalTransitions = map[TaskState]map[TaskState]bool{
	TaskStateQueued: {
		TaskStateRunning:       true,
		TaskStateCanceled:      true,
		TaskStateFailedToStart: true,
		TaskStateSkipped:       true,
	},
	TaskStateRunning: {
		TaskStateCompleted: true,
		TaskStateFailed:    true,
		TaskStateCanceled:  true,
	},
}

// CanTransition reports whether moving from s to next is legal under I1.
func CanTransition(s, next TaskState) bool {
	if s.Terminal() {
		return false
	}
	return legalTransitions[s][next]
}

// BackendRepoHealthWindow is the number of most-recent linked tasks I4 looks at.
const BackendRepoHealthWindow = 5

// ClassifyBackendRepoHealth implements I4 over the last five tasks linked to a
// BackendRepo, most-recent-first.
func ClassifyBackendRepoHealth(last5 []TaskState) Health {
	if len(last5) == 0 {
		return HealthNone
	}
	if last5[0] == TaskStateCompleted {
		return HealthGreen
	}
	failed, succeeded := 0, 0
	for _, s := range last5 {
		switch s {
		case TaskStateFailed, TaskStateCanceled, TaskStateFailedToStart:
			failed++
		case TaskStateCompleted:
			succeeded++
		}
	}
	if failed >= 1 && failed <= 3 && succeeded >= 1 {
		return HealthAmber
	}
	return HealthRed
}

// RollupBackendHealth implements I3: red if any repo is red, else amber if
// any is amber, else green. An empty set rolls up to HealthNone.
func RollupBackendHealth(repoHealths []Health) Health {
	if len(repoHealths) == 0 {
		return HealthNone
	}
	sawAmber := false
	for _, h := range repoHealths {
		if h == HealthRed {
			return HealthRed
		}
		if h == HealthAmber {
			sawAmber = true
		}
	}
	if sawAmber {
		return HealthAmber
	}
	return HealthGreen
}

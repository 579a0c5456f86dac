package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/removal"
	"github.com/pulpfleet/manager/internal/snapshot"
	"github.com/pulpfleet/manager/internal/sync"
	"github.com/pulpfleet/manager/internal/tasks"
	"github.com/pulpfleet/manager/models"
)

// handleSyncBackend is POST /pulp_servers/{id}/sync (§4.10): creates the
// parent Task, enqueues a sync.SyncRepos job carrying it, and returns the
// Task immediately (§5's enqueue-not-call split — a worker process performs
// the actual sync).
func (s *Server) handleSyncBackend(w http.ResponseWriter, r *http.Request) {
	backendName, ok := s.pathBackendName(w, r)
	if !ok {
		return
	}
	var body struct {
		MaxConcurrentSyncs int    `json:"max_concurrent_syncs"`
		RegexInclude       string `json:"regex_include"`
		RegexExclude       string `json:"regex_exclude"`
		SourceBackendName  string `json:"source_backend_name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.MaxConcurrentSyncs <= 0 {
		writeError(w, http.StatusBadRequest, "max_concurrent_syncs must be > 0")
		return
	}

	ctx := r.Context()
	task, err := s.tasks.CreateTask(ctx, "sync_repos", models.TaskTypeRepoGroupSync, nil, tasks.CreateTaskOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	args, _ := json.Marshal(sync.Options{
		BackendName:        backendName,
		MaxConcurrentSyncs: body.MaxConcurrentSyncs,
		RegexInclude:       body.RegexInclude,
		RegexExclude:       body.RegexExclude,
		SourceBackendName:  body.SourceBackendName,
		TaskID:             &task.ID,
	})
	s.enqueueAndRespond(w, r, QueueSync, task, args)
}

// handleSnapshotBackend is POST /pulp_servers/{id}/snapshot.
func (s *Server) handleSnapshotBackend(w http.ResponseWriter, r *http.Request) {
	backendName, ok := s.pathBackendName(w, r)
	if !ok {
		return
	}
	var body struct {
		RegexInclude string `json:"regex_include"`
		RegexExclude string `json:"regex_exclude"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	task, err := s.tasks.CreateTask(ctx, "snapshot_repos", models.TaskTypeRepoSnapshot, nil, tasks.CreateTaskOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	args, _ := json.Marshal(snapshot.Options{
		BackendName:  backendName,
		RegexInclude: body.RegexInclude,
		RegexExclude: body.RegexExclude,
		TaskID:       &task.ID,
	})
	s.enqueueAndRespond(w, r, QueueSnapshot, task, args)
}

// handleRemoveBackendRepos is POST /pulp_servers/{id}/remove: bulk
// regex-selected repo removal (§4.8.1), distinct from /content:remove's
// single content-unit removal.
func (s *Server) handleRemoveBackendRepos(w http.ResponseWriter, r *http.Request) {
	backendName, ok := s.pathBackendName(w, r)
	if !ok {
		return
	}
	var body struct {
		RegexInclude string `json:"regex_include"`
		RegexExclude string `json:"regex_exclude"`
		DryRun       bool   `json:"dry_run"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.RegexInclude == "" && body.RegexExclude == "" {
		writeError(w, http.StatusBadRequest, "at least one of regex_include/regex_exclude is required")
		return
	}

	ctx := r.Context()
	task, err := s.tasks.CreateTask(ctx, "remove_repos", models.TaskTypeRepoRemoval, nil, tasks.CreateTaskOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	args, err := removal.NewRemoveReposJob(removal.RemoveReposOptions{
		BackendName:  backendName,
		RegexInclude: body.RegexInclude,
		RegexExclude: body.RegexExclude,
		DryRun:       body.DryRun,
		TaskID:       &task.ID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.enqueueAndRespond(w, r, QueueRemoval, task, args)
}

// pathBackendName resolves the {id} path parameter to a backend's name,
// writing an error response and returning ok=false on failure.
func (s *Server) pathBackendName(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	backend, err := s.store.Backends.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return backend.Name, true
}

// enqueueAndRespond enqueues args onto queueName, stamps task.WorkerJobID so
// a PATCH-to-cancel can cascade (§4.4's tasks.Transition), and responds with
// the task in its queued state.
func (s *Server) enqueueAndRespond(w http.ResponseWriter, r *http.Request, queueName string, task *models.Task, args json.RawMessage) {
	ctx := r.Context()
	job, err := s.queue.Enqueue(ctx, queueName, args, queue.EnqueueOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	task.WorkerJobID = job.ID
	if err := s.store.Tasks.Update(ctx, task); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

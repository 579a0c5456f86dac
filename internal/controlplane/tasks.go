package controlplane

import (
	"errors"
	"net/http"
	"sort"

	"github.com/pulpfleet/manager/internal/pulperr"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

// handleListTasks is GET /tasks (§4.10), a plain paged/filtered listing.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.store.Tasks.FilterPagedResult(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// taskWithStages is the detail shape GET /tasks/{id} returns, nesting the
// task's TaskStage rows as the spec's "with stages" route describes.
type taskWithStages struct {
	*models.Task
	Stages []*models.TaskStage `json:"stages"`
}

// handleGetTask is GET /tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	task, err := s.store.Tasks.GetByID(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	stages, err := s.store.TaskStages.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "task_id", Op: store.OpEq, Value: id}},
		SortBy:     "id", Order: "asc",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, taskWithStages{Task: task, Stages: stages})
}

// handlePatchTask is PATCH /tasks/{id} (§4.10): the only currently
// supported transition is -> canceled. tasks.Service.Transition already
// cascades the cancel into C3 via the task's worker_job_id, so this handler
// carries no bespoke queue logic.
func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		State string `json:"state"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next, err := models.ParseTaskState(body.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if next != models.TaskStateCanceled {
		writeError(w, http.StatusBadRequest, "only a transition to canceled is supported")
		return
	}

	ctx := r.Context()
	if err := s.tasks.Transition(ctx, id, next); err != nil {
		status := http.StatusInternalServerError
		switch {
		case isNotFound(err):
			status = http.StatusNotFound
		case isInvalidTransition(err):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	task, err := s.store.Tasks.GetByID(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleListRepoTasks is GET /pulp_servers/{id}/repos/{repo_id}/tasks: tasks
// linked to a backend_repo via backend_repo_task_links, sorted newest-first
// and paged in-memory since the link table has no direct join to tasks.
func (s *Server) handleListRepoTasks(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "repo_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	links, err := s.store.TaskLinks.Filter(ctx, &store.Query{
		Conditions: []store.Condition{{Field: "backend_repo_id", Op: store.OpEq, Value: repoID}},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]*models.Task, 0, len(links))
	for _, link := range links {
		task, err := s.store.Tasks.GetByID(ctx, link.TaskID)
		if err != nil {
			continue
		}
		items = append(items, task)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DateQueued.After(items[j].DateQueued) })

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	writeJSON(w, http.StatusOK, store.PagedResult[models.Task]{
		Items: items[start:end], Total: int64(len(items)), Page: page, PageSize: pageSize,
	})
}

func isNotFound(err error) bool          { return errors.Is(err, pulperr.ErrNotFound) }
func isInvalidTransition(err error) bool { return errors.Is(err, pulperr.ErrInvalidTransition) }

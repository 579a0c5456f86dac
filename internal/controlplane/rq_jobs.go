package controlplane

import (
	"net/http"
	"strconv"

	"github.com/pulpfleet/manager/internal/queue"
)

// registries is the fixed set of per-queue registries a job can sit in
// (§4.3's queued/deferred/started/finished/failed/canceled split).
var registries = []queue.Status{
	queue.StatusQueued, queue.StatusDeferred, queue.StatusStarted,
	queue.StatusFinished, queue.StatusFailed, queue.StatusCanceled,
}

// handleListQueues is GET /rq_jobs/queues (§4.10).
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	names, err := s.queue.ListQueues(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": names})
}

// handleQueueStats is GET /rq_jobs/queues/{name} (§4.10): per-registry job
// counts for one queue.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx := r.Context()
	counts := make(map[string]int64, len(registries))
	for _, reg := range registries {
		_, total, err := s.queue.ListJobs(ctx, name, string(reg), 1, 1)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[string(reg)] = total
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "registries": counts})
}

// handleQueueScheduled is GET /rq_jobs/queues/{name}/scheduled: the cron
// registrations the scheduler owns for one queue.
func (s *Server) handleQueueScheduled(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	all, err := s.sched.ListScheduled(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]queue.Registration, 0, len(all))
	for _, reg := range all {
		if reg.Queue == name {
			items = append(items, reg)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleQueueJobsByRegistry is GET /rq_jobs/queues/{name}/jobs/{registry}:
// one page of job ids in a registry, with their job bodies resolved.
func (s *Server) handleQueueJobsByRegistry(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	registry := r.PathValue("registry")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	ctx := r.Context()
	ids, total, err := s.queue.ListJobs(ctx, name, registry, page, pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jobs := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.queue.GetJob(ctx, id, false)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "total": total})
}

// handleGetJob is GET /rq_jobs/queues/jobs/{id}, optionally with the
// exception trace when ?with_exception=true (§4.3).
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	withException := r.URL.Query().Get("with_exception") == "true"
	job, err := s.queue.GetJob(r.Context(), id, withException)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

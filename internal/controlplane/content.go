package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pulpfleet/manager/internal/pulpapi"
	"github.com/pulpfleet/manager/internal/pulpclient"
	"github.com/pulpfleet/manager/internal/queue"
	"github.com/pulpfleet/manager/internal/removal"
	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/internal/tasks"
	"github.com/pulpfleet/manager/models"
)

// handleFindContent is POST /pulp_servers/{id}/repos/{repo_id}/content:find
// (§4.10): a live, read-through query of the backend's latest repo version
// content, filtered by an optional name substring (§6.1's package__iregex /
// name-substring content listing contract).
func (s *Server) handleFindContent(w http.ResponseWriter, r *http.Request) {
	backendID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repoID, err := pathID(r, "repo_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	ctx := r.Context()
	backend, err := s.store.Backends.GetByID(ctx, backendID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	br, err := s.store.BackendRepos.First(ctx, &store.Query{
		Conditions: []store.Condition{
			{Field: "backend_id", Op: store.OpEq, Value: backendID},
			{Field: "id", Op: store.OpEq, Value: repoID},
		},
		Eager: []string{"repo"},
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	client, err := s.newPulpClient(ctx, backend)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	repo, err := getRepoResource(ctx, client, br.RepoHref)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	path, err := pulpapi.ContentPackagesPath(br.Repo.RepoType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params := map[string]string{"repository_version": repo.LatestVersionHref}
	if body.Name != "" {
		params["name"] = body.Name
	}
	pages, err := client.GetPages(ctx, path+"?"+pulpclient.EncodeQuery(params))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	items := make([]pulpapi.Content, 0, len(pages))
	for _, raw := range pages {
		var c pulpapi.Content
		if err := json.Unmarshal(raw, &c); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		items = append(items, c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func getRepoResource(ctx context.Context, client *pulpclient.Client, href string) (*pulpapi.Repository, error) {
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

// handleRemoveRepoContent is POST
// /pulp_servers/{id}/repos/{repo_id}/content:remove (§4.10): creates the
// parent Task synchronously, then enqueues the actual removal onto C3 so
// a worker process invokes removal.RemoveRepoContent (§5's enqueue-not-call
// split); the Task is returned immediately in the queued state. Resolves
// the backend/repo the same way handleFindContent does, from the path
// rather than from body fields.
func (s *Server) handleRemoveRepoContent(w http.ResponseWriter, r *http.Request) {
	backendID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	repoID, err := pathID(r, "repo_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		ContentHref  string `json:"content_href"`
		ForcePublish bool   `json:"force_publish"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ContentHref == "" {
		writeError(w, http.StatusBadRequest, "content_href is required")
		return
	}

	ctx := r.Context()
	backend, err := s.store.Backends.GetByID(ctx, backendID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	br, err := s.store.BackendRepos.First(ctx, &store.Query{
		Conditions: []store.Condition{
			{Field: "backend_id", Op: store.OpEq, Value: backendID},
			{Field: "id", Op: store.OpEq, Value: repoID},
		},
		Eager: []string{"repo"},
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	task, err := s.tasks.CreateTask(ctx, "remove_repo_content", models.TaskTypeRemoveRepoContent, removal.RemoveRepoContentOptions{
		BackendName:  backend.Name,
		RepoName:     br.Repo.Name,
		ContentHref:  body.ContentHref,
		ForcePublish: body.ForcePublish,
	}, tasks.CreateTaskOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	args, err := removal.NewRemoveRepoContentJob(removal.RemoveRepoContentOptions{
		BackendName:  backend.Name,
		RepoName:     br.Repo.Name,
		ContentHref:  body.ContentHref,
		TaskID:       task.ID,
		ForcePublish: body.ForcePublish,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, err := s.queue.Enqueue(ctx, QueueRemoval, args, queue.EnqueueOptions{})
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

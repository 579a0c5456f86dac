package controlplane

import (
	"net/http"

	"github.com/pulpfleet/manager/internal/store"
)

// handleListBackends is GET /pulp_servers (§4.10), a plain paged/filtered
// listing over C1's backends repository.
func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.store.Backends.FilterPagedResult(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetBackend is GET /pulp_servers/{id}.
func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	backend, err := s.store.Backends.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, backend)
}

// handleListBackendRepos is GET /pulp_servers/{id}/repos: backend_repos
// scoped to one backend, with the generic filter grammar layered on top
// (§4.1/§4.10).
func (s *Server) handleListBackendRepos(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Conditions = append(q.Conditions, store.Condition{Field: "backend_id", Op: store.OpEq, Value: id})

	result, err := s.store.BackendRepos.FilterPagedResult(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetBackendRepo is GET /pulp_servers/{id}/repos/{repo_id}.
func (s *Server) handleGetBackendRepo(w http.ResponseWriter, r *http.Request) {
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
	br, err := s.store.BackendRepos.First(r.Context(), &store.Query{
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
	writeJSON(w, http.StatusOK, br)
}

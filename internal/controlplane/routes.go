package controlplane

import "net/http"

// buildHandler wires the §4.10 route table onto a Go 1.22 ServeMux, mirroring
// the teacher's gateway.buildHandler method-prefixed pattern registration.
// Read routes are open; mutating routes go through requireAdmin.
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("GET /auth/token_lookup", s.handleTokenLookup)

	mux.HandleFunc("GET /pulp_servers", s.handleListBackends)
	mux.HandleFunc("GET /pulp_servers/{id}", s.handleGetBackend)
	mux.HandleFunc("GET /pulp_servers/{id}/repos", s.handleListBackendRepos)
	mux.HandleFunc("GET /pulp_servers/{id}/repos/{repo_id}", s.handleGetBackendRepo)
	mux.HandleFunc("POST /pulp_servers/{id}/repos/{repo_id}/content:find", s.handleFindContent)
	mux.HandleFunc("POST /pulp_servers/{id}/repos/{repo_id}/content:remove", s.requireAdmin(s.handleRemoveRepoContent))

	mux.HandleFunc("GET /pulp_servers/{id}/repos/{repo_id}/tasks", s.handleListRepoTasks)

	mux.HandleFunc("POST /pulp_servers/{id}/snapshot", s.requireAdmin(s.handleSnapshotBackend))
	mux.HandleFunc("POST /pulp_servers/{id}/sync", s.requireAdmin(s.handleSyncBackend))
	mux.HandleFunc("POST /pulp_servers/{id}/remove", s.requireAdmin(s.handleRemoveBackendRepos))
	mux.HandleFunc("GET /pulp_servers/{id}/signing_services", s.handleListSigningServices)

	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /tasks/{id}", s.requireAdmin(s.handlePatchTask))

	mux.HandleFunc("GET /rq_jobs/queues", s.handleListQueues)
	mux.HandleFunc("GET /rq_jobs/queues/{name}", s.handleQueueStats)
	mux.HandleFunc("GET /rq_jobs/queues/{name}/scheduled", s.handleQueueScheduled)
	mux.HandleFunc("GET /rq_jobs/queues/{name}/jobs/{registry}", s.handleQueueJobsByRegistry)
	mux.HandleFunc("GET /rq_jobs/queues/jobs/{id}", s.handleGetJob)

	return mux
}

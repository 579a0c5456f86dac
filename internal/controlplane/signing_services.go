package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/pulpfleet/manager/internal/pulpapi"
)

// handleListSigningServices is GET /pulp_servers/{id}/signing_services
// (SUPPLEMENTED FEATURE 1): a read-only passthrough to the backend's
// configured signing services, since publish-stage publishers for RPM
// repos reference them.
func (s *Server) handleListSigningServices(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	backend, err := s.store.Backends.GetByID(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	client, err := s.newPulpClient(ctx, backend)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	pages, err := client.GetPages(ctx, pulpapi.SigningServicesPath)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	items := make([]pulpapi.SigningService, 0, len(pages))
	for _, raw := range pages {
		var svc pulpapi.SigningService
		if err := json.Unmarshal(raw, &svc); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		items = append(items, svc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

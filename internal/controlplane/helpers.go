package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pulpfleet/manager/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathID extracts a numeric path parameter by name (§4.1 ids are int64).
func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return 0, fmt.Errorf("missing path parameter %q", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// parseQuery builds a store.Query from the request's query string using
// §4.1's field__op filter grammar, defaulting an unset page to 1.
func parseQuery(r *http.Request) (*store.Query, error) {
	q, err := store.ParseFilter(r.URL.Query())
	if err != nil {
		return nil, err
	}
	if q.Page == 0 {
		q.Page = 1
	}
	return q, nil
}

// decodeJSON decodes a request body into v, rejecting a missing body.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

package controlplane

import (
	"net/http"
)

// handleLogin is POST /auth/login (§4.10), the original's sign_jwt contract:
// verify the credential via the configured Authenticator and sign a token
// carrying the returned group claims.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	groups, err := s.auth.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	token, expiresAt, err := s.jwt.sign(body.Username, groups)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   expiresAt,
	})
}

// handleTokenLookup is GET /auth/token_lookup (§4.10), the original's
// decode_jwt contract: decode the bearer token and echo its claims, erroring
// if it is missing, malformed, or expired.
func (s *Server) handleTokenLookup(w http.ResponseWriter, r *http.Request) {
	raw, err := bearerToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	c, err := s.jwt.parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": c.Username,
		"groups":   c.Groups,
	})
}

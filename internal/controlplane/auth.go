package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/pulpfleet/manager/internal/pulperr"
)

// Authenticator verifies a username/password pair and returns the group
// claims to embed in the signed token. LDAP bind itself is out of scope
// (spec.md §1 "LDAP server... named only by the contract the core
// consumes"); the control plane only implements the token-check contract
// against whatever Authenticator the host wires in.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (groups []string, err error)
}

// StaticAuthenticator checks a password against a single configured value,
// granting every caller the configured group set. Intended for local/dev
// deployments and tests; a production host supplies an LDAP-backed
// Authenticator implementing the same interface.
type StaticAuthenticator struct {
	Password string
	Groups   []string
}

func (a StaticAuthenticator) Authenticate(_ context.Context, _, password string) ([]string, error) {
	if password != a.Password {
		return nil, fmt.Errorf("invalid credentials: %w", pulperr.ErrUnauthorized)
	}
	return a.Groups, nil
}

// claims is the JWT payload signed on login and decoded on every
// authenticated request, mirroring the original's sign_jwt/decode_jwt shape
// (username + groups + expiry).
type claims struct {
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
	jwt.RegisteredClaims
}

// jwtManager signs and verifies the control plane's bearer tokens.
type jwtManager struct {
	secret    []byte
	lifetime  time.Duration
	algorithm jwt.SigningMethod
}

func newJWTManager(secret string, lifetime time.Duration) *jwtManager {
	return &jwtManager{secret: []byte(secret), lifetime: lifetime, algorithm: jwt.SigningMethodHS256}
}

func (m *jwtManager) sign(username string, groups []string) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.lifetime)
	tok := jwt.NewWithClaims(m.algorithm, claims{
		Username: username,
		Groups:   groups,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiresAt, nil
}

func (m *jwtManager) parse(raw string) (*claims, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("decoding token: %w: %v", pulperr.ErrUnauthorized, err)
	}
	return &c, nil
}

// bearerToken extracts the raw token from an "Authorization: Bearer <token>"
// header (original's get_jwt).
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("missing bearer token: %w", pulperr.ErrUnauthorized)
	}
	return strings.TrimPrefix(header, prefix), nil
}

// requireAdmin wraps a handler so it only runs when the caller's token
// verifies and carries a group claim intersecting adminGroups (§4.10
// "mutating routes require a valid token whose group claims intersect an
// admin group set"). When auth is disabled service-wide every request is
// let through, matching config.AuthConfig.Enabled.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Enabled {
			next(w, r)
			return
		}
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
		if !groupsIntersect(c.Groups, s.cfg.AdminGroups) {
			writeError(w, http.StatusForbidden, fmt.Sprintf("token for %s lacks an admin group claim: %v", c.Username, pulperr.ErrForbidden))
			return
		}
		next(w, r)
	}
}

func groupsIntersect(have, want []string) bool {
	set := make(map[string]struct{}, len(want))
	for _, g := range want {
		set[g] = struct{}{}
	}
	for _, g := range have {
		if _, ok := set[g]; ok {
			return true
		}
	}
	return false
}

// Package vault provides the credential lookup contract C2 uses to refresh
// Basic auth credentials for a backend (§4.2, §6.2). It is a single
// authenticated GET, not a protocol needing a dedicated client library, so
// it is implemented the same way the teacher's AzureDevOpsProvider talks to
// a REST API over plain net/http.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pulpfleet/manager/internal/config"
)

// Provider resolves the current password for a (username, mount) pair.
type Provider interface {
	CurrentPassword(ctx context.Context, username, mount string) (string, error)
}

// New returns a live HTTP-backed Provider, or a StaticProvider when cfg.IsLocal
// is set (so local/dev runs never need a vault server).
func New(cfg config.Config) Provider {
	if cfg.IsLocal {
		return StaticProvider{Password: cfg.Vault.StaticPassword}
	}
	return &httpProvider{
		addr:   cfg.Vault.Addr,
		token:  cfg.Vault.Token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// StaticProvider always returns the same password; used for IsLocal runs.
type StaticProvider struct {
	Password string
}

func (s StaticProvider) CurrentPassword(_ context.Context, _, _ string) (string, error) {
	return s.Password, nil
}

// httpProvider calls the vault's documented single-secret-read contract:
// GET <addr>/v1/<mount>/creds/<username> -> {"data":{"current_password":"..."}}.
type httpProvider struct {
	addr   string
	token  string
	client *http.Client
}

type credsResponse struct {
	Data struct {
		CurrentPassword string `json:"current_password"`
	} `json:"data"`
}

func (p *httpProvider) CurrentPassword(ctx context.Context, username, mount string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/creds/%s", p.addr, mount, username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)

	resp, err := p.client.Do(req) // #nosec G704 -- URL is built from admin-supplied config, not user input
	if err != nil {
		return "", fmt.Errorf("calling vault: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading vault response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("vault returned %d for %s/%s: %s", resp.StatusCode, mount, username, string(body))
	}

	var creds credsResponse
	if err := json.Unmarshal(body, &creds); err != nil {
		return "", fmt.Errorf("parsing vault response: %w", err)
	}
	if creds.Data.CurrentPassword == "" {
		return "", fmt.Errorf("vault returned no current_password for %s/%s", mount, username)
	}
	return creds.Data.CurrentPassword, nil
}

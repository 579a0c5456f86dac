// Package pulpclient is the C2 backend client: a single-backend HTTP
// client offering get/get_pages/post/put/patch/delete, carrying Basic
// credentials derived at construction and refreshed from vault on 401s.
package pulpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pulpfleet/manager/internal/pulperr"
	"github.com/pulpfleet/manager/internal/vault"
)

// Config identifies the backend and the credential this client refreshes.
type Config struct {
	BaseURL      string
	Username     string
	VaultMount   string
	TLSConfigured bool // when true, absolute-style URLs are upgraded to https

	// AuthRetryBudget bounds how many times a 401 triggers a credential
	// refresh + retry before giving up (§4.2).
	AuthRetryBudget int
	// GeneralRetryBudget bounds retries for other non-2xx/network failures.
	GeneralRetryBudget int
}

// Client is a single-backend HTTP client (§4.2).
type Client struct {
	cfg      Config
	http     *http.Client
	vault    vault.Provider
	password string
}

// New constructs a Client, resolving the initial password from vault.
func New(ctx context.Context, cfg Config, provider vault.Provider) (*Client, error) {
	if cfg.AuthRetryBudget <= 0 {
		cfg.AuthRetryBudget = 1
	}
	if cfg.GeneralRetryBudget <= 0 {
		cfg.GeneralRetryBudget = 3
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: 60 * time.Second},
		vault: provider,
	}
	pw, err := provider.CurrentPassword(ctx, cfg.Username, cfg.VaultMount)
	if err != nil {
		return nil, fmt.Errorf("resolving initial credential for %s: %w", cfg.BaseURL, err)
	}
	c.password = pw
	return c, nil
}

// Get issues a GET against a path relative to BaseURL.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.resolvePath(path), nil)
}

// GetAbsolute issues a GET against a full URL previously emitted by the
// backend (e.g. a `next` link), upgrading http to https when configured.
func (c *Client) GetAbsolute(ctx context.Context, absoluteURL string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.resolveAbsolute(absoluteURL), nil)
}

// Post issues a POST with a JSON-encoded body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.doJSON(ctx, http.MethodPost, c.resolvePath(path), body)
}

// Put issues a PUT with a JSON-encoded body.
func (c *Client) Put(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.doJSON(ctx, http.MethodPut, c.resolvePath(path), body)
}

// Patch issues a PATCH with a JSON-encoded body.
func (c *Client) Patch(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.doJSON(ctx, http.MethodPatch, c.resolvePath(path), body)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, c.resolvePath(path), nil)
}

// pagedResponse is the shape every paged Pulp-style list endpoint returns.
type pagedResponse struct {
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// GetPages follows the `next` link until null, concatenating `results`
// (§4.2 paging).
func (c *Client) GetPages(ctx context.Context, path string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	body, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	for {
		var page pagedResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decoding page: %w", err)
		}
		all = append(all, page.Results...)
		if page.Next == nil || *page.Next == "" {
			break
		}
		body, err = c.GetAbsolute(ctx, *page.Next)
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (c *Client) resolvePath(path string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	return base + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) resolveAbsolute(absoluteURL string) string {
	if c.cfg.TLSConfigured && strings.HasPrefix(absoluteURL, "http://") {
		return "https://" + strings.TrimPrefix(absoluteURL, "http://")
	}
	return absoluteURL
}

func (c *Client) doJSON(ctx context.Context, method, fullURL string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, fullURL, body)
}

// do issues one request, refreshing credentials on 401 up to
// AuthRetryBudget times and retrying other failures up to
// GeneralRetryBudget times before raising a BackendError (§4.2).
func (c *Client) do(ctx context.Context, method, fullURL string, body io.Reader) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
	}

	authAttempts, generalAttempts := 0, 0
	var lastStatus int
	var lastBody string

	for {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.SetBasicAuth(c.cfg.Username, c.password)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req) // #nosec G704 -- URL is built from admin-supplied backend config, not user input
		if err != nil {
			generalAttempts++
			if generalAttempts > c.cfg.GeneralRetryBudget {
				return nil, pulperr.NewBackendError(method, fullURL, 0, err.Error())
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}

		lastStatus, lastBody = resp.StatusCode, string(data)

		if resp.StatusCode == http.StatusUnauthorized {
			authAttempts++
			if authAttempts > c.cfg.AuthRetryBudget {
				return nil, pulperr.NewBackendError(method, fullURL, lastStatus, lastBody)
			}
			if err := c.refreshCredential(ctx); err != nil {
				return nil, fmt.Errorf("refreshing credential after 401: %w", err)
			}
			continue
		}

		generalAttempts++
		if generalAttempts > c.cfg.GeneralRetryBudget {
			return nil, pulperr.NewBackendError(method, fullURL, lastStatus, lastBody)
		}
	}
}

func (c *Client) refreshCredential(ctx context.Context) error {
	pw, err := c.vault.CurrentPassword(ctx, c.cfg.Username, c.cfg.VaultMount)
	if err != nil {
		return err
	}
	c.password = pw
	return nil
}

// EncodeQuery builds a URL-escaped query string from plain key/value pairs,
// used by callers composing filter/paged list requests.
func EncodeQuery(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}

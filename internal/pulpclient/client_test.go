package pulpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeVault struct {
	calls    int
	password string
}

func (f *fakeVault) CurrentPassword(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.password, nil
}

func TestGetReturnsDecodedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc-pulp" || pass != "s3cret" {
			t.Fatalf("expected basic auth svc-pulp/s3cret, got %q/%q ok=%v", user, pass, ok)
		}
		w.Write([]byte(`{"name":"epel-9"}`))
	}))
	defer srv.Close()

	fv := &fakeVault{password: "s3cret"}
	c, err := New(context.Background(), Config{BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp"}, fv)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	body, err := c.Get(context.Background(), "/pulp/api/v3/repositories/rpm/rpm/abc/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var decoded struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Name != "epel-9" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestGetRefreshesCredentialOn401(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		_, pass, _ := r.BasicAuth()
		if pass != "rotated" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	fv := &fakeVault{password: "stale"}
	c, err := New(context.Background(), Config{BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp", AuthRetryBudget: 2}, fv)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	fv.password = "rotated"

	if _, err := c.Get(context.Background(), "/anything"); err != nil {
		t.Fatalf("expected eventual success after credential refresh: %v", err)
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
	if fv.calls < 2 {
		t.Fatalf("expected vault to be consulted again after 401, calls=%d", fv.calls)
	}
}

func TestGetExhaustsAuthRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	fv := &fakeVault{password: "never-right"}
	c, err := New(context.Background(), Config{BaseURL: srv.URL, Username: "svc-pulp", VaultMount: "pulp", AuthRetryBudget: 1}, fv)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = c.Get(context.Background(), "/anything")
	if err == nil {
		t.Fatalf("expected a BackendError once the auth retry budget is exhausted")
	}
}

func TestGetPagesConcatenatesResults(t *testing.T) {
	var baseURL string
	page := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		page++
		w.Write([]byte(`{"next":"` + baseURL + `/page2","results":[{"id":1},{"id":2}]}`))
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		page++
		w.Write([]byte(`{"next":null,"results":[{"id":3}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	baseURL = srv.URL

	fv := &fakeVault{password: "x"}
	c, err := New(context.Background(), Config{BaseURL: srv.URL, Username: "svc", VaultMount: "pulp"}, fv)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	results, err := c.GetPages(context.Background(), "/page1")
	if err != nil {
		t.Fatalf("get pages: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 concatenated results, got %d", len(results))
	}
}

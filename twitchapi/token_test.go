package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memTokenStore struct {
	mu     sync.Mutex
	access string
	expiry time.Time
}

func (m *memTokenStore) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access = access
	m.expiry = expiry
	return nil
}

func (m *memTokenStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access, "", m.expiry, "", nil
}

func tokenServer(t *testing.T, requests *int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Fatalf("grant_type = %q", r.Form.Get("grant_type"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenSourceCaches(t *testing.T) {
	requests := 0
	server := tokenServer(t, &requests)
	ts := &TokenSource{ClientID: "cid", ClientSecret: "sec", TokenURL: server.URL}
	for i := 0; i < 3; i++ {
		tok, err := ts.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "tok-1" {
			t.Fatalf("token = %q", tok)
		}
	}
	if requests != 1 {
		t.Fatalf("expected one upstream fetch, got %d", requests)
	}
}

func TestTokenSourceMissingCreds(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error without client id/secret")
	}
}

func TestTokenSourcePersists(t *testing.T) {
	requests := 0
	server := tokenServer(t, &requests)
	store := &memTokenStore{}
	ts := &TokenSource{ClientID: "cid", ClientSecret: "sec", TokenURL: server.URL, Store: store}
	if _, err := ts.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.access != "tok-1" {
		t.Fatalf("persisted token = %q", store.access)
	}

	// A fresh source (new process) reuses the stored token without a fetch.
	ts2 := &TokenSource{ClientID: "cid", ClientSecret: "sec", TokenURL: server.URL, Store: store}
	tok, err := ts2.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-1" {
		t.Fatalf("token = %q", tok)
	}
	if requests != 1 {
		t.Fatalf("expected persisted reuse, got %d upstream fetches", requests)
	}
}

func TestTokenSourceSkipsExpiredStored(t *testing.T) {
	requests := 0
	server := tokenServer(t, &requests)
	store := &memTokenStore{access: "old", expiry: time.Now().Add(-time.Minute)}
	ts := &TokenSource{ClientID: "cid", ClientSecret: "sec", TokenURL: server.URL, Store: store}
	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok-1" || requests != 1 {
		t.Fatalf("token = %q requests = %d", tok, requests)
	}
}

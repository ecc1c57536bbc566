package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockHelixServer creates a test server that mocks Twitch Helix API responses
type MockHelixServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockHelixServer creates a new mock Twitch API server
func NewMockHelixServer(t *testing.T) *MockHelixServer {
	t.Helper()
	m := &MockHelixServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockStreamsResponse adds a handler for the /streams endpoint
func (m *MockHelixServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/streams"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockClipsResponse adds a handler for the /clips endpoint
func (m *MockHelixServer) MockClipsResponse(clips []map[string]interface{}) {
	m.Handlers["/clips"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": clips,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockUsersResponse adds a handler for the /users endpoint
func (m *MockHelixServer) MockUsersResponse(users []map[string]string) {
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": users,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockHelixServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockDiscordServer mocks the handful of Discord REST routes the bot drives.
// It records every message written to it and serves message ids from a
// counter, so tests can assert on the exact sequence of channel operations.
type MockDiscordServer struct {
	*httptest.Server

	mu      sync.Mutex
	nextID  int
	Sends   []string // message ids in creation order
	Edits   []string // message ids edited
	Deletes []string // message ids deleted
	Gone    map[string]bool
}

// NewMockDiscordServer creates a new mock Discord API server
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{nextID: 1000, Gone: map[string]bool{}}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

// MarkGone makes subsequent operations on the message id return code 10008.
func (m *MockDiscordServer) MarkGone(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gone[messageID] = true
}

func (m *MockDiscordServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	w.Header().Set("Content-Type", "application/json")

	// /channels/<id>
	if len(parts) == 2 && parts[0] == "channels" {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": parts[1], "name": "live-now"}) //nolint:errcheck
		return
	}
	// /channels/<id>/messages
	if len(parts) == 3 && parts[2] == "messages" && r.Method == http.MethodPost {
		m.nextID++
		id := fmt.Sprintf("%d", m.nextID)
		m.Sends = append(m.Sends, id)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id}) //nolint:errcheck
		return
	}
	// /channels/<id>/messages/bulk-delete
	if len(parts) == 4 && parts[3] == "bulk-delete" && r.Method == http.MethodPost {
		var body struct {
			Messages []string `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		m.Deletes = append(m.Deletes, body.Messages...)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// /channels/<id>/messages/<mid>
	if len(parts) == 4 && parts[2] == "messages" {
		mid := parts[3]
		if m.Gone[mid] {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 10008, "message": "Unknown Message"}) //nolint:errcheck
			return
		}
		switch r.Method {
		case http.MethodPatch:
			m.Edits = append(m.Edits, mid)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": mid}) //nolint:errcheck
		case http.MethodDelete:
			m.Deletes = append(m.Deletes, mid)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

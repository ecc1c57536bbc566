package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/onnwee/roster-herald/docstore"
	"github.com/onnwee/roster-herald/roster"
	"github.com/onnwee/roster-herald/twitchapi"
)

// TrackerAdmin is the scheduler surface the admin endpoints drive.
type TrackerAdmin interface {
	Bootstrap(ctx context.Context, guildID string, tt roster.TrackerType, channelID string) error
	Stop(ctx context.Context, guildID string, tt roster.TrackerType) (bool, error)
	Running() []string
}

// UserResolver turns Twitch logins into user records for roster admin.
type UserResolver interface {
	GetUsers(ctx context.Context, logins []string) ([]twitchapi.User, error)
}

// ClipAdmin re-arms errored clip documents.
type ClipAdmin interface {
	Retry(ctx context.Context, docPath string) error
}

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	store    docstore.Store
	trackers TrackerAdmin
	users    UserResolver
	clips    ClipAdmin
}

// NewHandlers wires handler dependencies.
func NewHandlers(db *sql.DB, store docstore.Store, trackers TrackerAdmin, users UserResolver, clips ClipAdmin) *Handlers {
	return &Handlers{db: db, store: store, trackers: trackers, users: users, clips: clips}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok")) //nolint:errcheck
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"documents", func() error {
			_, err := h.store.List(r.Context(), "trackers")
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus summarizes running tracker loops and recent pass/conversion
// heartbeats from the kv table.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	running := h.trackers.Running()
	sort.Strings(running)

	heartbeats := map[string]string{}
	if h.db == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": running, "count": len(running), "heartbeats": heartbeats})
		return
	}
	rows, err := h.db.QueryContext(r.Context(),
		`SELECT key, value FROM kv WHERE key LIKE 'tracker_pass:%' OR key LIKE 'clip_convert:%' ORDER BY key`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if rows.Scan(&k, &v) == nil {
				heartbeats[k] = v
			}
		}
		_ = rows.Err() //nolint:errcheck
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"running":    running,
		"count":      len(running),
		"heartbeats": heartbeats,
	})
}

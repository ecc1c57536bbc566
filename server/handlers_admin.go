package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/onnwee/roster-herald/docstore"
	"github.com/onnwee/roster-herald/roster"
	"github.com/onnwee/roster-herald/telemetry"
)

type trackerRequest struct {
	GuildID   string `json:"guild_id"`
	Tracker   string `json:"tracker"`
	ChannelID string `json:"channel_id"`
	Login     string `json:"login"`
}

func decodeTrackerRequest(w http.ResponseWriter, r *http.Request) (trackerRequest, roster.TrackerType, bool) {
	var req trackerRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, "", false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return req, "", false
	}
	tt := roster.TrackerType(strings.ToLower(req.Tracker))
	if req.GuildID == "" || !tt.Valid() {
		http.Error(w, "guild_id and a valid tracker (vip|pool|pile|train) are required", http.StatusBadRequest)
		return req, "", false
	}
	return req, tt, true
}

// HandleTrackerEnable binds a tracker to a channel and starts its loop.
// The response reports the one-shot outcome; steady-state failures afterwards
// go to logs only.
func (h *Handlers) HandleTrackerEnable(w http.ResponseWriter, r *http.Request) {
	req, tt, ok := decodeTrackerRequest(w, r)
	if !ok {
		return
	}
	if req.ChannelID == "" {
		http.Error(w, "channel_id is required", http.StatusBadRequest)
		return
	}
	if err := h.trackers.Bootstrap(r.Context(), req.GuildID, tt, req.ChannelID); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("tracker enable failed", "guild_id", req.GuildID, "tracker", req.Tracker, "error", err)
		http.Error(w, "bootstrap failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// HandleTrackerDisable stops a tracker loop and removes its messages.
func (h *Handlers) HandleTrackerDisable(w http.ResponseWriter, r *http.Request) {
	req, tt, ok := decodeTrackerRequest(w, r)
	if !ok {
		return
	}
	existed, err := h.trackers.Stop(r.Context(), req.GuildID, tt)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("tracker disable failed", "guild_id", req.GuildID, "tracker", req.Tracker, "error", err)
		http.Error(w, "teardown failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled", "existed": existed})
}

// HandleRosterAdd resolves a Twitch login and adds it to the tracker's roster.
// Works on unconfigured trackers too, so a roster can be built before the
// tracker is bound to a channel.
func (h *Handlers) HandleRosterAdd(w http.ResponseWriter, r *http.Request) {
	req, tt, ok := decodeTrackerRequest(w, r)
	if !ok {
		return
	}
	login := strings.ToLower(strings.TrimSpace(req.Login))
	if login == "" {
		http.Error(w, "login is required", http.StatusBadRequest)
		return
	}

	users, err := h.users.GetUsers(r.Context(), []string{login})
	if err != nil {
		http.Error(w, "resolve login: "+err.Error(), http.StatusBadGateway)
		return
	}
	if len(users) == 0 {
		http.Error(w, "no such Twitch login: "+login, http.StatusNotFound)
		return
	}
	u := users[0]

	path := roster.StatePath(req.GuildID, tt)
	err = h.store.RunTransaction(r.Context(), func(ctx context.Context, tx docstore.Tx) error {
		doc, found, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		state := roster.State{Members: map[string]roster.Member{}}
		if found {
			state = roster.StateFromDoc(doc)
		}
		state.Members[u.ID] = roster.Member{
			ID:     u.ID,
			Login:  u.Login,
			Name:   u.DisplayName,
			Avatar: u.ProfileImageURL,
		}
		return tx.Set(ctx, path, state.Fields(), true)
	})
	if err != nil {
		http.Error(w, "update roster: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added", "id": u.ID, "login": u.Login})
}

// HandleRosterRemove drops a member by login. The member's card, if posted,
// disappears on the next reconciliation pass.
func (h *Handlers) HandleRosterRemove(w http.ResponseWriter, r *http.Request) {
	req, tt, ok := decodeTrackerRequest(w, r)
	if !ok {
		return
	}
	login := strings.ToLower(strings.TrimSpace(req.Login))
	if login == "" {
		http.Error(w, "login is required", http.StatusBadRequest)
		return
	}

	path := roster.StatePath(req.GuildID, tt)
	removed := false
	err := h.store.RunTransaction(r.Context(), func(ctx context.Context, tx docstore.Tx) error {
		doc, found, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		state := roster.StateFromDoc(doc)
		for id, m := range state.Members {
			if strings.EqualFold(m.Login, login) {
				delete(state.Members, id)
				removed = true
			}
		}
		if !removed {
			return nil
		}
		return tx.Set(ctx, path, state.Fields(), true)
	})
	if err != nil {
		http.Error(w, "update roster: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "member not on roster: "+login, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "login": login})
}

type clipRetryRequest struct {
	GuildID       string `json:"guild_id"`
	BroadcasterID string `json:"broadcaster_id"`
}

// HandleClipRetry resets an errored clip document to pending and re-runs the
// conversion.
func (h *Handlers) HandleClipRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req clipRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.GuildID == "" || req.BroadcasterID == "" {
		http.Error(w, "guild_id and broadcaster_id are required", http.StatusBadRequest)
		return
	}
	if err := h.clips.Retry(r.Context(), roster.ClipPath(req.GuildID, req.BroadcasterID)); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

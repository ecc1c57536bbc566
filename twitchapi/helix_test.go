package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func primedSource() *TokenSource {
	ts := &TokenSource{ClientID: "cid", ClientSecret: "sec"}
	ts.SetToken("test-token", time.Now().Add(time.Hour))
	return ts
}

func TestGetStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("Authorization = %q", got)
		}
		ids := r.URL.Query()["user_id"]
		if len(ids) != 2 {
			t.Fatalf("user_id params = %v", ids)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"user_id":      "1",
				"user_login":   "alpha",
				"user_name":    "Alpha",
				"game_name":    "Tetris",
				"title":        "speedrun",
				"viewer_count": 12,
				"started_at":   "2024-10-15T14:30:00Z",
			}},
		})
	}))
	defer server.Close()

	hc := &HelixClient{AppTokenSource: primedSource(), ClientID: "cid", BaseURL: server.URL}
	streams, err := hc.GetStreams(context.Background(), []string{"1", "2"})
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	s := streams[0]
	if s.UserID != "1" || s.UserLogin != "alpha" || s.ViewerCount != 12 || s.GameName != "Tetris" {
		t.Fatalf("stream = %+v", s)
	}
	if s.StartedAt.IsZero() {
		t.Fatal("started_at not parsed")
	}
}

func TestGetStreamsEmptyIDs(t *testing.T) {
	hc := &HelixClient{AppTokenSource: primedSource(), ClientID: "cid"}
	streams, err := hc.GetStreams(context.Background(), nil)
	if err != nil || streams != nil {
		t.Fatalf("GetStreams(nil) = %v, %v", streams, err)
	}
}

func TestGetStreamsBatches(t *testing.T) {
	var batches [][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batches = append(batches, r.URL.Query()["user_id"])
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	}))
	defer server.Close()

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = "u"
	}
	hc := &HelixClient{AppTokenSource: primedSource(), ClientID: "cid", BaseURL: server.URL}
	if _, err := hc.GetStreams(context.Background(), ids); err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 || len(batches[0]) != 100 || len(batches[1]) != 50 {
		t.Fatalf("batch sizes = %v", func() []int {
			var n []int
			for _, b := range batches {
				n = append(n, len(b))
			}
			return n
		}())
	}
}

func TestGetClips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clips" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("broadcaster_id"); got != "42" {
			t.Fatalf("broadcaster_id = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"id":            "clip-1",
				"url":           "https://clips.example/clip-1",
				"thumbnail_url": "https://clips.example/clip-1.jpg",
				"duration":      24.5,
			}},
		})
	}))
	defer server.Close()

	hc := &HelixClient{AppTokenSource: primedSource(), ClientID: "cid", BaseURL: server.URL}
	clips, err := hc.GetClips(context.Background(), "42", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(clips) != 1 || clips[0].ID != "clip-1" || clips[0].Duration != 24.5 {
		t.Fatalf("clips = %+v", clips)
	}
}

func TestDoJSONRetriesOn5xx(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	}))
	defer server.Close()

	hc := &HelixClient{AppTokenSource: primedSource(), ClientID: "cid", BaseURL: server.URL}
	if _, err := hc.GetStreams(context.Background(), []string{"1"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestDoJSONRefreshesOn401(t *testing.T) {
	tokenRequests := 0
	var mux http.ServeMux
	server := httptest.NewServer(&mux)
	defer server.Close()

	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-token", "expires_in": 3600})
	})
	userAttempts := 0
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		userAttempts++
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"id": "u-1", "login": "alpha"}}})
	})

	ts := &TokenSource{ClientID: "cid", ClientSecret: "sec", TokenURL: server.URL + "/oauth2/token"}
	ts.SetToken("stale-token", time.Now().Add(time.Hour))
	hc := &HelixClient{AppTokenSource: ts, ClientID: "cid", BaseURL: server.URL}

	users, err := hc.GetUsers(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if len(users) != 1 || users[0].ID != "u-1" {
		t.Fatalf("users = %+v", users)
	}
	if tokenRequests != 1 {
		t.Fatalf("expected one token refresh, got %d", tokenRequests)
	}
	if userAttempts != 2 {
		t.Fatalf("expected stale then fresh attempt, got %d", userAttempts)
	}
}

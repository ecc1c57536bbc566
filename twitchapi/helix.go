package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// helixMaxRetries bounds attempts per request; 429 and 5xx count as retryable.
const helixMaxRetries = 3

// streamsBatchSize is the Helix per-request cap on user_id parameters.
const streamsBatchSize = 100

// HelixClient provides the Helix calls the trackers need.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string // test override; defaults to https://api.twitch.tv/helix
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return "https://api.twitch.tv/helix"
}

// Stream is one currently-live broadcast. Ids absent from a GetStreams
// response are offline, not an error.
type Stream struct {
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
	// ThumbnailURL contains {width}/{height} placeholders Helix expects the
	// caller to substitute.
	ThumbnailURL string `json:"thumbnail_url"`
}

// Clip is one recent clip of a broadcaster.
type Clip struct {
	ID           string  `json:"id"`
	URL          string  `json:"url"`
	ThumbnailURL string  `json:"thumbnail_url"`
	Title        string  `json:"title"`
	Duration     float64 `json:"duration"`
}

// User is a Helix user record, used for roster admin login resolution.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// doJSON performs an authenticated GET and decodes the response into out.
// Retries on 429 (honoring Retry-After) and 5xx; a 401 invalidates the cached
// app token and retries once with a fresh one.
func (hc *HelixClient) doJSON(ctx context.Context, path string, q url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt < helixMaxRetries+1; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}
		func() {
			defer func() {
				if err := resp.Body.Close(); err != nil {
					slog.Warn("failed to close response body", slog.Any("err", err))
				}
			}()
			switch {
			case resp.StatusCode == http.StatusOK:
				lastErr = json.NewDecoder(resp.Body).Decode(out)
			case resp.StatusCode == http.StatusUnauthorized:
				hc.AppTokenSource.Invalidate()
				lastErr = fmt.Errorf("helix %s: unauthorized", path)
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				lastErr = fmt.Errorf("helix %s: %s", path, resp.Status)
				if wait := retryAfter(resp); wait > 0 {
					select {
					case <-ctx.Done():
					case <-time.After(wait):
					}
				}
			default:
				b, _ := io.ReadAll(resp.Body)
				lastErr = fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
			}
		}()
		if lastErr == nil {
			return nil
		}
		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Second
}

// GetStreams returns live status for the given user ids, batching the Helix
// 100-id limit. The result preserves only what Helix reports; callers order it.
func (hc *HelixClient) GetStreams(ctx context.Context, userIDs []string) ([]Stream, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var out []Stream
	for start := 0; start < len(userIDs); start += streamsBatchSize {
		end := min(start+streamsBatchSize, len(userIDs))
		q := url.Values{}
		for _, id := range userIDs[start:end] {
			q.Add("user_id", id)
		}
		q.Set("first", strconv.Itoa(end-start))
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.doJSON(ctx, "/streams", q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// GetClips lists recent clips for a broadcaster, newest window first.
func (hc *HelixClient) GetClips(ctx context.Context, broadcasterID string, limit int) ([]Clip, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	if limit <= 0 {
		limit = 5
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("first", strconv.Itoa(limit))
	var body struct {
		Data []Clip `json:"data"`
	}
	if err := hc.doJSON(ctx, "/clips", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetUsers resolves login names to user records (max 100 per Helix call;
// roster edits pass one or two logins so no batching here).
func (hc *HelixClient) GetUsers(ctx context.Context, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", l)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.doJSON(ctx, "/users", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Package discord contains a minimal REST client for the channel/message
// operations the trackers need: fetch channel, send/edit/delete message, and
// bulk delete. Errors distinguish "target gone" and "missing access" from
// transient failures so callers can self-heal stale state.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Sentinel errors mapped from the Discord error codes the reconciler cares
// about. Everything else surfaces as a plain wrapped error.
var (
	ErrNotFound      = errors.New("discord: not found")      // 10003 unknown channel, 10008 unknown message
	ErrMissingAccess = errors.New("discord: missing access") // 50001 missing access, 50013 missing permissions
)

// Embed is the subset of a Discord embed the card builders use.
type Embed struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	URL         string      `json:"url,omitempty"`
	Color       int         `json:"color,omitempty"`
	Thumbnail   *EmbedMedia `json:"thumbnail,omitempty"`
	Image       *EmbedMedia `json:"image,omitempty"`
	Footer      *EmbedText  `json:"footer,omitempty"`
}

type EmbedMedia struct {
	URL string `json:"url"`
}

type EmbedText struct {
	Text string `json:"text"`
}

// Message is an outbound create/edit payload.
type Message struct {
	Content string  `json:"content"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Channel is the fetched channel metadata.
type Channel struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
}

// Client is a bot-token REST client.
type Client struct {
	Token      string
	BaseURL    string // test override; defaults to the v10 API
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "https://discord.com/api/v10"
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do performs one request, mapping the not-found/missing-access taxonomy to
// sentinels and honoring one 429 retry_after pause per call.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		var rd io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			rd = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base()+path, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.Token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http().Do(req)
		if err != nil {
			return err
		}
		retry, err := c.handle(resp, out)
		if !retry {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("discord %s %s: rate limited after retry", method, path)
}

func (c *Client) handle(resp *http.Response, out any) (retry bool, err error) {
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.Any("err", cerr))
		}
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			return false, json.NewDecoder(resp.Body).Decode(out)
		}
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		var rl struct {
			RetryAfter float64 `json:"retry_after"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&rl)
		wait := time.Duration(rl.RetryAfter * float64(time.Second))
		if wait <= 0 {
			wait = time.Second
		}
		slog.Debug("discord rate limited", slog.Duration("retry_after", wait))
		time.Sleep(wait)
		return true, nil
	default:
		raw, _ := io.ReadAll(resp.Body)
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		switch ae.Code {
		case 10003, 10008:
			return false, fmt.Errorf("%w (code %d)", ErrNotFound, ae.Code)
		case 50001, 50013:
			return false, fmt.Errorf("%w (code %d)", ErrMissingAccess, ae.Code)
		}
		if resp.StatusCode == http.StatusNotFound {
			return false, fmt.Errorf("%w (%s)", ErrNotFound, resp.Status)
		}
		if resp.StatusCode == http.StatusForbidden {
			return false, fmt.Errorf("%w (%s)", ErrMissingAccess, resp.Status)
		}
		return false, fmt.Errorf("discord: %s: %s", resp.Status, string(raw))
	}
}

// FetchChannel returns channel metadata; ErrNotFound when it no longer exists.
func (c *Client) FetchChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Send posts a message and returns its id.
func (c *Client) Send(ctx context.Context, channelID string, m Message) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", m, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("discord: send returned empty message id")
	}
	return created.ID, nil
}

// Edit rewrites an existing message in place.
func (c *Client) Edit(ctx context.Context, channelID, messageID string, m Message) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, m, nil)
}

// Delete removes one message; ErrNotFound when it is already gone.
func (c *Client) Delete(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

// BulkDelete removes up to 100 messages in one call. Discord rejects batches
// with messages older than two weeks; callers fall back to per-message deletes
// on any error here.
func (c *Client) BulkDelete(ctx context.Context, channelID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(messageIDs) == 1 {
		return c.Delete(ctx, channelID, messageIDs[0])
	}
	payload := struct {
		Messages []string `json:"messages"`
	}{Messages: messageIDs}
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages/bulk-delete", payload, nil)
}

// Package roster implements the live-roster reconciliation engine shared by the
// four tracker types: fetch the current live set, diff it against the posted
// message state, apply the minimal channel operations, and persist the result
// so a restart resumes without re-creating or orphaning messages.
package roster

import (
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/roster-herald/docstore"
)

// TrackerType is one of the four roster categories. Each has its own selection
// policy and channel layout but shares the reconciliation engine.
type TrackerType string

const (
	TrackerVIP   TrackerType = "vip"
	TrackerPool  TrackerType = "pool"
	TrackerPile  TrackerType = "pile"
	TrackerTrain TrackerType = "train"
)

// AllTrackerTypes lists every tracker category, in stagger order.
var AllTrackerTypes = []TrackerType{TrackerVIP, TrackerPool, TrackerPile, TrackerTrain}

// Valid reports whether t names a known tracker type.
func (t TrackerType) Valid() bool {
	switch t {
	case TrackerVIP, TrackerPool, TrackerPile, TrackerTrain:
		return true
	}
	return false
}

// LiveEntity is one roster member observed to be currently broadcasting.
// Entities are never merged across passes; each pass builds a fresh list.
type LiveEntity struct {
	ID          string // stable external id (Twitch user id)
	Login       string
	DisplayName string
	AvatarURL   string
	Game        string
	Viewers     int
	Title       string
	StartedAt   time.Time
	Thumbnail   string
	Message     string // optional per-member custom message
	Points      int    // optional per-member point total
}

// Member is the persisted roster entry for one tracked account.
type Member struct {
	ID     string `json:"id"`
	Login  string `json:"login"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Note   string `json:"note"`
	Points int    `json:"points"`
}

// ScheduleSlot maps a fixed hour to a claimant (Raid Train only). Read-only
// input here; a separate sign-up surface mutates the underlying documents.
type ScheduleSlot struct {
	Hour      int
	Claimant  string // login; empty means open
	ClaimID   string // user id of the claimant
	Emergency bool
}

// Label renders the slot's time label, e.g. "14:00 UTC".
func (s ScheduleSlot) Label() string { return fmt.Sprintf("%02d:00 UTC", s.Hour) }

// State is the persisted per-(guild, tracker) record: channel binding, roster
// membership, and the posted-id map from the previous reconciliation pass.
// It is owned exclusively by that pair's reconciliation loop.
type State struct {
	ChannelID     string
	Slots         map[string]string // logical slot name -> message id
	Cards         map[string]string // entity id -> message id
	ClipMessageID string
	ClipGifURL    string // last posted clip, so an unchanged clip is not re-posted
	Rotation      int
	Members       map[string]Member
}

// StatePath returns the document path for a pair's persisted state. Paths use
// a single "<guild>:<type>" segment so every tracker config shares one
// collection and can be listed for resume-on-restart.
func StatePath(guildID string, tt TrackerType) string {
	return fmt.Sprintf("trackers/%s:%s", guildID, tt)
}

// SchedulePath returns the document path for a guild's schedule slot.
func SchedulePath(guildID string, hour int) string {
	return fmt.Sprintf("schedule/%s:%02d", guildID, hour)
}

// ClipPath returns the document path for a broadcaster's clip document.
func ClipPath(guildID, broadcasterID string) string {
	return fmt.Sprintf("clips/%s:%s", guildID, broadcasterID)
}

// StateFromDoc decodes a persisted state document.
func StateFromDoc(d docstore.Doc) State {
	st := State{
		ChannelID:     d.Str("channel_id"),
		Slots:         d.StrMap("slots"),
		Cards:         d.StrMap("cards"),
		ClipMessageID: d.Str("clip_message_id"),
		ClipGifURL:    d.Str("clip_gif_url"),
		Rotation:      d.Int("rotation"),
		Members:       map[string]Member{},
	}
	if raw, ok := d.Fields["members"].(map[string]any); ok {
		for id, v := range raw {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			sub := docstore.Doc{Fields: m}
			st.Members[id] = Member{
				ID:     id,
				Login:  sub.Str("login"),
				Name:   sub.Str("name"),
				Avatar: sub.Str("avatar"),
				Note:   sub.Str("note"),
				Points: sub.Int("points"),
			}
		}
	}
	return st
}

// Fields encodes the state for persistence.
func (s State) Fields() map[string]any {
	members := map[string]any{}
	for id, m := range s.Members {
		members[id] = map[string]any{
			"login":  m.Login,
			"name":   m.Name,
			"avatar": m.Avatar,
			"note":   m.Note,
			"points": m.Points,
		}
	}
	return map[string]any{
		"channel_id":      s.ChannelID,
		"slots":           s.Slots,
		"cards":           s.Cards,
		"clip_message_id": s.ClipMessageID,
		"clip_gif_url":    s.ClipGifURL,
		"rotation":        s.Rotation,
		"members":         members,
	}
}

// MemberIDs returns the roster's external ids in a stable order.
func (s State) MemberIDs() []string {
	ids := make([]string, 0, len(s.Members))
	for id := range s.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SortEntities orders by ascending stream start, ties broken by id so one
// pass's ordering is deterministic.
func SortEntities(entities []LiveEntity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].StartedAt.Equal(entities[j].StartedAt) {
			return entities[i].ID < entities[j].ID
		}
		return entities[i].StartedAt.Before(entities[j].StartedAt)
	})
}

package roster

import (
	"fmt"
	"time"

	"github.com/onnwee/roster-herald/discord"
)

// Embed accent colors per tracker type.
const (
	colorVIP   = 0xF1C40F
	colorPool  = 0x3498DB
	colorPile  = 0xE74C3C
	colorTrain = 0x2ECC71
)

func liveCard(e LiveEntity, color int, highlighted bool) discord.Message {
	embed := discord.Embed{
		Title:       fmt.Sprintf("%s is live!", e.DisplayName),
		Description: fmt.Sprintf("**%s**\nPlaying %s for %d viewers", e.Title, e.Game, e.Viewers),
		URL:         "https://www.twitch.tv/" + e.Login,
		Color:       color,
	}
	if e.AvatarURL != "" {
		embed.Thumbnail = &discord.EmbedMedia{URL: e.AvatarURL}
	}
	if highlighted && e.Thumbnail != "" {
		embed.Image = &discord.EmbedMedia{URL: e.Thumbnail}
	}
	if e.Message != "" {
		embed.Footer = &discord.EmbedText{Text: e.Message}
	}
	return discord.Message{Embeds: []discord.Embed{embed}}
}

func countFooter(n int) discord.Message {
	label := "streamers"
	if n == 1 {
		label = "streamer"
	}
	return discord.Message{Content: fmt.Sprintf("%d %s live right now", n, label)}
}

// earliest returns a copy of the first entity (the longest-running live
// broadcast, given the input ordering) or nil for an empty list.
func earliest(entities []LiveEntity) *LiveEntity {
	if len(entities) == 0 {
		return nil
	}
	e := entities[0]
	return &e
}

// VIPPolicy shows every live VIP as a card; the longest-live VIP is
// highlighted and carries the clip.
type VIPPolicy struct{}

func (VIPPolicy) Type() TrackerType             { return TrackerVIP }
func (VIPPolicy) FirstTickDelay() time.Duration { return 5 * time.Second }

func (VIPPolicy) Select(in SelectInput) Selection {
	return Selection{
		Cards:        in.Entities,
		Highlight:    earliest(in.Entities),
		RotationNext: in.Rotation,
	}
}

func (VIPPolicy) Card(e LiveEntity, highlighted bool) discord.Message {
	return liveCard(e, colorVIP, highlighted)
}

func (VIPPolicy) Header(sel Selection) discord.Message {
	return discord.Message{Content: "## VIP Live Roster"}
}

func (VIPPolicy) Footer(sel Selection) discord.Message { return countFooter(len(sel.Cards)) }

func (VIPPolicy) ExtraSlots(sel Selection) map[string]discord.Message { return nil }

// PoolPolicy rotates a spotlight through the live members: the rotation
// counter carried in persisted state indexes the ordered live list, so the
// spotlight advances one member per pass and wraps.
type PoolPolicy struct{}

func (PoolPolicy) Type() TrackerType             { return TrackerPool }
func (PoolPolicy) FirstTickDelay() time.Duration { return 15 * time.Second }

func (PoolPolicy) Select(in SelectInput) Selection {
	sel := Selection{Cards: in.Entities, RotationNext: in.Rotation}
	if len(in.Entities) > 0 {
		idx := in.Rotation % len(in.Entities)
		e := in.Entities[idx]
		sel.Highlight = &e
		sel.RotationNext = in.Rotation + 1
	}
	return sel
}

func (PoolPolicy) Card(e LiveEntity, highlighted bool) discord.Message {
	m := liveCard(e, colorPool, highlighted)
	if highlighted {
		m.Embeds[0].Title = fmt.Sprintf("✨ Spotlight: %s", e.DisplayName)
	}
	if e.Points > 0 {
		m.Embeds[0].Description += fmt.Sprintf("\n%d pool points", e.Points)
	}
	return m
}

func (PoolPolicy) Header(sel Selection) discord.Message {
	return discord.Message{Content: "## Community Pool"}
}

func (PoolPolicy) Footer(sel Selection) discord.Message { return countFooter(len(sel.Cards)) }

func (PoolPolicy) ExtraSlots(sel Selection) map[string]discord.Message { return nil }

// PilePolicy gives the longest-live member the "holder" treatment: a
// highlighted card with the clip. Everyone else is a plain card.
type PilePolicy struct{}

func (PilePolicy) Type() TrackerType             { return TrackerPile }
func (PilePolicy) FirstTickDelay() time.Duration { return 25 * time.Second }

func (PilePolicy) Select(in SelectInput) Selection {
	return Selection{
		Cards:        in.Entities,
		Highlight:    earliest(in.Entities),
		RotationNext: in.Rotation,
	}
}

func (PilePolicy) Card(e LiveEntity, highlighted bool) discord.Message {
	m := liveCard(e, colorPile, highlighted)
	if highlighted {
		m.Embeds[0].Title = fmt.Sprintf("👑 %s holds the pile!", e.DisplayName)
	}
	return m
}

func (PilePolicy) Header(sel Selection) discord.Message {
	return discord.Message{Content: "## Raid Pile\nRaid the holder when your stream ends!"}
}

func (PilePolicy) Footer(sel Selection) discord.Message { return countFooter(len(sel.Cards)) }

func (PilePolicy) ExtraSlots(sel Selection) map[string]discord.Message { return nil }

// TrainPolicy follows a fixed hourly schedule. The conductor is the claimant
// of the current hour's slot when live, else the longest-live member. Cards
// are ordered by schedule position starting at the current hour; unscheduled
// live members follow in start order.
type TrainPolicy struct{}

func (TrainPolicy) Type() TrackerType             { return TrackerTrain }
func (TrainPolicy) FirstTickDelay() time.Duration { return 35 * time.Second }

func (TrainPolicy) Select(in SelectInput) Selection {
	sel := Selection{RotationNext: in.Rotation}

	hour := in.Now.UTC().Hour()
	byHour := map[int]ScheduleSlot{}
	for _, s := range in.Schedule {
		byHour[s.Hour] = s
	}
	if slot, ok := byHour[hour]; ok {
		sel.Conductor = &slot
	}

	// Schedule-ordered cards: walk 24 hours starting at the current one.
	byID := map[string]LiveEntity{}
	for _, e := range in.Entities {
		byID[e.ID] = e
	}
	placed := map[string]struct{}{}
	for offset := 0; offset < 24; offset++ {
		slot, ok := byHour[(hour+offset)%24]
		if !ok || slot.ClaimID == "" {
			continue
		}
		if e, live := byID[slot.ClaimID]; live {
			if _, dup := placed[e.ID]; !dup {
				sel.Cards = append(sel.Cards, e)
				placed[e.ID] = struct{}{}
			}
		}
	}
	for _, e := range in.Entities {
		if _, dup := placed[e.ID]; !dup {
			sel.Cards = append(sel.Cards, e)
		}
	}

	if sel.Conductor != nil && sel.Conductor.ClaimID != "" {
		if e, live := byID[sel.Conductor.ClaimID]; live {
			sel.Highlight = &e
		}
	}
	if sel.Highlight == nil {
		sel.Highlight = earliest(in.Entities)
	}
	return sel
}

func (TrainPolicy) Card(e LiveEntity, highlighted bool) discord.Message {
	m := liveCard(e, colorTrain, highlighted)
	if highlighted {
		m.Embeds[0].Title = fmt.Sprintf("🚂 Conductor: %s", e.DisplayName)
	}
	return m
}

func (TrainPolicy) Header(sel Selection) discord.Message {
	return discord.Message{Content: "## Raid Train\nAll aboard!"}
}

func (TrainPolicy) Footer(sel Selection) discord.Message { return countFooter(len(sel.Cards)) }

func (TrainPolicy) ExtraSlots(sel Selection) map[string]discord.Message {
	board := "No conductor scheduled this hour."
	if sel.Conductor != nil {
		switch {
		case sel.Conductor.Emergency:
			board = fmt.Sprintf("%s — emergency slot, anyone may conduct!", sel.Conductor.Label())
		case sel.Conductor.Claimant != "":
			board = fmt.Sprintf("%s — conducted by %s", sel.Conductor.Label(), sel.Conductor.Claimant)
		default:
			board = fmt.Sprintf("%s — slot open, sign up!", sel.Conductor.Label())
		}
	}
	return map[string]discord.Message{"conductor": {Content: board}}
}

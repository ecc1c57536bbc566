package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/roster-herald/discord"
	"github.com/onnwee/roster-herald/docstore"
	"github.com/onnwee/roster-herald/telemetry"
	"github.com/onnwee/roster-herald/twitchapi"
)

// Logical slot names shared with persisted state.
const (
	slotHeader = "header"
	slotFooter = "footer"
)

// ChannelAPI is the subset of the Discord client the synchronizer drives.
type ChannelAPI interface {
	FetchChannel(ctx context.Context, channelID string) (*discord.Channel, error)
	Send(ctx context.Context, channelID string, m discord.Message) (string, error)
	Edit(ctx context.Context, channelID, messageID string, m discord.Message) error
	Delete(ctx context.Context, channelID, messageID string) error
	BulkDelete(ctx context.Context, channelID string, messageIDs []string) error
}

// LiveSource reports which of the given user ids are currently broadcasting.
type LiveSource interface {
	GetStreams(ctx context.Context, userIDs []string) ([]twitchapi.Stream, error)
}

// ClipProvider resolves the highlighted member's converted clip. It returns
// the GIF URL when a conversion is complete, "" while one is pending, and an
// error only for lookup failures; all three degrade to "no clip this pass".
type ClipProvider interface {
	EnsureClip(ctx context.Context, guildID string, e LiveEntity) (string, error)
}

// Synchronizer runs reconciliation passes: load persisted state, fetch the
// live set, diff, apply the minimal channel operations, persist. One pass
// touches exactly one (guild, tracker type) pair.
type Synchronizer struct {
	Store    docstore.Store
	Channels ChannelAPI
	Live     LiveSource
	Clips    ClipProvider // nil disables the clip step
	Policies map[TrackerType]Policy

	Logger *slog.Logger
}

func (s *Synchronizer) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.With(slog.String("component", "roster"))
}

// Reconcile runs one pass for the pair. Missing or unconfigured state is a
// silent no-op. A channel that is gone or inaccessible deletes the persisted
// configuration so the pair self-heals to "not configured". Store and
// live-fetch errors abort only this pass; per-message failures never do.
func (s *Synchronizer) Reconcile(ctx context.Context, guildID string, tt TrackerType) error {
	policy, ok := s.Policies[tt]
	if !ok {
		return fmt.Errorf("no policy for tracker type %q", tt)
	}

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "roster", "roster.reconcile",
		attribute.String("guild_id", guildID),
		attribute.String("tracker_type", string(tt)))
	defer span.End()
	log := s.log().With(slog.String("guild_id", guildID), slog.String("tracker", string(tt)))

	err := s.reconcile(ctx, log, guildID, tt, policy)
	telemetry.PassObserved(string(tt), time.Since(start), err)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (s *Synchronizer) reconcile(ctx context.Context, log *slog.Logger, guildID string, tt TrackerType, policy Policy) error {
	doc, found, err := s.Store.Get(ctx, StatePath(guildID, tt))
	if err != nil {
		return fmt.Errorf("load tracker state: %w", err)
	}
	if !found {
		return nil
	}
	state := StateFromDoc(doc)
	if state.ChannelID == "" {
		return nil
	}

	if _, err := s.Channels.FetchChannel(ctx, state.ChannelID); err != nil {
		if errors.Is(err, discord.ErrNotFound) || errors.Is(err, discord.ErrMissingAccess) {
			log.Warn("channel gone, dropping tracker configuration", "channel_id", state.ChannelID, "error", err)
			if derr := s.Store.Delete(ctx, StatePath(guildID, tt)); derr != nil {
				return fmt.Errorf("drop orphaned tracker state: %w", derr)
			}
			return nil
		}
		return fmt.Errorf("fetch channel: %w", err)
	}

	entities, err := s.fetchLive(ctx, state)
	if err != nil {
		return fmt.Errorf("fetch live streams: %w", err)
	}
	telemetry.SetLiveRoster(string(tt), len(entities))

	in := SelectInput{Entities: entities, Rotation: state.Rotation, Now: time.Now().UTC()}
	if tt == TrackerTrain {
		if in.Schedule, err = s.loadSchedule(ctx, guildID); err != nil {
			return fmt.Errorf("load schedule: %w", err)
		}
	}
	sel := policy.Select(in)
	plan := BuildPlan(state.Cards, sel)

	next := state
	next.Cards = plan.NewCards
	next.Rotation = plan.RotationNext
	s.applyCards(ctx, log, state.ChannelID, policy, plan, &next)
	s.applyClip(ctx, log, guildID, state.ChannelID, sel, &next)
	s.applySlots(ctx, log, state.ChannelID, policy, sel, &next)

	if err := s.Store.Set(ctx, StatePath(guildID, tt), next.Fields(), true); err != nil {
		return fmt.Errorf("persist tracker state: %w", err)
	}
	return nil
}

// fetchLive resolves the roster's live subset, joined with persisted member
// metadata, ordered by ascending stream start.
func (s *Synchronizer) fetchLive(ctx context.Context, state State) ([]LiveEntity, error) {
	ids := state.MemberIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	streams, err := s.Live.GetStreams(ctx, ids)
	if err != nil {
		return nil, err
	}
	entities := make([]LiveEntity, 0, len(streams))
	for _, st := range streams {
		m := state.Members[st.UserID]
		e := LiveEntity{
			ID:          st.UserID,
			Login:       st.UserLogin,
			DisplayName: st.UserName,
			AvatarURL:   m.Avatar,
			Game:        st.GameName,
			Viewers:     st.ViewerCount,
			Title:       st.Title,
			StartedAt:   st.StartedAt,
			Thumbnail:   streamThumbnail(st.ThumbnailURL),
			Message:     m.Note,
			Points:      m.Points,
		}
		if e.DisplayName == "" {
			e.DisplayName = m.Name
		}
		entities = append(entities, e)
	}
	SortEntities(entities)
	return entities, nil
}

func streamThumbnail(tmpl string) string {
	tmpl = strings.ReplaceAll(tmpl, "{width}", "640")
	return strings.ReplaceAll(tmpl, "{height}", "360")
}

// loadSchedule reads the guild's hourly sign-up slots. The schedule is
// written by a separate sign-up surface; it is read-only here.
func (s *Synchronizer) loadSchedule(ctx context.Context, guildID string) ([]ScheduleSlot, error) {
	docs, err := s.Store.List(ctx, docstore.CollectionOf(SchedulePath(guildID, 0)))
	if err != nil {
		return nil, err
	}
	prefix := guildID + ":"
	var slots []ScheduleSlot
	for _, d := range docs {
		id := strings.TrimPrefix(d.Path, "schedule/")
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		hour := d.Int("hour")
		if hour < 0 || hour > 23 {
			continue
		}
		slots = append(slots, ScheduleSlot{
			Hour:      hour,
			Claimant:  d.Str("claimant"),
			ClaimID:   d.Str("claim_id"),
			Emergency: d.Fields["emergency"] == true,
		})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Hour < slots[j].Hour })
	return slots, nil
}

// applyCards runs the plan's deletes then upserts. A not-found on any single
// message drops that mapping so the slot is recreated next pass; other
// failures keep the mapping so the operation retries next pass. Nothing here
// fails the pass.
func (s *Synchronizer) applyCards(ctx context.Context, log *slog.Logger, channelID string, policy Policy, plan Plan, next *State) {
	for _, op := range plan.Deletes {
		err := s.Channels.Delete(ctx, channelID, op.MessageID)
		switch {
		case err == nil, errors.Is(err, discord.ErrNotFound):
			telemetry.MessagesDeleted.Inc()
		default:
			log.Warn("delete card failed, will retry next pass", "entity_id", op.EntityID, "error", err)
			next.Cards[op.EntityID] = op.MessageID
		}
	}

	for _, op := range plan.Upserts {
		highlighted := plan.Highlight != nil && plan.Highlight.ID == op.EntityID
		msg := policy.Card(op.Entity, highlighted)
		switch op.Kind {
		case OpEdit:
			err := s.Channels.Edit(ctx, channelID, op.MessageID, msg)
			switch {
			case err == nil:
				telemetry.MessagesEdited.Inc()
			case errors.Is(err, discord.ErrNotFound):
				delete(next.Cards, op.EntityID)
			default:
				log.Warn("edit card failed", "entity_id", op.EntityID, "error", err)
			}
		case OpCreate:
			mid, err := s.Channels.Send(ctx, channelID, msg)
			if err != nil {
				log.Warn("create card failed", "entity_id", op.EntityID, "error", err)
				continue
			}
			telemetry.MessagesCreated.Inc()
			next.Cards[op.EntityID] = mid
		}
	}
}

// applyClip resolves the highlight's converted clip and replaces the clip
// message when the GIF changed. Replacement deletes the old message before
// posting the new one so the channel never shows two clips; the old id stays
// in state until the new send resolves. Clip trouble degrades to keeping (or
// dropping) the current clip, never to a failed pass.
func (s *Synchronizer) applyClip(ctx context.Context, log *slog.Logger, guildID, channelID string, sel Selection, next *State) {
	if sel.Highlight == nil {
		if next.ClipMessageID != "" {
			if err := s.Channels.Delete(ctx, channelID, next.ClipMessageID); err != nil && !errors.Is(err, discord.ErrNotFound) {
				log.Warn("delete clip message failed", "error", err)
				return
			}
			telemetry.MessagesDeleted.Inc()
			next.ClipMessageID = ""
			next.ClipGifURL = ""
		}
		return
	}
	if s.Clips == nil {
		return
	}

	gifURL, err := s.Clips.EnsureClip(ctx, guildID, *sel.Highlight)
	if err != nil {
		log.Warn("clip lookup failed, keeping current clip", "entity_id", sel.Highlight.ID, "error", err)
		return
	}
	if gifURL == "" {
		return
	}
	if gifURL == next.ClipGifURL && next.ClipMessageID != "" {
		// Unchanged clip: edit in place so a message deleted out-of-band is
		// noticed and recreated below.
		err := s.Channels.Edit(ctx, channelID, next.ClipMessageID, clipMessage(*sel.Highlight, gifURL))
		switch {
		case err == nil:
			telemetry.MessagesEdited.Inc()
			return
		case errors.Is(err, discord.ErrNotFound):
			next.ClipMessageID = ""
		default:
			log.Warn("edit clip message failed", "error", err)
			return
		}
	}

	if next.ClipMessageID != "" {
		if err := s.Channels.Delete(ctx, channelID, next.ClipMessageID); err != nil && !errors.Is(err, discord.ErrNotFound) {
			log.Warn("delete old clip message failed", "error", err)
			return
		}
		telemetry.MessagesDeleted.Inc()
		next.ClipMessageID = ""
	}

	mid, err := s.Channels.Send(ctx, channelID, clipMessage(*sel.Highlight, gifURL))
	if err != nil {
		log.Warn("post clip message failed", "entity_id", sel.Highlight.ID, "error", err)
		return
	}
	telemetry.MessagesCreated.Inc()
	next.ClipMessageID = mid
	next.ClipGifURL = gifURL
}

func clipMessage(e LiveEntity, gifURL string) discord.Message {
	return discord.Message{
		Embeds: []discord.Embed{{
			Title: fmt.Sprintf("Clip: %s", e.DisplayName),
			URL:   "https://www.twitch.tv/" + e.Login,
			Image: &discord.EmbedMedia{URL: gifURL},
		}},
	}
}

// applySlots refreshes the entity-independent messages: header, the policy's
// extra slots, footer. Slots are edited in place; a lost message is recreated.
func (s *Synchronizer) applySlots(ctx context.Context, log *slog.Logger, channelID string, policy Policy, sel Selection, next *State) {
	if next.Slots == nil {
		next.Slots = map[string]string{}
	}

	content := map[string]discord.Message{
		slotHeader: policy.Header(sel),
		slotFooter: policy.Footer(sel),
	}
	order := []string{slotHeader}
	extras := policy.ExtraSlots(sel)
	extraNames := make([]string, 0, len(extras))
	for name := range extras {
		extraNames = append(extraNames, name)
	}
	sort.Strings(extraNames)
	for _, name := range extraNames {
		content[name] = extras[name]
		order = append(order, name)
	}
	order = append(order, slotFooter)

	for _, name := range order {
		msg := content[name]
		if mid, ok := next.Slots[name]; ok {
			err := s.Channels.Edit(ctx, channelID, mid, msg)
			switch {
			case err == nil:
				telemetry.MessagesEdited.Inc()
				continue
			case errors.Is(err, discord.ErrNotFound):
				delete(next.Slots, name)
			default:
				log.Warn("edit slot failed", "slot", name, "error", err)
				continue
			}
		}
		mid, err := s.Channels.Send(ctx, channelID, msg)
		if err != nil {
			log.Warn("create slot failed", "slot", name, "error", err)
			continue
		}
		telemetry.MessagesCreated.Inc()
		next.Slots[name] = mid
	}
}

// Bootstrap binds the pair to a channel: verify access, best-effort delete
// any previously posted messages, then persist a reset configuration that
// keeps roster membership but starts rotation and posted ids fresh. The
// caller follows up with one full pass, which posts every slot anew.
func (s *Synchronizer) Bootstrap(ctx context.Context, guildID string, tt TrackerType, channelID string) error {
	if !tt.Valid() {
		return fmt.Errorf("unknown tracker type %q", tt)
	}
	if _, err := s.Channels.FetchChannel(ctx, channelID); err != nil {
		return fmt.Errorf("verify channel %s: %w", channelID, err)
	}

	doc, found, err := s.Store.Get(ctx, StatePath(guildID, tt))
	if err != nil {
		return fmt.Errorf("load tracker state: %w", err)
	}
	state := State{ChannelID: channelID, Slots: map[string]string{}, Cards: map[string]string{}, Members: map[string]Member{}}
	if found {
		prev := StateFromDoc(doc)
		state.Members = prev.Members
		s.deleteAll(ctx, prev)
	}
	if err := s.Store.Set(ctx, StatePath(guildID, tt), state.Fields(), false); err != nil {
		return fmt.Errorf("persist tracker state: %w", err)
	}
	s.log().Info("tracker bootstrapped", "guild_id", guildID, "tracker", string(tt), "channel_id", channelID)
	return nil
}

// Teardown removes the pair's configuration and every message it posted.
// Individual delete failures are tolerated. Returns whether a configuration
// existed.
func (s *Synchronizer) Teardown(ctx context.Context, guildID string, tt TrackerType) (bool, error) {
	doc, found, err := s.Store.Get(ctx, StatePath(guildID, tt))
	if err != nil {
		return false, fmt.Errorf("load tracker state: %w", err)
	}
	if !found {
		return false, nil
	}
	state := StateFromDoc(doc)
	s.deleteAll(ctx, state)
	if err := s.Store.Delete(ctx, StatePath(guildID, tt)); err != nil {
		return true, fmt.Errorf("delete tracker state: %w", err)
	}
	s.log().Info("tracker torn down", "tracker", string(tt), "channel_id", state.ChannelID)
	return true, nil
}

// deleteAll best-effort removes every message referenced by state.
func (s *Synchronizer) deleteAll(ctx context.Context, state State) {
	if state.ChannelID == "" {
		return
	}
	var ids []string
	for _, mid := range state.Slots {
		ids = append(ids, mid)
	}
	for _, mid := range state.Cards {
		ids = append(ids, mid)
	}
	if state.ClipMessageID != "" {
		ids = append(ids, state.ClipMessageID)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return
	}
	if err := s.Channels.BulkDelete(ctx, state.ChannelID, ids); err != nil {
		// Bulk delete rejects batches with messages older than two weeks;
		// fall back to per-message deletes.
		s.log().Warn("bulk delete posted messages failed, deleting individually", "channel_id", state.ChannelID, "count", len(ids), "error", err)
		for _, mid := range ids {
			if derr := s.Channels.Delete(ctx, state.ChannelID, mid); derr != nil && !errors.Is(derr, discord.ErrNotFound) {
				s.log().Warn("delete posted message failed", "message_id", mid, "error", derr)
				continue
			}
			telemetry.MessagesDeleted.Inc()
		}
		return
	}
	telemetry.MessagesDeleted.Add(float64(len(ids)))
}

package roster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/onnwee/roster-herald/discord"
	"github.com/onnwee/roster-herald/telemetry"
	"github.com/onnwee/roster-herald/testutil"
	"github.com/onnwee/roster-herald/twitchapi"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

// fakeChannels records channel operations in order.
type fakeChannels struct {
	nextID   int
	sent     []discord.Message
	sentIDs  []string
	edits    []string
	deletes  []string
	gone     map[string]bool // ids that answer ErrNotFound
	fetchErr error
	sendErr  error
}

func (f *fakeChannels) FetchChannel(ctx context.Context, channelID string) (*discord.Channel, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &discord.Channel{ID: channelID}, nil
}

func (f *fakeChannels) Send(ctx context.Context, channelID string, m discord.Message) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.sent = append(f.sent, m)
	f.sentIDs = append(f.sentIDs, id)
	return id, nil
}

func (f *fakeChannels) Edit(ctx context.Context, channelID, messageID string, m discord.Message) error {
	if f.gone[messageID] {
		return discord.ErrNotFound
	}
	f.edits = append(f.edits, messageID)
	return nil
}

func (f *fakeChannels) Delete(ctx context.Context, channelID, messageID string) error {
	if f.gone[messageID] {
		return discord.ErrNotFound
	}
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeChannels) BulkDelete(ctx context.Context, channelID string, messageIDs []string) error {
	f.deletes = append(f.deletes, messageIDs...)
	return nil
}

type fakeLive struct {
	streams []twitchapi.Stream
	err     error
}

func (f *fakeLive) GetStreams(ctx context.Context, ids []string) ([]twitchapi.Stream, error) {
	return f.streams, f.err
}

type fakeClips struct {
	gifURL string
	err    error
	calls  int
}

func (f *fakeClips) EnsureClip(ctx context.Context, guildID string, e LiveEntity) (string, error) {
	f.calls++
	return f.gifURL, f.err
}

func newSync(ch *fakeChannels, live *fakeLive, clips ClipProvider) (*Synchronizer, *testutil.MemStore) {
	store := testutil.NewMemStore()
	return &Synchronizer{
		Store:    store,
		Channels: ch,
		Live:     live,
		Clips:    clips,
		Policies: Policies(),
	}, store
}

func seedState(t *testing.T, store *testutil.MemStore, guildID string, tt TrackerType, state State) {
	t.Helper()
	if err := store.Set(context.Background(), StatePath(guildID, tt), state.Fields(), false); err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func loadState(t *testing.T, store *testutil.MemStore, guildID string, tt TrackerType) State {
	t.Helper()
	doc, found, err := store.Get(context.Background(), StatePath(guildID, tt))
	if err != nil || !found {
		t.Fatalf("load state: found=%v err=%v", found, err)
	}
	return StateFromDoc(doc)
}

func stream(id string, started time.Time) twitchapi.Stream {
	return twitchapi.Stream{UserID: id, UserLogin: id, UserName: id, StartedAt: started, GameName: "Tetris"}
}

func TestReconcileUnconfiguredIsNoop(t *testing.T) {
	ch := &fakeChannels{}
	s, _ := newSync(ch, &fakeLive{}, nil)

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(ch.sent) != 0 || len(ch.edits) != 0 || len(ch.deletes) != 0 {
		t.Fatal("no-op pass touched the channel")
	}
}

func TestReconcileChannelGoneDropsConfiguration(t *testing.T) {
	ch := &fakeChannels{fetchErr: discord.ErrNotFound}
	s, store := newSync(ch, &fakeLive{}, nil)
	seedState(t, store, "g1", TrackerVIP, State{ChannelID: "c1", Members: map[string]Member{"u1": {ID: "u1"}}})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, found, _ := store.Get(context.Background(), StatePath("g1", TrackerVIP)); found {
		t.Fatal("configuration survived a gone channel")
	}
}

func TestReconcileFirstPassCreatesEverything(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ch := &fakeChannels{}
	live := &fakeLive{streams: []twitchapi.Stream{stream("u2", t0.Add(time.Minute)), stream("u1", t0)}}
	s, store := newSync(ch, live, nil)
	seedState(t, store, "g1", TrackerVIP, State{
		ChannelID: "c1",
		Members:   map[string]Member{"u1": {ID: "u1"}, "u2": {ID: "u2"}},
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// two cards plus header and footer
	if len(ch.sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(ch.sent))
	}
	state := loadState(t, store, "g1", TrackerVIP)
	if len(state.Cards) != 2 {
		t.Fatalf("persisted cards = %v, want 2 entries", state.Cards)
	}
	if state.Slots[slotHeader] == "" || state.Slots[slotFooter] == "" {
		t.Fatalf("persisted slots = %v, want header and footer ids", state.Slots)
	}
	// cards precede header/footer creation order? cards are applied first
	if state.Cards["u1"] != ch.sentIDs[0] {
		t.Errorf("earliest-started card should be posted first, got cards=%v sends=%v", state.Cards, ch.sentIDs)
	}
}

func TestReconcileSteadyStateEditsInPlace(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ch := &fakeChannels{}
	live := &fakeLive{streams: []twitchapi.Stream{stream("u1", t0)}}
	s, store := newSync(ch, live, nil)
	seedState(t, store, "g1", TrackerVIP, State{
		ChannelID: "c1",
		Members:   map[string]Member{"u1": {ID: "u1"}, "u2": {ID: "u2"}},
		Cards:     map[string]string{"u1": "m_u1", "u2": "m_u2"},
		Slots:     map[string]string{slotHeader: "m_h", slotFooter: "m_f"},
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(ch.deletes) != 1 || ch.deletes[0] != "m_u2" {
		t.Fatalf("deletes = %v, want just the offline member's card", ch.deletes)
	}
	if len(ch.sent) != 0 {
		t.Fatalf("steady state created %d messages", len(ch.sent))
	}
	// u1 card, header, footer all edited in place
	if len(ch.edits) != 3 {
		t.Fatalf("edits = %v, want card+header+footer", ch.edits)
	}
	state := loadState(t, store, "g1", TrackerVIP)
	if len(state.Cards) != 1 || state.Cards["u1"] != "m_u1" {
		t.Fatalf("persisted cards = %v, want {u1: m_u1}", state.Cards)
	}
}

func TestReconcileNotFoundDropsMappingForNextPass(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ch := &fakeChannels{gone: map[string]bool{"m_u1": true}}
	live := &fakeLive{streams: []twitchapi.Stream{stream("u1", t0)}}
	s, store := newSync(ch, live, nil)
	seedState(t, store, "g1", TrackerPile, State{
		ChannelID: "c1",
		Members:   map[string]Member{"u1": {ID: "u1"}},
		Cards:     map[string]string{"u1": "m_u1"},
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerPile); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	state := loadState(t, store, "g1", TrackerPile)
	if _, still := state.Cards["u1"]; still {
		t.Fatalf("lost message mapping survived: %v", state.Cards)
	}
}

func TestReconcileLiveSourceErrorAbortsPass(t *testing.T) {
	ch := &fakeChannels{}
	live := &fakeLive{err: errors.New("helix down")}
	s, store := newSync(ch, live, nil)
	seedState(t, store, "g1", TrackerVIP, State{
		ChannelID: "c1",
		Members:   map[string]Member{"u1": {ID: "u1"}},
		Cards:     map[string]string{"u1": "m_u1"},
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err == nil {
		t.Fatal("expected error")
	}
	if len(ch.deletes) != 0 || len(ch.sent) != 0 {
		t.Fatal("aborted pass still touched the channel")
	}
	state := loadState(t, store, "g1", TrackerVIP)
	if state.Cards["u1"] != "m_u1" {
		t.Fatalf("aborted pass mutated state: %v", state.Cards)
	}
}

func TestReconcileClipReplaceDeletesBeforeCreate(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ch := &fakeChannels{}
	live := &fakeLive{streams: []twitchapi.Stream{stream("u1", t0)}}
	clips := &fakeClips{gifURL: "https://storage.example/clips/new.gif"}
	s, store := newSync(ch, live, clips)
	seedState(t, store, "g1", TrackerVIP, State{
		ChannelID:     "c1",
		Members:       map[string]Member{"u1": {ID: "u1"}},
		Cards:         map[string]string{"u1": "m_u1"},
		Slots:         map[string]string{slotHeader: "m_h", slotFooter: "m_f"},
		ClipMessageID: "m_clip_old",
		ClipGifURL:    "https://storage.example/clips/old.gif",
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(ch.deletes) != 1 || ch.deletes[0] != "m_clip_old" {
		t.Fatalf("deletes = %v, want the old clip message", ch.deletes)
	}
	if len(ch.sent) != 1 {
		t.Fatalf("sent = %d messages, want just the new clip", len(ch.sent))
	}
	state := loadState(t, store, "g1", TrackerVIP)
	if state.ClipMessageID != ch.sentIDs[0] {
		t.Fatalf("clip message id = %q, want %q", state.ClipMessageID, ch.sentIDs[0])
	}
	if state.ClipGifURL != clips.gifURL {
		t.Fatalf("clip gif url = %q, want %q", state.ClipGifURL, clips.gifURL)
	}
}

func TestReconcileUnchangedClipIsNotReposted(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ch := &fakeChannels{}
	live := &fakeLive{streams: []twitchapi.Stream{stream("u1", t0)}}
	clips := &fakeClips{gifURL: "https://storage.example/clips/same.gif"}
	s, store := newSync(ch, live, clips)
	seedState(t, store, "g1", TrackerVIP, State{
		ChannelID:     "c1",
		Members:       map[string]Member{"u1": {ID: "u1"}},
		Cards:         map[string]string{"u1": "m_u1"},
		Slots:         map[string]string{slotHeader: "m_h", slotFooter: "m_f"},
		ClipMessageID: "m_clip",
		ClipGifURL:    "https://storage.example/clips/same.gif",
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(ch.deletes) != 0 || len(ch.sent) != 0 {
		t.Fatalf("unchanged clip caused churn: deletes=%v sends=%v", ch.deletes, ch.sentIDs)
	}
}

func TestReconcileRecreatesClipMessageDeletedOutOfBand(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ch := &fakeChannels{gone: map[string]bool{"m_clip": true}}
	live := &fakeLive{streams: []twitchapi.Stream{stream("u1", t0)}}
	clips := &fakeClips{gifURL: "https://storage.example/clips/same.gif"}
	s, store := newSync(ch, live, clips)
	seedState(t, store, "g1", TrackerVIP, State{
		ChannelID:     "c1",
		Members:       map[string]Member{"u1": {ID: "u1"}},
		Cards:         map[string]string{"u1": "m_u1"},
		Slots:         map[string]string{slotHeader: "m_h", slotFooter: "m_f"},
		ClipMessageID: "m_clip",
		ClipGifURL:    "https://storage.example/clips/same.gif",
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// The in-place edit observes the vanished message and a fresh one is
	// posted, even though the GIF URL never changed.
	if len(ch.sent) != 1 {
		t.Fatalf("sent = %d messages, want the recreated clip", len(ch.sent))
	}
	if len(ch.deletes) != 0 {
		t.Fatalf("deletes = %v, want none for an already-gone message", ch.deletes)
	}
	state := loadState(t, store, "g1", TrackerVIP)
	if state.ClipMessageID != ch.sentIDs[0] {
		t.Fatalf("clip message id = %q, want %q", state.ClipMessageID, ch.sentIDs[0])
	}
	if state.ClipGifURL != clips.gifURL {
		t.Fatalf("clip gif url = %q, want %q", state.ClipGifURL, clips.gifURL)
	}
}

func TestReconcileClipFailureKeepsCurrentClip(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ch := &fakeChannels{}
	live := &fakeLive{streams: []twitchapi.Stream{stream("u1", t0)}}
	clips := &fakeClips{err: errors.New("conversion backlog")}
	s, store := newSync(ch, live, clips)
	seedState(t, store, "g1", TrackerVIP, State{
		ChannelID:     "c1",
		Members:       map[string]Member{"u1": {ID: "u1"}},
		Cards:         map[string]string{"u1": "m_u1"},
		Slots:         map[string]string{slotHeader: "m_h", slotFooter: "m_f"},
		ClipMessageID: "m_clip",
		ClipGifURL:    "https://storage.example/clips/current.gif",
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("clip trouble must not fail the pass: %v", err)
	}
	state := loadState(t, store, "g1", TrackerVIP)
	if state.ClipMessageID != "m_clip" {
		t.Fatalf("clip message dropped on provider error: %q", state.ClipMessageID)
	}
}

func TestReconcileNobodyLiveRemovesClip(t *testing.T) {
	ch := &fakeChannels{}
	s, store := newSync(ch, &fakeLive{}, &fakeClips{})
	seedState(t, store, "g1", TrackerVIP, State{
		ChannelID:     "c1",
		Members:       map[string]Member{"u1": {ID: "u1"}},
		Cards:         map[string]string{"u1": "m_u1"},
		Slots:         map[string]string{slotHeader: "m_h", slotFooter: "m_f"},
		ClipMessageID: "m_clip",
		ClipGifURL:    "https://storage.example/clips/current.gif",
	})

	if err := s.Reconcile(context.Background(), "g1", TrackerVIP); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	state := loadState(t, store, "g1", TrackerVIP)
	if state.ClipMessageID != "" || state.ClipGifURL != "" {
		t.Fatalf("clip state not cleared: %+v", state)
	}
	if len(state.Cards) != 0 {
		t.Fatalf("cards not cleared: %v", state.Cards)
	}
	// header and footer still refreshed even with nobody live
	if state.Slots[slotHeader] != "m_h" || state.Slots[slotFooter] != "m_f" {
		t.Fatalf("slots = %v", state.Slots)
	}
}

func TestBootstrapResetsStateKeepsMembers(t *testing.T) {
	ch := &fakeChannels{}
	s, store := newSync(ch, &fakeLive{}, nil)
	seedState(t, store, "g1", TrackerPool, State{
		ChannelID: "c_old",
		Members:   map[string]Member{"u1": {ID: "u1", Login: "one"}},
		Cards:     map[string]string{"u1": "m_u1"},
		Slots:     map[string]string{slotHeader: "m_h"},
		Rotation:  7,
	})

	if err := s.Bootstrap(context.Background(), "g1", TrackerPool, "c_new"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// old messages removed best-effort
	if len(ch.deletes) != 2 {
		t.Fatalf("deletes = %v, want the old card and header", ch.deletes)
	}
	state := loadState(t, store, "g1", TrackerPool)
	if state.ChannelID != "c_new" {
		t.Fatalf("channel = %q, want c_new", state.ChannelID)
	}
	if state.Rotation != 0 || len(state.Cards) != 0 || len(state.Slots) != 0 {
		t.Fatalf("state not reset: %+v", state)
	}
	if state.Members["u1"].Login != "one" {
		t.Fatalf("roster membership lost: %+v", state.Members)
	}
}

func TestTeardown(t *testing.T) {
	ch := &fakeChannels{}
	s, store := newSync(ch, &fakeLive{}, nil)
	seedState(t, store, "g1", TrackerTrain, State{
		ChannelID:     "c1",
		Cards:         map[string]string{"u1": "m_u1"},
		Slots:         map[string]string{slotHeader: "m_h"},
		ClipMessageID: "m_clip",
	})

	existed, err := s.Teardown(context.Background(), "g1", TrackerTrain)
	if err != nil || !existed {
		t.Fatalf("Teardown = (%v, %v), want (true, nil)", existed, err)
	}
	if len(ch.deletes) != 3 {
		t.Fatalf("deletes = %v, want card, header and clip", ch.deletes)
	}
	if _, found, _ := store.Get(context.Background(), StatePath("g1", TrackerTrain)); found {
		t.Fatal("configuration survived teardown")
	}

	existed, err = s.Teardown(context.Background(), "g1", TrackerTrain)
	if err != nil || existed {
		t.Fatalf("second Teardown = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestTrainReconcileLoadsSchedule(t *testing.T) {
	now := time.Now().UTC()
	ch := &fakeChannels{}
	live := &fakeLive{streams: []twitchapi.Stream{stream("u1", now.Add(-time.Hour))}}
	s, store := newSync(ch, live, nil)
	seedState(t, store, "g1", TrackerTrain, State{
		ChannelID: "c1",
		Members:   map[string]Member{"u1": {ID: "u1"}},
	})
	err := store.Set(context.Background(), SchedulePath("g1", now.Hour()), map[string]any{
		"hour": now.Hour(), "claimant": "u1", "claim_id": "u1",
	}, false)
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	if err := s.Reconcile(context.Background(), "g1", TrackerTrain); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// card + header + conductor board + footer
	if len(ch.sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(ch.sent))
	}
	state := loadState(t, store, "g1", TrackerTrain)
	if state.Slots["conductor"] == "" {
		t.Fatalf("conductor slot not posted: %v", state.Slots)
	}
}

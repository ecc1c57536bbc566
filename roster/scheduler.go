package roster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/roster-herald/docstore"
	"github.com/onnwee/roster-herald/telemetry"
)

// DefaultInterval is the steady-state pass interval.
const DefaultInterval = 7 * time.Minute

// Reconciler is the synchronizer surface the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, guildID string, tt TrackerType) error
	Bootstrap(ctx context.Context, guildID string, tt TrackerType, channelID string) error
	Teardown(ctx context.Context, guildID string, tt TrackerType) (bool, error)
}

type pairKey struct {
	guildID string
	tt      TrackerType
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns one reconciliation goroutine per configured (guild, tracker
// type) pair. Passes for a pair run on that pair's goroutine, so they are
// never concurrent with each other; ticks that fire mid-pass coalesce. A slow
// pass for one pair never delays another pair.
type Scheduler struct {
	Sync     Reconciler
	Store    docstore.Store
	Policies map[TrackerType]Policy
	Interval time.Duration

	// BaseCtx, when set, bounds every loop's lifetime instead of the context
	// passed to Start. Loops started from an admin request then survive the
	// request and end at process shutdown.
	BaseCtx context.Context

	// Heartbeat, when set, records the pair's last pass for /status.
	Heartbeat func(ctx context.Context, key, value string) error
	Logger    *slog.Logger

	mu    sync.Mutex
	loops map[pairKey]*loop
}

func (s *Scheduler) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.With(slog.String("component", "scheduler"))
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultInterval
}

// Start launches the pair's loop. Idempotent: a running pair is left alone.
// The first tick is staggered by the policy's FirstTickDelay; afterwards the
// loop ticks at the fixed interval. The loop lives until BaseCtx (or, when
// unset, ctx) is cancelled; a pass already in flight runs to completion.
func (s *Scheduler) Start(ctx context.Context, guildID string, tt TrackerType) error {
	policy, ok := s.Policies[tt]
	if !ok {
		return fmt.Errorf("no policy for tracker type %q", tt)
	}

	base := ctx
	if s.BaseCtx != nil {
		base = s.BaseCtx
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loops == nil {
		s.loops = map[pairKey]*loop{}
	}
	key := pairKey{guildID, tt}
	if _, running := s.loops[key]; running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(base)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	s.loops[key] = l
	telemetry.SetTrackersRunning(len(s.loops))

	go s.run(base, loopCtx, l, guildID, tt, policy)
	s.log().Info("tracker loop started", "guild_id", guildID, "tracker", string(tt), "first_tick_in", policy.FirstTickDelay().String())
	return nil
}

func (s *Scheduler) run(appCtx, loopCtx context.Context, l *loop, guildID string, tt TrackerType, policy Policy) {
	defer close(l.done)
	defer s.forget(pairKey{guildID, tt}, l)

	timer := time.NewTimer(policy.FirstTickDelay())
	defer timer.Stop()
	select {
	case <-loopCtx.Done():
		return
	case <-timer.C:
	}
	s.pass(appCtx, guildID, tt)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			s.pass(appCtx, guildID, tt)
		}
	}
}

// pass runs one reconciliation with its own correlation id. Errors are
// logged and retried on the next tick, never propagated.
func (s *Scheduler) pass(ctx context.Context, guildID string, tt TrackerType) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	if err := s.Sync.Reconcile(ctx, guildID, tt); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("reconcile pass failed", "guild_id", guildID, "tracker", string(tt), "error", err)
	}
	if s.Heartbeat != nil {
		key := fmt.Sprintf("tracker_pass:%s:%s", guildID, tt)
		if err := s.Heartbeat(ctx, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
			s.log().Debug("heartbeat write failed", "key", key, "error", err)
		}
	}
}

// forget drops the loop registration if it is still the current one.
func (s *Scheduler) forget(key pairKey, l *loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loops[key] == l {
		delete(s.loops, key)
		telemetry.SetTrackersRunning(len(s.loops))
	}
}

// stopLoop cancels the pair's loop and waits for its goroutine to exit.
// Returns whether a loop was running.
func (s *Scheduler) stopLoop(guildID string, tt TrackerType) bool {
	s.mu.Lock()
	l, running := s.loops[pairKey{guildID, tt}]
	s.mu.Unlock()
	if !running {
		return false
	}
	l.cancel()
	<-l.done
	return true
}

// Bootstrap (re)binds a pair to a channel: any existing loop is stopped
// first, the persisted configuration is reset (rotation and posted ids start
// fresh, roster membership survives), one full pass posts every slot message
// anew, and the steady-state loop starts.
func (s *Scheduler) Bootstrap(ctx context.Context, guildID string, tt TrackerType, channelID string) error {
	s.stopLoop(guildID, tt)
	if err := s.Sync.Bootstrap(ctx, guildID, tt, channelID); err != nil {
		return err
	}
	if err := s.Sync.Reconcile(ctx, guildID, tt); err != nil {
		return fmt.Errorf("initial pass: %w", err)
	}
	return s.Start(ctx, guildID, tt)
}

// Stop ends the pair's loop and tears down its configuration and messages.
// Returns whether a configuration existed.
func (s *Scheduler) Stop(ctx context.Context, guildID string, tt TrackerType) (bool, error) {
	s.stopLoop(guildID, tt)
	return s.Sync.Teardown(ctx, guildID, tt)
}

// ResumeAll starts a loop for every persisted tracker configuration with a
// bound channel. Called once at process start.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	docs, err := s.Store.List(ctx, "trackers")
	if err != nil {
		return fmt.Errorf("list tracker configurations: %w", err)
	}
	for _, d := range docs {
		if d.Str("channel_id") == "" {
			continue
		}
		id := strings.TrimPrefix(d.Path, "trackers/")
		guildID, rawType, ok := strings.Cut(id, ":")
		tt := TrackerType(rawType)
		if !ok || guildID == "" || !tt.Valid() {
			s.log().Warn("skipping malformed tracker document", "path", d.Path)
			continue
		}
		if err := s.Start(ctx, guildID, tt); err != nil {
			return err
		}
	}
	return nil
}

// Running reports the currently registered pairs, for /status.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]string, 0, len(s.loops))
	for key := range s.loops {
		pairs = append(pairs, key.guildID+":"+string(key.tt))
	}
	return pairs
}

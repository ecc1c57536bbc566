package docstore

import (
	"context"
	"log/slog"
	"time"
)

// ChangeHandler receives added-or-modified documents and the paths of
// documents removed since the previous poll.
type ChangeHandler func(changed []Doc, removed []string)

// Watch polls a collection and invokes fn with the delta since the last poll.
// It blocks until ctx is done; run it in its own goroutine. The first poll
// reports every existing document as changed so subscribers can catch up on
// work that accumulated while the process was down.
func (s *PGStore) Watch(ctx context.Context, collection string, interval time.Duration, fn ChangeHandler) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := slog.Default().With(slog.String("component", "docstore_watch"), slog.String("collection", collection))
	logger.Info("watch started", slog.Duration("interval", interval))

	seen := map[string]time.Time{}
	first := true

	poll := func() {
		docs, err := s.List(ctx, collection)
		if err != nil {
			logger.Warn("watch poll failed", slog.Any("err", err))
			return
		}
		present := make(map[string]struct{}, len(docs))
		var changed []Doc
		for _, d := range docs {
			present[d.Path] = struct{}{}
			prev, ok := seen[d.Path]
			if first || !ok || d.UpdatedAt.After(prev) {
				changed = append(changed, d)
			}
			seen[d.Path] = d.UpdatedAt
		}
		var removed []string
		for p := range seen {
			if _, ok := present[p]; !ok {
				removed = append(removed, p)
				delete(seen, p)
			}
		}
		first = false
		if len(changed) > 0 || len(removed) > 0 {
			fn(changed, removed)
		}
	}

	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("watch stopped")
			return
		case <-ticker.C:
			poll()
		}
	}
}

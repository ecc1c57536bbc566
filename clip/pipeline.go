// Package clip converts Twitch clips into looping GIFs and publishes them to
// object storage. Work is driven off clip documents in the document store:
// a transactional claim moves a document from pending to processing, the
// conversion runs outside the transaction, and the terminal write records
// either the GIF location or the failure.
package clip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/roster-herald/config"
	"github.com/onnwee/roster-herald/docstore"
	"github.com/onnwee/roster-herald/roster"
	"github.com/onnwee/roster-herald/telemetry"
	"github.com/onnwee/roster-herald/twitchapi"
)

// Clip document status machine: pending -> processing -> complete | error.
// Error is terminal until an external reset re-arms the document.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// ClipSource fetches a broadcaster's recent clips.
type ClipSource interface {
	GetClips(ctx context.Context, broadcasterID string, limit int) ([]twitchapi.Clip, error)
}

// Uploader publishes a converted GIF and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, objectName, contentType string, r io.Reader, publicRead bool) (string, error)
}

// Pipeline owns clip conversion. Both triggers funnel into Process: the
// document-store watcher on the clips collection and the synchronizer's
// highlight step (via EnsureClip). The transactional claim makes conversion
// effectively once per document; the in-process inflight set just
// short-circuits same-burst duplicates cheaply.
type Pipeline struct {
	Store    docstore.Store
	Clips    ClipSource
	Uploader Uploader // nil disables conversion entirely
	Opts     config.ClipOptions
	DataDir  string

	HTTPClient *http.Client
	Run        runner // nil means real ffmpeg/ffprobe
	Logger     *slog.Logger

	// Heartbeat, when set, records the last completed conversion for /status.
	Heartbeat func(ctx context.Context, key, value string) error

	mu       sync.Mutex
	inflight map[string]struct{}
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.With(slog.String("component", "clip"))
}

func (p *Pipeline) http() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (p *Pipeline) run() runner {
	if p.Run != nil {
		return p.Run
	}
	return execRun
}

// EnsureClip resolves the highlighted member's clip document. It looks up the
// broadcaster's top clip, arms a fresh document when the clip changed, and
// reports the GIF URL once a conversion has completed. "" means no clip is
// ready this pass, which the caller treats as "post nothing new".
func (p *Pipeline) EnsureClip(ctx context.Context, guildID string, e roster.LiveEntity) (string, error) {
	if p.Uploader == nil {
		return "", nil
	}
	clips, err := p.Clips.GetClips(ctx, e.ID, 1)
	if err != nil {
		return "", fmt.Errorf("fetch clips: %w", err)
	}
	if len(clips) == 0 {
		return "", nil
	}
	top := clips[0]

	path := roster.ClipPath(guildID, e.ID)
	doc, found, err := p.Store.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("load clip document: %w", err)
	}
	if found && doc.Str("clip_id") == top.ID {
		if doc.Str("status") == StatusComplete {
			return doc.Str("gif_url"), nil
		}
		// pending or processing converges on a later pass; error stays quiet
		// until an operator resets it.
		return "", nil
	}

	fields := map[string]any{
		"clip_id":      top.ID,
		"source_url":   clipVideoURL(top),
		"title":        top.Title,
		"status":       StatusPending,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.Store.Set(ctx, path, fields, false); err != nil {
		return "", fmt.Errorf("arm clip document: %w", err)
	}
	go func() {
		if err := p.Process(context.WithoutCancel(ctx), path); err != nil {
			p.log().Warn("clip conversion failed", "path", path, "error", err)
		}
	}()
	return "", nil
}

// clipVideoURL derives the clip's mp4 from its thumbnail; Helix does not
// expose the media URL directly.
func clipVideoURL(c twitchapi.Clip) string {
	if i := strings.Index(c.ThumbnailURL, "-preview-"); i >= 0 {
		return c.ThumbnailURL[:i] + ".mp4"
	}
	return c.URL
}

// OnChange adapts the pipeline to the document-store watcher: every changed
// pending document with a source URL is picked up for conversion.
func (p *Pipeline) OnChange(ctx context.Context) docstore.ChangeHandler {
	return func(changed []docstore.Doc, removed []string) {
		for _, d := range changed {
			if d.Str("status") != StatusPending || d.Str("source_url") == "" {
				continue
			}
			path := d.Path
			go func() {
				if err := p.Process(ctx, path); err != nil {
					p.log().Warn("clip conversion failed", "path", path, "error", err)
				}
			}()
		}
	}
}

// Process claims and converts one clip document. Safe to call concurrently
// and repeatedly for the same path: only one caller wins the claim, everyone
// else returns nil without side effects.
func (p *Pipeline) Process(ctx context.Context, docPath string) error {
	if p.Uploader == nil {
		return nil
	}
	if !p.enter(docPath) {
		return nil
	}
	defer p.leave(docPath)

	var source, clipID string
	claimed := false
	err := p.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, found, err := tx.Get(ctx, docPath)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		source = doc.Str("source_url")
		clipID = doc.Str("clip_id")
		status := doc.Str("status")
		if source == "" || doc.Str("gif_url") != "" {
			return nil
		}
		if status != "" && status != StatusPending {
			return nil
		}
		claimed = true
		return tx.Set(ctx, docPath, map[string]any{"status": StatusProcessing}, true)
	})
	if err != nil {
		return fmt.Errorf("claim clip document: %w", err)
	}
	if !claimed {
		return nil
	}
	telemetry.ClipsClaimed.Inc()

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "clip", "clip.convert",
		attribute.String("doc_path", docPath),
		attribute.String("clip_id", clipID))
	defer span.End()

	gifURL, objectName, duration, err := p.convert(ctx, docPath, clipID, source)
	if err != nil {
		telemetry.ClipsFailed.Inc()
		telemetry.RecordError(span, err)
		p.log().Error("clip conversion failed", "path", docPath, "clip_id", clipID, "class", ClassifyDownloadError(err).String(), "error", err)
		if serr := p.Store.Set(ctx, docPath, map[string]any{"status": StatusError, "error": err.Error()}, true); serr != nil {
			p.log().Error("record clip failure", "path", docPath, "error", serr)
		}
		return err
	}

	fields := map[string]any{
		"status":       StatusComplete,
		"gif_url":      gifURL,
		"storage_path": objectName,
		"duration":     duration.Seconds(),
		"completed_at": time.Now().UTC().Format(time.RFC3339),
		"error":        docstore.DeleteField,
	}
	if err := p.Store.Set(ctx, docPath, fields, true); err != nil {
		return fmt.Errorf("record clip completion: %w", err)
	}
	telemetry.ClipsConverted.Inc()
	telemetry.ClipDuration.Observe(time.Since(start).Seconds())
	telemetry.SetSpanSuccess(span)
	if p.Heartbeat != nil {
		if err := p.Heartbeat(ctx, "clip_convert:"+docPath, time.Now().UTC().Format(time.RFC3339)); err != nil {
			p.log().Debug("heartbeat write failed", "error", err)
		}
	}
	p.log().Info("clip converted", "path", docPath, "clip_id", clipID, "gif_url", gifURL, "duration", duration.String())
	return nil
}

// Retry re-arms a document and kicks off a conversion. Accepted states are
// error and processing: processing with no live conversion means a previous
// process crashed mid-convert, and this is the operator path to unwedge it.
// Pending and complete documents are rejected.
func (p *Pipeline) Retry(ctx context.Context, docPath string) error {
	err := p.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, found, err := tx.Get(ctx, docPath)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("clip document %s not found", docPath)
		}
		if st := doc.Str("status"); st != StatusError && st != StatusProcessing {
			return fmt.Errorf("clip document %s is %q, only error or stalled processing documents can be retried", docPath, st)
		}
		return tx.Set(ctx, docPath, map[string]any{"status": StatusPending, "error": docstore.DeleteField}, true)
	})
	if err != nil {
		return err
	}
	go func() {
		if err := p.Process(context.WithoutCancel(ctx), docPath); err != nil {
			p.log().Warn("clip retry failed", "path", docPath, "error", err)
		}
	}()
	return nil
}

// convert downloads the source into a fresh scratch directory, probes its
// duration, transcodes to GIF and uploads. The scratch directory is always
// removed.
func (p *Pipeline) convert(ctx context.Context, docPath, clipID, source string) (gifURL, objectName string, duration time.Duration, err error) {
	if p.DataDir != "" {
		if err := os.MkdirAll(p.DataDir, 0o755); err != nil {
			return "", "", 0, fmt.Errorf("scratch dir: %w", err)
		}
	}
	scratch, err := os.MkdirTemp(p.DataDir, "clip-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	src := filepath.Join(scratch, "source.mp4")
	if err := p.download(ctx, source, src); err != nil {
		return "", "", 0, fmt.Errorf("download clip: %w", err)
	}

	duration, err = probeDuration(ctx, p.run(), src)
	if err != nil {
		return "", "", 0, err
	}

	dst := filepath.Join(scratch, "clip.gif")
	if err := transcodeGIF(ctx, p.run(), src, dst, p.Opts, duration); err != nil {
		return "", "", 0, err
	}
	if p.Opts.MaxDuration > 0 && duration > p.Opts.MaxDuration {
		duration = p.Opts.MaxDuration
	}

	f, err := os.Open(dst)
	if err != nil {
		return "", "", 0, fmt.Errorf("open gif: %w", err)
	}
	defer f.Close()

	objectName = p.objectName(docPath, clipID)
	gifURL, err = p.Uploader.Upload(ctx, objectName, "image/gif", f, p.Opts.PublicRead)
	if err != nil {
		return "", "", 0, fmt.Errorf("upload gif: %w", err)
	}
	return gifURL, objectName, duration, nil
}

// objectName is deterministic per (document, clip), so a changed clip lands
// at a new object and a repeated conversion overwrites its own.
func (p *Pipeline) objectName(docPath, clipID string) string {
	id := strings.TrimPrefix(docPath, "clips/")
	return fmt.Sprintf("%s/%s/%s.gif", p.Opts.Folder, id, clipID)
}

// download fetches the source video with exponential backoff + jitter.
// Fatal errors (clip gone, forbidden) stop immediately.
func (p *Pipeline) download(ctx context.Context, url, dst string) error {
	const maxAttempts = 4
	base := 2 * time.Second
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := base*time.Duration(1<<attempt) + time.Duration(rand.Int63n(int64(base)))
			p.log().Warn("retrying clip download", "url", url, "attempt", attempt, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := p.fetchOnce(ctx, url, dst)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return err
		}
	}
	return lastErr
}

func (p *Pipeline) fetchOnce(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.http().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return fmt.Errorf("unexpected content length: got %d, want %d", n, resp.ContentLength)
	}
	return nil
}

func (p *Pipeline) enter(docPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight == nil {
		p.inflight = map[string]struct{}{}
	}
	if _, busy := p.inflight[docPath]; busy {
		return false
	}
	p.inflight[docPath] = struct{}{}
	return true
}

func (p *Pipeline) leave(docPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, docPath)
}

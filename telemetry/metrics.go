// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ReconcilePasses   *prometheus.CounterVec // by tracker type
	ReconcileFailures *prometheus.CounterVec
	MessagesCreated   prometheus.Counter
	MessagesEdited    prometheus.Counter
	MessagesDeleted   prometheus.Counter
	ClipsClaimed      prometheus.Counter
	ClipsConverted    prometheus.Counter
	ClipsFailed       prometheus.Counter

	// Histograms (seconds)
	ReconcileDuration prometheus.Observer
	ClipDuration      prometheus.Observer

	// Gauges
	TrackersRunningGauge prometheus.Gauge
	LiveRosterGauge      *prometheus.GaugeVec // by tracker type
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_reconcile_passes_total", Help: "Number of reconciliation passes"}, []string{"tracker"})
		ReconcileFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tracker_reconcile_failures_total", Help: "Number of reconciliation passes aborted by an error"}, []string{"tracker"})
		MessagesCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_messages_created_total", Help: "Number of notification messages created"})
		MessagesEdited = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_messages_edited_total", Help: "Number of notification messages edited in place"})
		MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{Name: "tracker_messages_deleted_total", Help: "Number of notification messages deleted"})
		ClipsClaimed = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_claims_total", Help: "Number of clip documents claimed for conversion"})
		ClipsConverted = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_conversions_succeeded_total", Help: "Number of clip conversions completed"})
		ClipsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "clip_conversions_failed_total", Help: "Number of clip conversions that ended in error"})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tracker_reconcile_duration_seconds", Help: "Reconciliation pass duration seconds", Buckets: prometheus.DefBuckets})
		ClipDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "clip_conversion_duration_seconds", Help: "Clip conversion duration seconds", Buckets: prometheus.DefBuckets})
		TrackersRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "tracker_loops_running", Help: "Number of (guild, tracker) polling loops currently running"})
		LiveRosterGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tracker_live_roster_size", Help: "Live roster members observed on the most recent pass"}, []string{"tracker"})
	})
}

// PassObserved records one completed pass for a tracker type.
func PassObserved(tracker string, d time.Duration, err error) {
	if ReconcilePasses == nil {
		return
	}
	ReconcilePasses.WithLabelValues(tracker).Inc()
	if err != nil {
		ReconcileFailures.WithLabelValues(tracker).Inc()
		return
	}
	ReconcileDuration.Observe(d.Seconds())
}

// SetTrackersRunning records the current loop count.
func SetTrackersRunning(n int) {
	if TrackersRunningGauge != nil {
		TrackersRunningGauge.Set(float64(n))
	}
}

// SetLiveRoster records the live member count observed for a tracker type.
func SetLiveRoster(tracker string, n int) {
	if LiveRosterGauge != nil {
		LiveRosterGauge.WithLabelValues(tracker).Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

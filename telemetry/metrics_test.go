package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on duplicate registration
	if ReconcilePasses == nil || ClipsClaimed == nil {
		t.Fatal("metrics not registered")
	}
}

func TestPassObserved(t *testing.T) {
	Init()
	PassObserved("vip", 120*time.Millisecond, nil)
	PassObserved("vip", 0, context.DeadlineExceeded)
	SetTrackersRunning(3)
	SetLiveRoster("pool", 7)
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Fatal("expected empty corr on fresh context")
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if GetCorrelation(ctx) != "abc-123" {
		t.Fatal("corr not carried")
	}
	if LoggerWithCorr(ctx) == nil {
		t.Fatal("nil logger")
	}
}

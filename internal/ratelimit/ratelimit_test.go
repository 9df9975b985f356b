package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestAcquireTimesOutWhenBucketEmpty(t *testing.T) {
	l := New(Options{RatePerSecond: 0.01, Burst: 1, AcquireTimeout: 50 * time.Millisecond, MinRatePerSecond: 0.001})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}
	start := time.Now()
	err := l.Acquire(context.Background())
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected acquire to give up within the timeout")
	}
}

func TestAcquireHonorsCallerCancellation(t *testing.T) {
	l := New(Options{RatePerSecond: 0.01, Burst: 1, AcquireTimeout: time.Second, MinRatePerSecond: 0.001})
	_ = l.Acquire(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestObserveShrinksAndRestoresRate(t *testing.T) {
	l := New(Options{RatePerSecond: 10, Burst: 10})

	low := http.Header{}
	low.Set(HeaderLimit, "100")
	low.Set(HeaderRemaining, "5")
	low.Set(HeaderReset, "10")
	l.Observe(low)

	status := l.Status()
	if status.RatePerSecond < 0.49 || status.RatePerSecond > 0.51 {
		t.Fatalf("expected rate shrunk to ~0.5/s, got %f", status.RatePerSecond)
	}
	if !l.NearDepletion() {
		t.Fatalf("expected near depletion with 5/100 remaining")
	}

	healthy := http.Header{}
	healthy.Set(HeaderLimit, "100")
	healthy.Set(HeaderRemaining, "90")
	healthy.Set(HeaderReset, "10")
	l.Observe(healthy)
	if got := l.Status().RatePerSecond; got != 10 {
		t.Fatalf("expected configured rate restored, got %f", got)
	}
	if l.NearDepletion() {
		t.Fatalf("expected no near depletion with a full bucket and healthy quota")
	}
}

func TestObserveExhaustedQuotaBlocks(t *testing.T) {
	l := New(Options{RatePerSecond: 10, Burst: 10, AcquireTimeout: 30 * time.Millisecond})
	h := http.Header{}
	h.Set(HeaderLimit, "100")
	h.Set(HeaderRemaining, "0")
	h.Set(HeaderReset, "60")
	l.Observe(h)

	if status := l.Status(); status.BlockedUntil == nil {
		t.Fatalf("expected blockedUntil to be set")
	}
	if err := l.Acquire(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected acquire to time out during the quota pause, got %v", err)
	}
}

func TestPenalizeHalvesRateAndPauses(t *testing.T) {
	l := New(Options{RatePerSecond: 8, Burst: 10, AcquireTimeout: 20 * time.Millisecond})
	l.Penalize(200 * time.Millisecond)

	if got := l.Status().RatePerSecond; got != 4 {
		t.Fatalf("expected rate halved to 4, got %f", got)
	}
	if !l.NearDepletion() {
		t.Fatalf("expected near depletion while paused")
	}
	if err := l.Acquire(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected timeout while paused, got %v", err)
	}
}

func TestObserveWithoutQuotaHeadersRecoversAdditively(t *testing.T) {
	l := New(Options{RatePerSecond: 10, Burst: 10})
	for i := 0; i < 5; i++ {
		l.Penalize(time.Millisecond)
	}
	if got := l.Status().RatePerSecond; got > 0.32 {
		t.Fatalf("expected rate near 0.3125 after 5 penalties, got %f", got)
	}

	l.Observe(http.Header{})
	if got := l.Status().RatePerSecond; got < 1.31 || got > 1.32 {
		t.Fatalf("expected one additive step of 1/s, got %f", got)
	}

	for i := 0; i < 100; i++ {
		l.Observe(http.Header{})
	}
	if got := l.Status().RatePerSecond; got != 10 {
		t.Fatalf("expected configured rate restored and capped at 10, got %f", got)
	}
	l.Observe(nil)
	if got := l.Status().RatePerSecond; got != 10 {
		t.Fatalf("expected rate to stay at the configured cap, got %f", got)
	}
}

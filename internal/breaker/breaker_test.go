package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	if err != nil {
		t.Fatalf("expected call to be allowed, got %v", err)
	}
	done(false)
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(Options{FailureThreshold: 3, Cooldown: time.Hour})
	fail(t, b)
	fail(t, b)
	if b.State() != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", b.State())
	}
	fail(t, b)
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while open, got %v", err)
	}
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Options{FailureThreshold: 2, Cooldown: time.Hour})
	fail(t, b)
	done, err := b.Allow()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done(true)
	fail(t, b)
	if b.State() != StateClosed {
		t.Fatalf("expected closed since failures were not consecutive, got %s", b.State())
	}
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	b := New(Options{
		FailureThreshold: 1,
		Cooldown:         20 * time.Millisecond,
		OnStateChange: func(from, to string) {
			mu.Lock()
			transitions = append(transitions, from+"->"+to)
			mu.Unlock()
		},
	})
	fail(t, b)
	time.Sleep(40 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", b.State())
	}
	probe, err := b.Allow()
	if err != nil {
		t.Fatalf("expected probe to be admitted, got %v", err)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected second concurrent probe to be rejected, got %v", err)
	}
	probe(true)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := New(Options{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	fail(t, b)
	time.Sleep(40 * time.Millisecond)

	probe, err := b.Allow()
	if err != nil {
		t.Fatalf("expected probe to be admitted, got %v", err)
	}
	probe(false)
	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}
	if b.StateValue() != 2 {
		t.Fatalf("expected gauge value 2, got %f", b.StateValue())
	}
}

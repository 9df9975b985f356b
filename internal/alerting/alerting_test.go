package alerting

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roquehomemaster/listingsync/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(clock *fakeClock, opts Options) *Manager {
	opts.Now = clock.Now
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(opts)
}

func keys(alerts []Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Key+":"+string(a.Severity))
	}
	return out
}

func TestEvaluateThresholdRules(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alerts := Evaluate(Signals{
		OAuthDegraded:    true,
		AuthFailures:     3,
		AuthTotal:        10,
		CircuitOpen:      true,
		QueueBacklog:     600,
		OldestPendingAge: 2 * time.Hour,
		P99Wait:          11 * time.Minute,
	}, DefaultThresholds(), 0, 0, now)

	assert.Equal(t, []string{
		"auth_failure_ratio:warn",
		"circuit_open:page",
		"oauth_degraded:page",
		"queue_backlog:warn",
		"queue_burn:page",
		"queue_oldest_pending_age:page",
		"queue_p99_wait:warn",
	}, keys(alerts))
}

func TestAuthRatioNeedsMinimumSamples(t *testing.T) {
	alerts := Evaluate(Signals{AuthFailures: 5, AuthTotal: 5}, DefaultThresholds(), 0, 0, time.Now())
	assert.Empty(t, alerts)
}

func TestAuthFailureRatioUsesSlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(clock, Options{Thresholds: Thresholds{AuthFailureWindow: 15 * time.Minute}})

	assert.Equal(t, []string{"auth_failure_ratio:page"}, keys(m.Evaluate(Signals{AuthFailures: 60, AuthTotal: 100})))

	clock.Advance(20 * time.Minute)
	assert.Empty(t, m.Evaluate(Signals{AuthFailures: 60, AuthTotal: 200}), "old failures fall out of the window")

	clock.Advance(20 * time.Minute)
	alerts := m.Evaluate(Signals{AuthFailures: 90, AuthTotal: 230})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityPage, alerts[0].Severity)
	assert.Equal(t, 1.0, alerts[0].Value)
}

func TestCounterWindowHandlesReset(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := NewCounterWindow(time.Minute, start)

	failures, total := w.Increase(start.Add(10*time.Second), 4, 8)
	assert.Equal(t, 4.0, failures)
	assert.Equal(t, 8.0, total)

	failures, total = w.Increase(start.Add(20*time.Second), 1, 2)
	assert.Equal(t, 1.0, failures, "a lower reading restarts from zero")
	assert.Equal(t, 2.0, total)
}

func TestBurnRateWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(clock, Options{Thresholds: Thresholds{BurnWaitThreshold: time.Minute, BurnMinSamples: 4, BurnWindow: time.Hour}})

	for i := 0; i < 3; i++ {
		m.ObserveWait(10 * time.Second)
	}
	m.ObserveWait(5 * time.Minute)
	assert.Equal(t, []string{"wait_burn_rate:page"}, keys(m.Evaluate(Signals{})))

	clock.Advance(2 * time.Hour)
	assert.Empty(t, m.Evaluate(Signals{}), "samples outside the window no longer count")
}

func TestSuppressionAndEscalationBypass(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg := metrics.NewRegistry()
	m := newTestManager(clock, Options{GlobalWindow: 10 * time.Minute, Recorder: reg})

	warn := Signals{QueueBacklog: 600}
	page := Signals{QueueBacklog: 3000}

	m.Evaluate(warn)
	clock.Advance(time.Minute)
	m.Evaluate(warn)
	clock.Advance(time.Minute)
	m.Evaluate(warn)

	counters := m.Counters()
	assert.Equal(t, 1, counters.Fired[KeyQueueBacklog])
	assert.Equal(t, 2, counters.Suppressed[KeyQueueBacklog])
	require.Len(t, m.History(0), 1)

	clock.Advance(time.Minute)
	m.Evaluate(page)
	history := m.History(0)
	require.Len(t, history, 2, "severity change bypasses suppression")
	assert.True(t, history[1].Escalated)
	assert.Equal(t, SeverityPage, history[1].Severity)

	clock.Advance(11 * time.Minute)
	m.Evaluate(page)
	assert.Len(t, m.History(0), 3, "window elapsed so the repeat is recorded")

	assert.Equal(t, 2.0, reg.Value("listingsync_alerts_suppressed_total", "key", KeyQueueBacklog))
}

func TestPerKeyWindowOverridesGlobal(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(clock, Options{
		GlobalWindow:  time.Hour,
		PerKeyWindows: map[string]time.Duration{KeyCircuitOpen: time.Minute},
	})
	m.Evaluate(Signals{CircuitOpen: true})
	clock.Advance(2 * time.Minute)
	m.Evaluate(Signals{CircuitOpen: true})
	assert.Equal(t, 2, m.Counters().Fired[KeyCircuitOpen])
}

func TestClearedCounters(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(clock, Options{})

	m.Evaluate(Signals{QueueBacklog: 3000})
	m.Evaluate(Signals{QueueBacklog: 600})
	assert.Equal(t, 1, m.Counters().Cleared[KeyQueueBacklog], "page to warn counts as cleared")

	m.Evaluate(Signals{})
	assert.Equal(t, 2, m.Counters().Cleared[KeyQueueBacklog])
	assert.Empty(t, m.Active())
}

func TestSubscribersReceiveActiveSet(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newTestManager(clock, Options{})
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Evaluate(Signals{StoreUnreachable: true})
	select {
	case got := <-ch:
		assert.Equal(t, []string{"store_unreachable:page"}, keys(got))
	case <-time.After(time.Second):
		t.Fatal("expected an update")
	}
}

func TestHistoryPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts", "history.ndjson")
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	first := newTestManager(clock, Options{HistoryPath: path})
	first.Evaluate(Signals{CircuitOpen: true})

	var buf bytes.Buffer
	require.NoError(t, first.WriteHistoryNDJSON(&buf))
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))

	clock.Advance(time.Minute)
	second := newTestManager(clock, Options{HistoryPath: path})
	require.Len(t, second.History(0), 1)
	second.Evaluate(Signals{CircuitOpen: true})
	assert.Equal(t, 1, second.Counters().Suppressed[KeyCircuitOpen], "suppression window restored from disk")
}

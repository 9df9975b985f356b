// Package alerting derives threshold and burn-rate alerts from pipeline
// signals and keeps a suppressed, bounded history of what fired.
package alerting

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type Severity string

const (
	SeverityWarn Severity = "warn"
	SeverityPage Severity = "page"
)

const (
	KeyOAuthDegraded    = "oauth_degraded"
	KeyAuthFailureRatio = "auth_failure_ratio"
	KeyCircuitOpen      = "circuit_open"
	KeyStoreUnreachable = "store_unreachable"
	KeyQueueBacklog     = "queue_backlog"
	KeyOldestPending    = "queue_oldest_pending_age"
	KeyQueueMaxWait     = "queue_max_wait"
	KeyQueueP99Wait     = "queue_p99_wait"
	KeyQueueBurn        = "queue_burn"
	KeyWaitBurnRate     = "wait_burn_rate"
)

type Alert struct {
	Key       string    `json:"key"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"firedAt"`
}

// Signals is a point-in-time view of everything the rules look at.
// Manager.Evaluate takes AuthFailures and AuthTotal as lifetime counters and
// narrows them to the auth failure window before the rules run.
type Signals struct {
	OAuthDegraded    bool
	AuthFailures     float64
	AuthTotal        float64
	CircuitOpen      bool
	StoreUnreachable bool
	QueueBacklog     int
	OldestPendingAge time.Duration
	MaxWait          time.Duration
	P99Wait          time.Duration
}

type Thresholds struct {
	AuthFailureRatioWarn  float64       `yaml:"auth_failure_ratio_warn"`
	AuthFailureRatioPage  float64       `yaml:"auth_failure_ratio_page"`
	AuthFailureMinSamples int           `yaml:"auth_failure_min_samples"`
	AuthFailureWindow     time.Duration `yaml:"auth_failure_window"`
	BacklogWarn           int           `yaml:"backlog_warn"`
	BacklogPage           int           `yaml:"backlog_page"`
	OldestPendingWarn     time.Duration `yaml:"oldest_pending_warn"`
	OldestPendingPage     time.Duration `yaml:"oldest_pending_page"`
	MaxWaitWarn           time.Duration `yaml:"max_wait_warn"`
	P99WaitWarn           time.Duration `yaml:"p99_wait_warn"`
	QueueBurnP99          time.Duration `yaml:"queue_burn_p99"`
	QueueBurnBacklog      int           `yaml:"queue_burn_backlog"`
	BurnWaitThreshold     time.Duration `yaml:"burn_wait_threshold"`
	BurnWindow            time.Duration `yaml:"burn_window"`
	BurnWarnRatio         float64       `yaml:"burn_warn_ratio"`
	BurnPageRatio         float64       `yaml:"burn_page_ratio"`
	BurnMinSamples        int           `yaml:"burn_min_samples"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AuthFailureRatioWarn:  0.2,
		AuthFailureRatioPage:  0.5,
		AuthFailureMinSamples: 10,
		AuthFailureWindow:     15 * time.Minute,
		BacklogWarn:           500,
		BacklogPage:           2000,
		OldestPendingWarn:     15 * time.Minute,
		OldestPendingPage:     time.Hour,
		MaxWaitWarn:           30 * time.Minute,
		P99WaitWarn:           10 * time.Minute,
		QueueBurnP99:          5 * time.Minute,
		QueueBurnBacklog:      200,
		BurnWaitThreshold:     5 * time.Minute,
		BurnWindow:            time.Hour,
		BurnWarnRatio:         0.1,
		BurnPageRatio:         0.25,
		BurnMinSamples:        20,
	}
}

// withDefaults fills zero fields so partially configured thresholds work.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.AuthFailureRatioWarn <= 0 {
		t.AuthFailureRatioWarn = d.AuthFailureRatioWarn
	}
	if t.AuthFailureRatioPage <= 0 {
		t.AuthFailureRatioPage = d.AuthFailureRatioPage
	}
	if t.AuthFailureMinSamples <= 0 {
		t.AuthFailureMinSamples = d.AuthFailureMinSamples
	}
	if t.AuthFailureWindow <= 0 {
		t.AuthFailureWindow = d.AuthFailureWindow
	}
	if t.BacklogWarn <= 0 {
		t.BacklogWarn = d.BacklogWarn
	}
	if t.BacklogPage <= 0 {
		t.BacklogPage = d.BacklogPage
	}
	if t.OldestPendingWarn <= 0 {
		t.OldestPendingWarn = d.OldestPendingWarn
	}
	if t.OldestPendingPage <= 0 {
		t.OldestPendingPage = d.OldestPendingPage
	}
	if t.MaxWaitWarn <= 0 {
		t.MaxWaitWarn = d.MaxWaitWarn
	}
	if t.P99WaitWarn <= 0 {
		t.P99WaitWarn = d.P99WaitWarn
	}
	if t.QueueBurnP99 <= 0 {
		t.QueueBurnP99 = d.QueueBurnP99
	}
	if t.QueueBurnBacklog <= 0 {
		t.QueueBurnBacklog = d.QueueBurnBacklog
	}
	if t.BurnWaitThreshold <= 0 {
		t.BurnWaitThreshold = d.BurnWaitThreshold
	}
	if t.BurnWindow <= 0 {
		t.BurnWindow = d.BurnWindow
	}
	if t.BurnWarnRatio <= 0 {
		t.BurnWarnRatio = d.BurnWarnRatio
	}
	if t.BurnPageRatio <= 0 {
		t.BurnPageRatio = d.BurnPageRatio
	}
	if t.BurnMinSamples <= 0 {
		t.BurnMinSamples = d.BurnMinSamples
	}
	return t
}

// Evaluate applies every rule to s. burnRatio and burnSamples come from the
// sliding wait window.
func Evaluate(s Signals, th Thresholds, burnRatio float64, burnSamples int, now time.Time) []Alert {
	th = th.withDefaults()
	var out []Alert
	add := func(key string, sev Severity, value, threshold float64, format string, args ...any) {
		out = append(out, Alert{
			Key:       key,
			Severity:  sev,
			Message:   fmt.Sprintf(format, args...),
			Value:     value,
			Threshold: threshold,
			FiredAt:   now,
		})
	}

	if s.OAuthDegraded {
		add(KeyOAuthDegraded, SeverityPage, 1, 1, "oauth token refresh is degraded")
	}
	if s.AuthTotal >= float64(th.AuthFailureMinSamples) && s.AuthTotal > 0 {
		ratio := s.AuthFailures / s.AuthTotal
		switch {
		case ratio >= th.AuthFailureRatioPage:
			add(KeyAuthFailureRatio, SeverityPage, ratio, th.AuthFailureRatioPage, "auth failure ratio %.2f over %.0f calls", ratio, s.AuthTotal)
		case ratio >= th.AuthFailureRatioWarn:
			add(KeyAuthFailureRatio, SeverityWarn, ratio, th.AuthFailureRatioWarn, "auth failure ratio %.2f over %.0f calls", ratio, s.AuthTotal)
		}
	}
	if s.CircuitOpen {
		add(KeyCircuitOpen, SeverityPage, 1, 1, "marketplace circuit breaker is open")
	}
	if s.StoreUnreachable {
		add(KeyStoreUnreachable, SeverityPage, 1, 1, "sync state store is unreachable")
	}
	switch {
	case s.QueueBacklog >= th.BacklogPage:
		add(KeyQueueBacklog, SeverityPage, float64(s.QueueBacklog), float64(th.BacklogPage), "queue backlog %d", s.QueueBacklog)
	case s.QueueBacklog >= th.BacklogWarn:
		add(KeyQueueBacklog, SeverityWarn, float64(s.QueueBacklog), float64(th.BacklogWarn), "queue backlog %d", s.QueueBacklog)
	}
	switch {
	case s.OldestPendingAge >= th.OldestPendingPage:
		add(KeyOldestPending, SeverityPage, s.OldestPendingAge.Seconds(), th.OldestPendingPage.Seconds(), "oldest pending item waited %s", s.OldestPendingAge.Round(time.Second))
	case s.OldestPendingAge >= th.OldestPendingWarn:
		add(KeyOldestPending, SeverityWarn, s.OldestPendingAge.Seconds(), th.OldestPendingWarn.Seconds(), "oldest pending item waited %s", s.OldestPendingAge.Round(time.Second))
	}
	if s.MaxWait >= th.MaxWaitWarn {
		add(KeyQueueMaxWait, SeverityWarn, s.MaxWait.Seconds(), th.MaxWaitWarn.Seconds(), "max queue wait %s", s.MaxWait.Round(time.Second))
	}
	if s.P99Wait >= th.P99WaitWarn {
		add(KeyQueueP99Wait, SeverityWarn, s.P99Wait.Seconds(), th.P99WaitWarn.Seconds(), "p99 queue wait %s", s.P99Wait.Round(time.Second))
	}
	if s.P99Wait >= th.QueueBurnP99 && s.QueueBacklog >= th.QueueBurnBacklog {
		add(KeyQueueBurn, SeverityPage, s.P99Wait.Seconds(), th.QueueBurnP99.Seconds(), "p99 wait %s with backlog %d", s.P99Wait.Round(time.Second), s.QueueBacklog)
	}
	if burnSamples >= th.BurnMinSamples {
		switch {
		case burnRatio >= th.BurnPageRatio:
			add(KeyWaitBurnRate, SeverityPage, burnRatio, th.BurnPageRatio, "%.0f%% of %d waits exceeded %s", burnRatio*100, burnSamples, th.BurnWaitThreshold)
		case burnRatio >= th.BurnWarnRatio:
			add(KeyWaitBurnRate, SeverityWarn, burnRatio, th.BurnWarnRatio, "%.0f%% of %d waits exceeded %s", burnRatio*100, burnSamples, th.BurnWaitThreshold)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// BurnWindow tracks queue wait samples over a sliding window.
type BurnWindow struct {
	mu        sync.Mutex
	window    time.Duration
	threshold time.Duration
	limit     int
	samples   []burnSample
}

type burnSample struct {
	at   time.Time
	slow bool
}

func NewBurnWindow(window, threshold time.Duration, limit int) *BurnWindow {
	if limit <= 0 {
		limit = 10000
	}
	return &BurnWindow{window: window, threshold: threshold, limit: limit}
}

func (b *BurnWindow) Add(at time.Time, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, burnSample{at: at, slow: wait > b.threshold})
	if len(b.samples) > b.limit {
		b.samples = append([]burnSample(nil), b.samples[len(b.samples)-b.limit:]...)
	}
}

// Ratio returns the fraction of in-window samples over the threshold.
func (b *BurnWindow) Ratio(now time.Time) (float64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-b.window)
	kept := b.samples[:0]
	slow := 0
	for _, s := range b.samples {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if s.slow {
			slow++
		}
	}
	b.samples = kept
	if len(kept) == 0 {
		return 0, 0
	}
	return float64(slow) / float64(len(kept)), len(kept)
}

// CounterWindow turns a pair of cumulative counters into their increase over
// a sliding window. The oldest sample at or before the window start is kept
// as the baseline.
type CounterWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples []counterSample
}

type counterSample struct {
	at       time.Time
	failures float64
	total    float64
}

// NewCounterWindow starts from zero at start, which matches counters that
// begin with the process.
func NewCounterWindow(window time.Duration, start time.Time) *CounterWindow {
	return &CounterWindow{window: window, samples: []counterSample{{at: start}}}
}

// Increase records the counters at at and returns how much each grew over
// the window.
func (c *CounterWindow) Increase(at time.Time, failures, total float64) (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last := c.samples[len(c.samples)-1]; failures < last.failures || total < last.total {
		c.samples = []counterSample{{at: at}}
	}
	c.samples = append(c.samples, counterSample{at: at, failures: failures, total: total})
	cutoff := at.Add(-c.window)
	base := 0
	for i := 1; i < len(c.samples) && !c.samples[i].at.After(cutoff); i++ {
		base = i
	}
	if base > 0 {
		c.samples = append([]counterSample(nil), c.samples[base:]...)
	}
	first := c.samples[0]
	return failures - first.failures, total - first.total
}

package alerting

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roquehomemaster/listingsync/internal/metrics"
)

type Options struct {
	Thresholds    Thresholds
	GlobalWindow  time.Duration
	PerKeyWindows map[string]time.Duration
	HistoryLimit  int
	HistoryPath   string
	Recorder      metrics.Recorder
	Logger        *slog.Logger
	Now           func() time.Time
}

type HistoryEntry struct {
	Alert
	Escalated bool `json:"escalated,omitempty"`
}

type Counters struct {
	Fired      map[string]int `json:"fired"`
	Suppressed map[string]int `json:"suppressed"`
	Cleared    map[string]int `json:"cleared"`
}

// Manager evaluates rules, suppresses repeats and fans active alerts out to
// subscribers.
type Manager struct {
	thresholds    Thresholds
	globalWindow  time.Duration
	perKeyWindows map[string]time.Duration
	historyLimit  int
	historyPath   string
	recorder      metrics.Recorder
	logger        *slog.Logger
	now           func() time.Time
	burn          *BurnWindow
	auth          *CounterWindow

	mu           sync.Mutex
	active       map[string]Alert
	history      []HistoryEntry
	lastRecorded map[string]HistoryEntry
	counters     Counters
	subscribers  map[chan []Alert]struct{}
}

func NewManager(opts Options) *Manager {
	th := opts.Thresholds.withDefaults()
	global := opts.GlobalWindow
	if global <= 0 {
		global = 15 * time.Minute
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = 500
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		thresholds:    th,
		globalWindow:  global,
		perKeyWindows: opts.PerKeyWindows,
		historyLimit:  limit,
		historyPath:   opts.HistoryPath,
		recorder:      recorder,
		logger:        logger,
		now:           now,
		burn:          NewBurnWindow(th.BurnWindow, th.BurnWaitThreshold, 0),
		auth:          NewCounterWindow(th.AuthFailureWindow, now()),
		active:        map[string]Alert{},
		lastRecorded:  map[string]HistoryEntry{},
		counters: Counters{
			Fired:      map[string]int{},
			Suppressed: map[string]int{},
			Cleared:    map[string]int{},
		},
		subscribers: map[chan []Alert]struct{}{},
	}
	if err := m.loadHistory(); err != nil {
		logger.Warn("alert history not loaded", "path", m.historyPath, "error", err)
	}
	return m
}

// ObserveWait feeds one queue wait sample into the burn-rate window.
func (m *Manager) ObserveWait(wait time.Duration) {
	m.burn.Add(m.now(), wait)
}

// Evaluate runs the rules against s, records what fired and returns the
// active set.
func (m *Manager) Evaluate(s Signals) []Alert {
	now := m.now()
	ratio, samples := m.burn.Ratio(now)
	s.AuthFailures, s.AuthTotal = m.auth.Increase(now, s.AuthFailures, s.AuthTotal)
	current := Evaluate(s, m.thresholds, ratio, samples, now)

	m.mu.Lock()
	next := make(map[string]Alert, len(current))
	for _, alert := range current {
		next[alert.Key] = alert
		m.recordLocked(alert)
	}
	for key, prev := range m.active {
		cur, still := next[key]
		switch {
		case !still:
			m.clearLocked(key, "resolved")
		case prev.Severity == SeverityPage && cur.Severity == SeverityWarn:
			m.clearLocked(key, "downgraded")
		}
	}
	m.active = next
	active := sortedAlerts(next)
	subs := make([]chan []Alert, 0, len(m.subscribers))
	for ch := range m.subscribers {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	m.recorder.Set("listingsync_alerts_active", float64(len(active)))
	for _, ch := range subs {
		select {
		case ch <- active:
		default:
		}
	}
	return active
}

func (m *Manager) recordLocked(alert Alert) {
	last, seen := m.lastRecorded[alert.Key]
	escalated := seen && last.Severity != alert.Severity
	if seen && !escalated && alert.FiredAt.Sub(last.FiredAt) < m.windowFor(alert.Key) {
		m.counters.Suppressed[alert.Key]++
		m.recorder.Add("listingsync_alerts_suppressed_total", 1, "key", alert.Key)
		return
	}
	entry := HistoryEntry{Alert: alert, Escalated: escalated}
	m.lastRecorded[alert.Key] = entry
	m.history = append(m.history, entry)
	if len(m.history) > m.historyLimit {
		m.history = append([]HistoryEntry(nil), m.history[len(m.history)-m.historyLimit:]...)
	}
	m.counters.Fired[alert.Key]++
	m.recorder.Add("listingsync_alerts_fired_total", 1, "key", alert.Key, "severity", string(alert.Severity))
	m.logger.Warn("alert fired", "key", alert.Key, "severity", alert.Severity, "message", alert.Message, "escalated", escalated)
	if err := m.appendHistory(entry); err != nil {
		m.logger.Warn("alert history append failed", "path", m.historyPath, "error", err)
	}
}

func (m *Manager) clearLocked(key, reason string) {
	m.counters.Cleared[key]++
	m.recorder.Add("listingsync_alerts_cleared_total", 1, "key", key, "reason", reason)
	m.logger.Info("alert cleared", "key", key, "reason", reason)
}

func (m *Manager) windowFor(key string) time.Duration {
	if w, ok := m.perKeyWindows[key]; ok && w > 0 {
		return w
	}
	return m.globalWindow
}

func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedAlerts(m.active)
}

// History returns up to limit recorded entries, newest last.
func (m *Manager) History(limit int) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	return append([]HistoryEntry(nil), m.history[len(m.history)-limit:]...)
}

func (m *Manager) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Counters{Fired: map[string]int{}, Suppressed: map[string]int{}, Cleared: map[string]int{}}
	for k, v := range m.counters.Fired {
		out.Fired[k] = v
	}
	for k, v := range m.counters.Suppressed {
		out.Suppressed[k] = v
	}
	for k, v := range m.counters.Cleared {
		out.Cleared[k] = v
	}
	return out
}

// Subscribe registers a listener for the active set after each evaluation.
// Slow listeners miss updates rather than block evaluation.
func (m *Manager) Subscribe() (<-chan []Alert, func()) {
	ch := make(chan []Alert, 4)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, ch)
			m.mu.Unlock()
		})
	}
}

// WriteHistoryNDJSON writes the in-memory history one JSON object per line.
func (m *Manager) WriteHistoryNDJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, entry := range m.History(0) {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) appendHistory(entry HistoryEntry) error {
	if m.historyPath == "" {
		return nil
	}
	if dir := filepath.Dir(m.historyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(m.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(entry)
}

// loadHistory restores the tail of the persisted history so suppression
// windows survive a restart.
func (m *Manager) loadHistory() error {
	if m.historyPath == "" {
		return nil
	}
	f, err := os.Open(m.historyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var entry HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil || entry.Key == "" {
			continue
		}
		m.history = append(m.history, entry)
		m.lastRecorded[entry.Key] = entry
	}
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
	return scanner.Err()
}

func sortedAlerts(in map[string]Alert) []Alert {
	out := make([]Alert, 0, len(in))
	for _, a := range in {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

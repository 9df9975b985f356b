// Package oauth owns the marketplace access token lifecycle: caching,
// refresh ahead of expiry, a single shared in-flight refresh, and degraded
// tracking when the authorization server keeps failing.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var ErrRefreshFailed = errors.New("token refresh failed")

type Options struct {
	SafetyWindow      time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	DegradedThreshold int
	LogCooldown       time.Duration
	// RecoveryInterval spaces recovery refreshes while degraded.
	RecoveryInterval time.Duration
	RefreshTimeout   time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

type Status struct {
	HasToken            bool       `json:"hasToken"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	Degraded            bool       `json:"degraded"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	LastRefreshAt       *time.Time `json:"lastRefreshAt,omitempty"`
	Refreshes           int64      `json:"refreshes"`
}

type Manager struct {
	fetcher           Fetcher
	safetyWindow      time.Duration
	maxRetries        int
	baseDelay         time.Duration
	maxDelay          time.Duration
	degradedThreshold int
	logCooldown       time.Duration
	recoveryInterval  time.Duration
	refreshTimeout    time.Duration
	logger            *slog.Logger
	now               func() time.Time

	group singleflight.Group

	mu                  sync.Mutex
	token               *oauth2.Token
	consecutiveFailures int
	degraded            bool
	lastError           string
	lastRefresh         time.Time
	refreshes           int64
	lastDegradedLog     time.Time
	lastRecoveredLog    time.Time
	lastRecovery        time.Time
}

func NewManager(fetcher Fetcher, opts Options) *Manager {
	safety := opts.SafetyWindow
	if safety <= 0 {
		safety = 60 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	threshold := opts.DegradedThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := opts.LogCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	recoveryInterval := opts.RecoveryInterval
	if recoveryInterval <= 0 {
		recoveryInterval = 30 * time.Second
	}
	refreshTimeout := opts.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		fetcher:           fetcher,
		safetyWindow:      safety,
		maxRetries:        maxRetries,
		baseDelay:         baseDelay,
		maxDelay:          maxDelay,
		degradedThreshold: threshold,
		logCooldown:       cooldown,
		recoveryInterval:  recoveryInterval,
		refreshTimeout:    refreshTimeout,
		logger:            logger,
		now:               now,
	}
}

// Token returns a cached access token, refreshing it when missing or inside
// the safety window before expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.validLocked() {
		access := m.token.AccessToken
		m.mu.Unlock()
		return access, nil
	}
	m.mu.Unlock()
	return m.refreshShared(ctx)
}

// ForceRefresh ignores the cached token. Used after the remote rejects it.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	return m.refreshShared(ctx)
}

// ReportAuthFailure records that the remote rejected a freshly refreshed
// token. Repeated reports push the manager toward degraded.
func (m *Manager) ReportAuthFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.recordFailureLocked(fmt.Errorf("remote rejected token: %s", reason))
}

func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// RecoveryDue reports whether a degraded manager may attempt one recovery
// refresh now. A true result claims the slot until the next interval.
func (m *Manager) RecoveryDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.degraded {
		return false
	}
	now := m.now()
	if !m.lastRecovery.IsZero() && now.Sub(m.lastRecovery) < m.recoveryInterval {
		return false
	}
	m.lastRecovery = now
	return true
}

// RecoveryLoop forces a refresh every recovery interval while
// degraded so the manager can leave degraded mode without traffic.
func (m *Manager) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.RecoveryDue() {
			continue
		}
		if _, err := m.ForceRefresh(ctx); err != nil && ctx.Err() == nil {
			m.logger.Debug("oauth recovery refresh failed", "error", err)
		}
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		HasToken:            m.token != nil && m.token.AccessToken != "",
		Degraded:            m.degraded,
		ConsecutiveFailures: m.consecutiveFailures,
		LastError:           m.lastError,
		Refreshes:           m.refreshes,
	}
	if m.token != nil && !m.token.Expiry.IsZero() {
		expiry := m.token.Expiry
		status.ExpiresAt = &expiry
	}
	if !m.lastRefresh.IsZero() {
		last := m.lastRefresh
		status.LastRefreshAt = &last
	}
	return status
}

func (m *Manager) refreshShared(ctx context.Context) (string, error) {
	if m.fetcher == nil {
		return "", fmt.Errorf("%w: no token fetcher configured", ErrRefreshFailed)
	}
	ch := m.group.DoChan("refresh", func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	for attempt := 0; ; attempt++ {
		tok, err := m.fetcher.Fetch(ctx)
		if err == nil && (tok == nil || tok.AccessToken == "") {
			err = errors.New("token endpoint returned an empty access token")
		}
		if err == nil {
			m.recordSuccess(tok)
			return tok.AccessToken, nil
		}

		m.mu.Lock()
		m.recordFailureLocked(err)
		m.mu.Unlock()

		if !isTransient(err) || attempt >= m.maxRetries {
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		if waitErr := sleepContext(ctx, m.retryDelay(attempt+1)); waitErr != nil {
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, waitErr)
		}
	}
}

func (m *Manager) recordSuccess(tok *oauth2.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.token = tok
	m.lastRefresh = now
	m.refreshes++
	m.lastError = ""
	m.consecutiveFailures = 0
	if m.degraded {
		m.degraded = false
		if m.lastRecoveredLog.IsZero() || now.Sub(m.lastRecoveredLog) >= m.logCooldown {
			m.lastRecoveredLog = now
			m.logger.Info("oauth token refresh recovered, leaving degraded mode")
		}
	}
}

func (m *Manager) recordFailureLocked(err error) {
	now := m.now()
	m.consecutiveFailures++
	m.lastError = err.Error()
	if m.consecutiveFailures >= m.degradedThreshold && !m.degraded {
		m.degraded = true
		if m.lastDegradedLog.IsZero() || now.Sub(m.lastDegradedLog) >= m.logCooldown {
			m.lastDegradedLog = now
			m.logger.Error("oauth token refresh degraded",
				"consecutive_failures", m.consecutiveFailures,
				"threshold", m.degradedThreshold,
				"error", m.lastError,
			)
		}
	}
}

func (m *Manager) validLocked() bool {
	if m.token == nil || m.token.AccessToken == "" {
		return false
	}
	if m.token.Expiry.IsZero() {
		return true
	}
	return m.now().Add(m.safetyWindow).Before(m.token.Expiry)
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	return delay
}

// isTransient treats network errors, 429 and 5xx from the token endpoint as
// retryable. Other 4xx (invalid_grant, invalid_client) are not.
func isTransient(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	return true
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

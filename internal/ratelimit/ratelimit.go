// Package ratelimit wraps a token bucket that adapts to the quota the remote
// API reports back.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrAcquireTimeout = errors.New("rate limiter acquire timed out")

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

type Options struct {
	RatePerSecond      float64
	Burst              int
	AcquireTimeout     time.Duration
	NearDepletionRatio float64
	MinRatePerSecond   float64
}

type Status struct {
	RatePerSecond       float64    `json:"ratePerSecond"`
	ConfiguredPerSecond float64    `json:"configuredPerSecond"`
	Burst               int        `json:"burst"`
	Tokens              float64    `json:"tokens"`
	QuotaLimit          int        `json:"quotaLimit,omitempty"`
	QuotaRemaining      int        `json:"quotaRemaining,omitempty"`
	QuotaResetAt        *time.Time `json:"quotaResetAt,omitempty"`
	BlockedUntil        *time.Time `json:"blockedUntil,omitempty"`
	NearDepletion       bool       `json:"nearDepletion"`
}

type Limiter struct {
	mu             sync.Mutex
	bucket         *rate.Limiter
	configured     rate.Limit
	minRate        rate.Limit
	burst          int
	acquireTimeout time.Duration
	nearRatio      float64

	haveQuota      bool
	quotaLimit     int
	quotaRemaining int
	quotaResetAt   time.Time
	blockedUntil   time.Time
}

func New(opts Options) *Limiter {
	perSecond := opts.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ratio := opts.NearDepletionRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.1
	}
	minRate := opts.MinRatePerSecond
	if minRate <= 0 || minRate > perSecond {
		minRate = math.Min(0.1, perSecond)
	}
	return &Limiter{
		bucket:         rate.NewLimiter(rate.Limit(perSecond), burst),
		configured:     rate.Limit(perSecond),
		minRate:        rate.Limit(minRate),
		burst:          burst,
		acquireTimeout: timeout,
		nearRatio:      ratio,
	}
}

// Acquire blocks until a token is available, the remote-imposed pause ends,
// or the acquire timeout elapses.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	if pause := l.pauseRemaining(time.Now()); pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: remote quota pause of %s", ErrAcquireTimeout, pause.Round(time.Millisecond))
		case <-timer.C:
		}
	}
	if err := l.bucket.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrAcquireTimeout, err)
	}
	return nil
}

// Observe shrinks or restores the refill rate from quota headers on a
// successful response. Without quota headers the rate climbs back toward the
// configured rate by a tenth of it per response.
func (l *Limiter) Observe(h http.Header) {
	limit, okLimit := headerInt(h, HeaderLimit)
	remaining, okRemaining := headerInt(h, HeaderRemaining)
	resetRaw, okReset := headerInt(h, HeaderReset)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !okRemaining {
		next := l.bucket.Limit() + l.configured/10
		if next > l.configured {
			next = l.configured
		}
		l.bucket.SetLimit(next)
		return
	}

	l.haveQuota = true
	l.quotaRemaining = remaining
	if okLimit {
		l.quotaLimit = limit
	}
	if okReset {
		l.quotaResetAt = resetTime(now, resetRaw)
	}
	untilReset := l.quotaResetAt.Sub(now)

	switch {
	case remaining <= 0 && untilReset > 0:
		l.blockedUntil = l.quotaResetAt
		l.bucket.SetLimit(l.minRate)
	case untilReset > 0:
		allowed := rate.Limit(float64(remaining) / untilReset.Seconds())
		if l.quotaLimit > 0 && float64(remaining) >= 0.5*float64(l.quotaLimit) {
			allowed = l.configured
		}
		if allowed > l.configured {
			allowed = l.configured
		}
		if allowed < l.minRate {
			allowed = l.minRate
		}
		l.bucket.SetLimit(allowed)
	default:
		l.bucket.SetLimit(l.configured)
	}
}

// Penalize reacts to a 429: pause for retryAfter and halve the refill rate.
func (l *Limiter) Penalize(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	until := time.Now().Add(retryAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
	next := l.bucket.Limit() / 2
	if next < l.minRate {
		next = l.minRate
	}
	l.bucket.SetLimit(next)
}

// NearDepletion reports whether the bucket or the remote quota is close to
// empty. Background jobs use it to yield to the queue worker.
func (l *Limiter) NearDepletion() bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nearDepletionLocked(now)
}

func (l *Limiter) Status() Status {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	status := Status{
		RatePerSecond:       float64(l.bucket.Limit()),
		ConfiguredPerSecond: float64(l.configured),
		Burst:               l.burst,
		Tokens:              l.bucket.TokensAt(now),
		NearDepletion:       l.nearDepletionLocked(now),
	}
	if l.haveQuota {
		status.QuotaLimit = l.quotaLimit
		status.QuotaRemaining = l.quotaRemaining
		if !l.quotaResetAt.IsZero() {
			resetAt := l.quotaResetAt
			status.QuotaResetAt = &resetAt
		}
	}
	if l.blockedUntil.After(now) {
		blocked := l.blockedUntil
		status.BlockedUntil = &blocked
	}
	return status
}

func (l *Limiter) nearDepletionLocked(now time.Time) bool {
	if l.blockedUntil.After(now) {
		return true
	}
	if l.bucket.TokensAt(now) < l.nearRatio*float64(l.burst) {
		return true
	}
	if l.haveQuota && l.quotaLimit > 0 && (l.quotaResetAt.IsZero() || l.quotaResetAt.After(now)) {
		return float64(l.quotaRemaining) <= l.nearRatio*float64(l.quotaLimit)
	}
	return false
}

func (l *Limiter) pauseRemaining(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blockedUntil.After(now) {
		return l.blockedUntil.Sub(now)
	}
	return 0
}

func headerInt(h http.Header, name string) (int, bool) {
	if h == nil {
		return 0, false
	}
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

// resetTime accepts either seconds-until-reset or an epoch timestamp.
func resetTime(now time.Time, raw int) time.Time {
	if raw > 1_000_000_000 {
		return time.Unix(int64(raw), 0)
	}
	return now.Add(time.Duration(raw) * time.Second)
}

// Package breaker guards calls to the remote marketplace with a
// closed/open/half_open circuit.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

type Options struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	Logger           *slog.Logger
	OnStateChange    func(from, to string)
}

// Breaker trips after FailureThreshold consecutive failures, rejects calls
// for Cooldown, then admits exactly one probe.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func New(opts Options) *Breaker {
	name := opts.Name
	if name == "" {
		name = "marketplace"
	}
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notify := opts.OnStateChange
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", stateName(from), "to", stateName(to))
			if notify != nil {
				notify(stateName(from), stateName(to))
			}
		},
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow reserves a call. The caller must invoke done exactly once with the
// outcome; calls that did not reflect on the remote's health (429, 4xx)
// should report success.
func (b *Breaker) Allow() (done func(success bool), err error) {
	done, err = b.cb.Allow()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return done, err
}

func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

// ConsecutiveFailures within the current generation.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}

// StateValue maps the state to a gauge value: 0 closed, 1 half_open, 2 open.
func (b *Breaker) StateValue() float64 {
	switch b.State() {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

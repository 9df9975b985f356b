package listingsync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrFeatureDisabled   = errors.New("feature disabled")
	ErrInvalidProjection = errors.New("invalid projection")
	ErrDuplicatePending  = errors.New("duplicate pending queue item")
	ErrNoWork            = errors.New("no work")
	ErrNotImplemented    = errors.New("not implemented")
)

// ErrorKind classifies an adapter failure.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth_error"
	KindForbidden   ErrorKind = "forbidden"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindLocked      ErrorKind = "locked"
	KindClient      ErrorKind = "client_error"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server_error"
	KindNetwork     ErrorKind = "network_error"
	KindDegraded    ErrorKind = "degraded"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindThrottled   ErrorKind = "throttled"
)

// Permanent kinds are retried at most the permanent attempt budget.
func (k ErrorKind) Permanent() bool {
	switch k {
	case KindForbidden, KindNotFound, KindConflict, KindLocked, KindClient, KindDegraded:
		return true
	default:
		return false
	}
}

// AdapterError is returned by adapters for every classified failure.
type AdapterError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	// Body is the redacted, truncated response body when one was received.
	Body string
	Err  error
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func (e *AdapterError) Is(target error) bool {
	return e.Kind == KindNotFound && target == ErrNotFound
}

// ReachedNetwork reports whether the request left the process.
func (e *AdapterError) ReachedNetwork() bool {
	return e.StatusCode > 0 || e.Kind == KindNetwork
}

// ClassifyStatus maps an HTTP status to an error kind. 2xx returns "".
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status >= 200 && status <= 299:
		return ""
	case status == 401:
		return KindAuth
	case status == 403:
		return KindForbidden
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status == 423:
		return KindLocked
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindClient
	}
}

func asAdapterError(err error) (*AdapterError, bool) {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr, true
	}
	return nil, false
}

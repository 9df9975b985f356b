package listingsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roquehomemaster/listingsync/internal/breaker"
	"github.com/roquehomemaster/listingsync/internal/metrics"
	"github.com/roquehomemaster/listingsync/internal/ratelimit"
	"github.com/roquehomemaster/listingsync/internal/redact"
)

const (
	defaultAdapterTimeout = 15 * time.Second
	maxLoggedBody         = 16 << 10
	maxResponseBody       = 4 << 20
)

type HTTPAdapterOptions struct {
	BaseURL      string
	HTTPClient   *http.Client
	Timeout      time.Duration
	UserAgent    string
	Tokens       TokenSource
	Limiter      *ratelimit.Limiter
	Breaker      *breaker.Breaker
	Transactions TransactionSink
	Recorder     metrics.Recorder
	Logger       *slog.Logger
}

// HTTPAdapter talks to the marketplace listing API. Each call passes the
// degraded check, the rate limiter and the circuit breaker, in that order.
type HTTPAdapter struct {
	baseURL      string
	httpClient   *http.Client
	userAgent    string
	tokens       TokenSource
	limiter      *ratelimit.Limiter
	breaker      *breaker.Breaker
	transactions TransactionSink
	recorder     metrics.Recorder
	logger       *slog.Logger
}

func NewHTTPAdapter(opts HTTPAdapterOptions) (*HTTPAdapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: marketplace base url is required", ErrInvalidInput)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: marketplace base url: %v", ErrInvalidInput, err)
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("%w: token source is required", ErrInvalidInput)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultAdapterTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAdapter{
		baseURL:      baseURL,
		httpClient:   httpClient,
		userAgent:    strings.TrimSpace(opts.UserAgent),
		tokens:       opts.Tokens,
		limiter:      opts.Limiter,
		breaker:      opts.Breaker,
		transactions: opts.Transactions,
		recorder:     recorder,
		logger:       logger,
	}, nil
}

type listingEnvelope struct {
	ID       string          `json:"id"`
	Revision string          `json:"revision"`
	Payload  json.RawMessage `json:"payload"`
}

func (a *HTTPAdapter) CreateListing(ctx context.Context, listingID string, payload json.RawMessage) (PublishResult, error) {
	resp, err := a.do(ctx, "create", http.MethodPost, "/listings", listingID, payload)
	if err != nil {
		return PublishResult{}, err
	}
	return a.publishResult(resp, payload, "")
}

func (a *HTTPAdapter) UpdateListing(ctx context.Context, externalID, listingID string, payload json.RawMessage) (PublishResult, error) {
	if strings.TrimSpace(externalID) == "" {
		return PublishResult{}, fmt.Errorf("%w: external id is required for update", ErrInvalidInput)
	}
	resp, err := a.do(ctx, "update", http.MethodPut, "/listings/"+url.PathEscape(externalID), listingID, payload)
	if err != nil {
		return PublishResult{}, err
	}
	return a.publishResult(resp, payload, externalID)
}

func (a *HTTPAdapter) publishResult(resp response, request json.RawMessage, externalID string) (PublishResult, error) {
	var env listingEnvelope
	if len(bytes.TrimSpace(resp.body)) > 0 {
		if err := json.Unmarshal(resp.body, &env); err != nil {
			return PublishResult{}, &AdapterError{Kind: KindServer, StatusCode: resp.status, Message: "malformed publish response", Err: err}
		}
	}
	if env.ID == "" {
		env.ID = externalID
	}
	if env.ID == "" {
		return PublishResult{}, &AdapterError{Kind: KindServer, StatusCode: resp.status, Message: "publish response without listing id"}
	}
	return PublishResult{
		ExternalID: env.ID,
		Revision:   env.Revision,
		StatusCode: resp.status,
		Request:    loggableJSON(request),
		Response:   loggableJSON(resp.body),
	}, nil
}

func (a *HTTPAdapter) GetListing(ctx context.Context, externalID string) (RemoteListing, error) {
	resp, err := a.do(ctx, "get", http.MethodGet, "/listings/"+url.PathEscape(externalID), "", nil)
	if err != nil {
		return RemoteListing{}, err
	}
	var env listingEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return RemoteListing{}, &AdapterError{Kind: KindServer, StatusCode: resp.status, Message: "malformed listing response", Err: err}
	}
	if env.ID == "" {
		env.ID = externalID
	}
	return RemoteListing{ExternalID: env.ID, Revision: env.Revision, Payload: env.Payload}, nil
}

func (a *HTTPAdapter) FetchPolicies(ctx context.Context, policyType string) ([]RemotePolicy, error) {
	resp, err := a.do(ctx, "policies", http.MethodGet, "/policies/"+url.PathEscape(policyType), "", nil)
	if err != nil {
		return nil, err
	}
	policies, err := decodePolicies(resp.body)
	if err != nil {
		return nil, &AdapterError{Kind: KindServer, StatusCode: resp.status, Message: "malformed policy response", Err: err}
	}
	return policies, nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (a *HTTPAdapter) do(ctx context.Context, operation, method, path, listingID string, body []byte) (response, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return response{}, err
	}
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx); err != nil {
			if errors.Is(err, ratelimit.ErrAcquireTimeout) {
				return response{}, &AdapterError{Kind: KindThrottled, Message: "rate limiter wait exceeded", Err: err}
			}
			return response{}, err
		}
	}
	done := func(bool) {}
	if a.breaker != nil {
		d, err := a.breaker.Allow()
		if err != nil {
			return response{}, &AdapterError{Kind: KindCircuitOpen, Message: "marketplace circuit open", Err: err}
		}
		done = d
	}

	correlationID := uuid.NewString()
	resp, sendErr := a.send(ctx, operation, method, path, listingID, correlationID, token, body)
	if sendErr == nil && (resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden) {
		a.recorder.Add(MetricAdapterAuthFailures, 1, "operation", operation)
		a.logger.Warn("marketplace rejected token; forcing refresh", "operation", operation, "status", resp.status, "correlation_id", correlationID)
		refreshed, refreshErr := a.tokens.ForceRefresh(ctx)
		if refreshErr != nil {
			done(true)
			a.tokens.ReportAuthFailure("refresh after " + strconv.Itoa(resp.status) + " failed")
			return response{}, &AdapterError{Kind: KindAuth, StatusCode: resp.status, Message: "token refresh failed", Err: refreshErr}
		}
		if a.limiter != nil {
			if err := a.limiter.Acquire(ctx); err != nil {
				done(true)
				return response{}, &AdapterError{Kind: KindThrottled, Message: "rate limiter wait exceeded", Err: err}
			}
		}
		resp, sendErr = a.send(ctx, operation, method, path, listingID, correlationID, refreshed, body)
		if sendErr == nil && (resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden) {
			a.recorder.Add(MetricAdapterAuthFailures, 1, "operation", operation)
			a.tokens.ReportAuthFailure("status " + strconv.Itoa(resp.status) + " after refresh")
		}
	}
	if sendErr != nil {
		done(false)
		return response{}, &AdapterError{Kind: KindNetwork, Message: operation + " request failed", Err: sendErr}
	}

	kind := ClassifyStatus(resp.status)
	switch kind {
	case "":
		done(true)
		if a.limiter != nil {
			a.limiter.Observe(resp.header)
		}
		return resp, nil
	case KindServer:
		done(false)
	case KindRateLimited:
		done(true)
		retryAfter := parseRetryAfterSeconds(resp.header.Get("Retry-After"))
		if a.limiter != nil {
			a.limiter.Observe(resp.header)
			a.limiter.Penalize(retryAfter)
		}
		return response{}, a.statusError(kind, resp, retryAfter)
	default:
		done(true)
	}
	return response{}, a.statusError(kind, resp, 0)
}

// accessToken fails fast while the token manager is degraded, except for
// one recovery attempt per interval, which forces a refresh.
func (a *HTTPAdapter) accessToken(ctx context.Context) (string, error) {
	if !a.tokens.Degraded() {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return "", &AdapterError{Kind: KindAuth, Message: "access token unavailable", Err: err}
		}
		return token, nil
	}
	if !a.tokens.RecoveryDue() {
		return "", &AdapterError{Kind: KindDegraded, Message: "oauth token manager is degraded"}
	}
	token, err := a.tokens.ForceRefresh(ctx)
	if err != nil {
		return "", &AdapterError{Kind: KindDegraded, Message: "oauth recovery refresh failed", Err: err}
	}
	a.logger.Info("oauth recovery refresh succeeded")
	return token, nil
}

func (a *HTTPAdapter) statusError(kind ErrorKind, resp response, retryAfter time.Duration) error {
	message := strings.TrimSpace(string(resp.body))
	var parsed map[string]any
	if json.Unmarshal(resp.body, &parsed) == nil {
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		}
	}
	return &AdapterError{
		Kind:       kind,
		StatusCode: resp.status,
		Message:    truncate(message, 512),
		RetryAfter: retryAfter,
		Body:       truncate(string(redact.JSON(resp.body)), maxLoggedBody),
	}
}

func (a *HTTPAdapter) send(ctx context.Context, operation, method, path, listingID, correlationID, token string, body []byte) (response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	target := a.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	started := time.Now()
	httpResp, err := a.httpClient.Do(req)
	var resp response
	if err == nil {
		resp.status = httpResp.StatusCode
		resp.header = httpResp.Header
		resp.body, err = io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
		_ = httpResp.Body.Close()
	}
	elapsed := time.Since(started)

	a.recorder.Add(MetricAdapterRequests, 1, "operation", operation, "status", strconv.Itoa(resp.status))
	a.recorder.Observe(MetricAdapterLatencyMS, float64(elapsed.Milliseconds()), "operation", operation)
	a.record(ctx, Transaction{
		CorrelationID:   correlationID,
		ListingID:       listingID,
		Method:          method,
		URL:             target,
		RequestHeaders:  redact.Headers(req.Header),
		RequestBody:     truncate(string(redact.JSON(body)), maxLoggedBody),
		ResponseCode:    resp.status,
		ResponseHeaders: redact.Headers(resp.header),
		ResponseBody:    truncate(string(redact.JSON(resp.body)), maxLoggedBody),
		DurationMS:      elapsed.Milliseconds(),
		Error:           errString(err),
		CreatedAt:       time.Now().UTC(),
	})
	return resp, err
}

func (a *HTTPAdapter) record(ctx context.Context, tx Transaction) {
	if a.transactions == nil {
		return
	}
	if _, err := a.transactions.AppendTransaction(context.WithoutCancel(ctx), tx); err != nil {
		a.logger.Warn("transaction log write failed", "correlation_id", tx.CorrelationID, "error", err)
	}
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// loggableJSON returns redacted JSON, or the raw text as a JSON string when
// the body is not JSON.
func loggableJSON(body []byte) json.RawMessage {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if json.Valid(body) {
		return redact.JSON(body)
	}
	quoted, _ := json.Marshal(truncate(string(body), maxLoggedBody))
	return quoted
}

// truncate caps s at limit bytes without splitting a rune. Invalid UTF-8
// is replaced so the result is always safe for TEXT columns.
func truncate(s string, limit int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

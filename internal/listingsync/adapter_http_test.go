package listingsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"github.com/roquehomemaster/listingsync/internal/breaker"
	"github.com/roquehomemaster/listingsync/internal/metrics"
	"github.com/roquehomemaster/listingsync/internal/oauth"
)

type fakeTokens struct {
	mu           sync.Mutex
	token        string
	refreshed    string
	refreshErr   error
	refreshes    int
	authFailures []string
	degraded     bool
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.token = f.refreshed
	return f.token, nil
}

func (f *fakeTokens) ReportAuthFailure(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authFailures = append(f.authFailures, reason)
}

func (f *fakeTokens) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *fakeTokens) RecoveryDue() bool {
	return false
}

func newTestHTTPAdapter(t *testing.T, serverURL string, tokens TokenSource, opts HTTPAdapterOptions) (*HTTPAdapter, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts.BaseURL = serverURL
	opts.Tokens = tokens
	opts.Transactions = store
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	adapter, err := NewHTTPAdapter(opts)
	if err != nil {
		t.Fatalf("new http adapter: %v", err)
	}
	return adapter, store
}

func TestHTTPAdapterCreateListing(t *testing.T) {
	var gotAuth, gotCorrelation, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/listings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ext-1","revision":"7"}`))
	}))
	defer server.Close()

	adapter, store := newTestHTTPAdapter(t, server.URL, &fakeTokens{token: "tok-1"}, HTTPAdapterOptions{})
	result, err := adapter.CreateListing(context.Background(), "L1", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if result.ExternalID != "ext-1" || result.Revision != "7" || result.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected publish result: %+v", result)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if gotCorrelation == "" {
		t.Fatalf("expected correlation id header")
	}
	if gotBody != `{"title":"x"}` {
		t.Fatalf("unexpected request body %q", gotBody)
	}

	txs, err := store.ListTransactions(context.Background(), LogFilter{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	if txs[0].RequestHeaders["Authorization"] != "[REDACTED]" {
		t.Fatalf("expected authorization header redacted, got %q", txs[0].RequestHeaders["Authorization"])
	}
	if txs[0].CorrelationID != gotCorrelation || txs[0].ListingID != "L1" || txs[0].ResponseCode != http.StatusCreated {
		t.Fatalf("unexpected transaction: %+v", txs[0])
	}
}

func TestHTTPAdapterRefreshesTokenOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ext-1","revision":"2"}`))
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "stale", refreshed: "fresh"}
	registry := metrics.NewRegistry()
	adapter, _ := newTestHTTPAdapter(t, server.URL, tokens, HTTPAdapterOptions{Recorder: registry})
	if _, err := adapter.UpdateListing(context.Background(), "ext-1", "L1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("update listing: %v", err)
	}
	if calls.Load() != 2 || tokens.refreshes != 1 {
		t.Fatalf("expected one refresh and a retried request, got %d calls and %d refreshes", calls.Load(), tokens.refreshes)
	}
	if len(tokens.authFailures) != 0 {
		t.Fatalf("expected no auth failure report, got %v", tokens.authFailures)
	}
	if got := registry.Sum(MetricAdapterAuthFailures); got != 1 {
		t.Fatalf("expected 1 auth failure metric, got %v", got)
	}
}

func TestHTTPAdapterReportsFailedRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "stale", refreshErr: errors.New("invalid_grant")}
	adapter, _ := newTestHTTPAdapter(t, server.URL, tokens, HTTPAdapterOptions{})
	_, err := adapter.CreateListing(context.Background(), "L1", json.RawMessage(`{}`))
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Kind != KindAuth {
		t.Fatalf("expected auth adapter error, got %v", err)
	}
	if len(tokens.authFailures) != 1 {
		t.Fatalf("expected auth failure reported, got %v", tokens.authFailures)
	}
}

func TestHTTPAdapterDegradedShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	adapter, _ := newTestHTTPAdapter(t, server.URL, &fakeTokens{token: "t", degraded: true}, HTTPAdapterOptions{})
	_, err := adapter.CreateListing(context.Background(), "L1", json.RawMessage(`{}`))
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Kind != KindDegraded {
		t.Fatalf("expected degraded error, got %v", err)
	}
	if adapterErr.ReachedNetwork() || calls.Load() != 0 {
		t.Fatalf("expected no request to be sent")
	}
}

func TestHTTPAdapterRecoversAfterTokenEndpointOutage(t *testing.T) {
	var published atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		published.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ext-1"}`))
	}))
	defer server.Close()

	var outage atomic.Bool
	outage.Store(true)
	var fetches atomic.Int32
	fetcher := oauth.FetcherFunc(func(context.Context) (*oauth2.Token, error) {
		fetches.Add(1)
		if outage.Load() {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
	})
	clock := newFakeClock()
	tokens := oauth.NewManager(fetcher, oauth.Options{
		DegradedThreshold: 2,
		RecoveryInterval:  time.Minute,
		Logger:            quietLogger(),
		Now:               clock.Now,
	})
	adapter, _ := newTestHTTPAdapter(t, server.URL, tokens, HTTPAdapterOptions{})
	create := func() error {
		_, err := adapter.CreateListing(context.Background(), "L1", json.RawMessage(`{}`))
		return err
	}

	_ = create()
	_ = create()
	if !tokens.Degraded() {
		t.Fatalf("expected degraded after consecutive refresh failures")
	}

	// The first degraded call retries the token endpoint; the next one inside the
	// interval fails fast.
	var adapterErr *AdapterError
	if err := create(); !errors.As(err, &adapterErr) || adapterErr.Kind != KindDegraded {
		t.Fatalf("expected degraded error from failed recovery refresh, got %v", err)
	}
	before := fetches.Load()
	if err := create(); !errors.As(err, &adapterErr) || adapterErr.Kind != KindDegraded {
		t.Fatalf("expected degraded fail-fast, got %v", err)
	}
	if fetches.Load() != before {
		t.Fatalf("expected no token fetch between recovery attempts")
	}

	outage.Store(false)
	clock.Advance(time.Minute)
	if err := create(); err != nil {
		t.Fatalf("expected publish after the endpoint recovered, got %v", err)
	}
	if tokens.Degraded() {
		t.Fatalf("expected degraded state to clear after a successful recovery refresh")
	}
	if err := create(); err != nil {
		t.Fatalf("expected cached token to keep working, got %v", err)
	}
	if published.Load() != 2 {
		t.Fatalf("expected 2 publishes, got %d", published.Load())
	}
}

func TestHTTPAdapterRateLimitedCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down","access_token":"leak"}`))
	}))
	defer server.Close()

	adapter, _ := newTestHTTPAdapter(t, server.URL, &fakeTokens{token: "t"}, HTTPAdapterOptions{})
	_, err := adapter.CreateListing(context.Background(), "L1", json.RawMessage(`{}`))
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	if adapterErr.Kind != KindRateLimited || adapterErr.RetryAfter != 30*time.Second {
		t.Fatalf("expected rate_limited with 30s retry-after, got %+v", adapterErr)
	}
	if adapterErr.Message != "slow down" {
		t.Fatalf("expected message from body, got %q", adapterErr.Message)
	}
	if strings.Contains(adapterErr.Body, "leak") {
		t.Fatalf("expected body to be redacted, got %s", adapterErr.Body)
	}
}

func TestHTTPAdapterServerErrorsTripBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cb := breaker.New(breaker.Options{FailureThreshold: 2, Cooldown: time.Hour, Logger: quietLogger()})
	adapter, _ := newTestHTTPAdapter(t, server.URL, &fakeTokens{token: "t"}, HTTPAdapterOptions{Breaker: cb})
	for i := 0; i < 2; i++ {
		_, err := adapter.CreateListing(context.Background(), "L1", json.RawMessage(`{}`))
		var adapterErr *AdapterError
		if !errors.As(err, &adapterErr) || adapterErr.Kind != KindServer {
			t.Fatalf("call %d: expected server error, got %v", i, err)
		}
	}
	if cb.State() != breaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", cb.State())
	}
	_, err := adapter.CreateListing(context.Background(), "L1", json.RawMessage(`{}`))
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Kind != KindCircuitOpen {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected open breaker to block the third request, got %d calls", calls.Load())
	}
}

func TestHTTPAdapterNotFoundIsErrNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	adapter, _ := newTestHTTPAdapter(t, server.URL, &fakeTokens{token: "t"}, HTTPAdapterOptions{})
	_, err := adapter.GetListing(context.Background(), "ext-404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPAdapterFetchPolicies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/policies/return" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"policies":[{"id":"ret-1","name":"Returns","days":30}]}`))
	}))
	defer server.Close()

	adapter, _ := newTestHTTPAdapter(t, server.URL, &fakeTokens{token: "t"}, HTTPAdapterOptions{})
	policies, err := adapter.FetchPolicies(context.Background(), "return")
	if err != nil {
		t.Fatalf("fetch policies: %v", err)
	}
	if len(policies) != 1 || policies[0].ExternalID != "ret-1" || policies[0].Name != "Returns" {
		t.Fatalf("unexpected policies: %+v", policies)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	cases := map[string]time.Duration{"": 0, "5": 5 * time.Second, "-1": 0, "soon": 0}
	for raw, want := range cases {
		if got := parseRetryAfterSeconds(raw); got != want {
			t.Fatalf("parseRetryAfterSeconds(%q): expected %v, got %v", raw, want, got)
		}
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	got := truncate(strings.Repeat("é", 400), 511)
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8, got %q", got)
	}
	if !strings.HasPrefix(got, strings.Repeat("é", 255)+"...") {
		t.Fatalf("expected cut back to 255 runes, got %d bytes", len(got))
	}
	if got := truncate("ok\xffok", 100); got != "ok\uFFFDok" {
		t.Fatalf("expected invalid bytes replaced, got %q", got)
	}
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("expected short input unchanged, got %q", got)
	}
}

func TestHTTPAdapterNonASCIIErrorMessageStaysValid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		body, _ := json.Marshal(map[string]string{"message": strings.Repeat("prix invalide é ", 60)})
		_, _ = w.Write(body)
	}))
	defer server.Close()

	adapter, store := newTestHTTPAdapter(t, server.URL, &fakeTokens{token: "t"}, HTTPAdapterOptions{})
	_, err := adapter.CreateListing(context.Background(), "L1", json.RawMessage(`{}`))
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	if !utf8.ValidString(adapterErr.Message) || !strings.HasSuffix(adapterErr.Message, "...(truncated)") {
		t.Fatalf("expected truncated valid message, got %q", adapterErr.Message)
	}
	txs, err := store.ListTransactions(context.Background(), LogFilter{})
	if err != nil || len(txs) != 1 || !utf8.ValidString(txs[0].ResponseBody) {
		t.Fatalf("expected one valid transaction row, got %d %v", len(txs), err)
	}
}

package adminclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestClientSendsSecretAndDecodesQueue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/queue" || r.URL.Query().Get("status") != "dead" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if !strings.HasPrefix(r.Header.Get("X-Request-Id"), "cli_") {
			t.Errorf("expected a cli request id, got %q", r.Header.Get("X-Request-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":7,"listingId":"L1","status":"dead"}],"stats":{"counts":{"dead":1}}}`))
	}))
	defer server.Close()

	client := New(server.URL, "s3cret", server.Client())
	resp, err := client.Queue(context.Background(), "dead", 5)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != 7 || resp.Items[0].ListingID != "L1" {
		t.Fatalf("unexpected items %+v", resp.Items)
	}
	if resp.Stats.Counts["dead"] != 1 {
		t.Fatalf("unexpected stats %+v", resp.Stats)
	}
}

func TestClientConflictIsErrConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"conflict","message":"already replayed","requestId":"rid-9"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, "", server.Client()).ReplayFailedEvent(context.Background(), 3)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.RequestID != "rid-9" || httpErr.Message != "already replayed" {
		t.Fatalf("unexpected http error %+v", httpErr)
	}
}

func TestClientRetriesReadsButNotMutations(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Method == http.MethodGet && n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"items":[],"stats":{"counts":{}}}`))
	}))
	defer server.Close()

	client := New(server.URL, "", server.Client())
	if _, err := client.Queue(context.Background(), "", 0); err != nil {
		t.Fatalf("expected read to recover after one retry, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls for the read, got %d", calls.Load())
	}

	calls.Store(0)
	if _, err := client.RetryItem(context.Background(), 1); err == nil {
		t.Fatalf("expected mutation error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt for a mutation, got %d", calls.Load())
	}
}

func TestClientReadyDecodesUnavailableReport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false,"reasons":["queue_backlog"],"queueBacklog":9}`))
	}))
	defer server.Close()

	ready, err := New(server.URL, "", server.Client()).Ready(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 error, got %v", err)
	}
	if ready.Ready || ready.QueueBacklog != 9 || len(ready.Reasons) != 1 {
		t.Fatalf("expected decoded readiness report, got %+v", ready)
	}
}

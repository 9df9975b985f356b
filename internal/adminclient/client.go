// Package adminclient talks to a running listingsync admin API.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roquehomemaster/listingsync/internal/listingsync"
)

var ErrConflict = errors.New("conflict")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, adminSecret string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		secret:     strings.TrimSpace(adminSecret),
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type QueueResponse struct {
	Items []listingsync.QueueItem `json:"items"`
	Stats listingsync.QueueStats  `json:"stats"`
}

func (c *Client) Queue(ctx context.Context, status string, limit int) (QueueResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out QueueResponse
	err := c.doJSON(ctx, http.MethodGet, withQuery("/queue", q), &out)
	return out, err
}

func (c *Client) RetryItem(ctx context.Context, id int64) (listingsync.QueueItem, error) {
	var out listingsync.QueueItem
	err := c.doJSON(ctx, http.MethodPost, "/queue/"+strconv.FormatInt(id, 10)+"/retry", &out)
	return out, err
}

func (c *Client) RetryDeadLetters(ctx context.Context, limit int) (listingsync.RetryReport, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listingsync.RetryReport
	err := c.doJSON(ctx, http.MethodPost, withQuery("/queue/dead-letter/retry", q), &out)
	return out, err
}

func (c *Client) ReplayFailedEvent(ctx context.Context, id int64) (listingsync.QueueItem, error) {
	var out listingsync.QueueItem
	err := c.doJSON(ctx, http.MethodPost, "/failed-events/"+strconv.FormatInt(id, 10)+"/replay", &out)
	return out, err
}

func (c *Client) Detect(ctx context.Context, listingID string) (listingsync.DetectResult, error) {
	var out listingsync.DetectResult
	err := c.doJSON(ctx, http.MethodPost, "/detect/"+url.PathEscape(listingID), &out)
	return out, err
}

func (c *Client) Reconcile(ctx context.Context, bypass bool) (listingsync.ReconcileReport, error) {
	q := url.Values{}
	if bypass {
		q.Set("bypass", "true")
	}
	var out listingsync.ReconcileReport
	err := c.doJSON(ctx, http.MethodPost, withQuery("/reconcile/run", q), &out)
	return out, err
}

func (c *Client) RefreshPolicies(ctx context.Context, force bool) (listingsync.PolicyRefreshReport, error) {
	var out listingsync.PolicyRefreshReport
	err := c.doJSON(ctx, http.MethodPost, "/policies/refresh?force="+strconv.FormatBool(force), &out)
	return out, err
}

func (c *Client) Ready(ctx context.Context) (listingsync.Readiness, error) {
	var out listingsync.Readiness
	err := c.doJSON(ctx, http.MethodGet, "/ready", &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, http.NoBody)
		if err != nil {
			return err
		}
		req.Header.Set("X-Request-Id", "cli_"+uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if c.secret != "" {
			req.Header.Set("X-Admin-Secret", c.secret)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && method == http.MethodGet {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		// Only idempotent reads are retried; admin mutations surface the
		// first failure.
		if resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable && method == http.MethodGet && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			RequestID:  errPayload.RequestID,
		}
		// /ready answers 503 with a full report.
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil && errPayload.Code == "" {
			_ = json.Unmarshal(payload, out)
		}
		return httpErr
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roquehomemaster/listingsync/internal/listingsync"
)

type ServerConfig struct {
	AdminSecret  string
	MaxBodyBytes int64
	// StreamOrigins lists extra Origin patterns accepted by the alert
	// websocket.
	StreamOrigins []string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server exposes the admin and observability surface over a Pipeline.
type Server struct {
	pipeline *listingsync.Pipeline
	cfg      ServerConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewServer(p *listingsync.Pipeline, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{pipeline: p, cfg: cfg, logger: logger, now: now}
}

// Handler wraps the router with request ids, access logging and panic
// recovery.
func (s *Server) Handler() http.Handler {
	return WithRequestID(Logging(s.logger)(Recover(s.logger)(s)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rid := RequestIDFromContext(r.Context())
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if authErr := authorizeAdmin(r, s.cfg.AdminSecret); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, rid)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	get := r.Method == http.MethodGet
	post := r.Method == http.MethodPost
	switch {
	case r.URL.Path == "/ready" && get:
		s.handleReady(w, r)

	case len(parts) == 1 && parts[0] == "queue" && get:
		s.handleQueue(w, r)
	case len(parts) == 2 && parts[0] == "queue" && parts[1] == "dead-letter" && get:
		s.handleDeadLetters(w, r)
	case len(parts) == 3 && parts[0] == "queue" && parts[1] == "dead-letter" && parts[2] == "retry" && post:
		s.handleRetryDeadLetters(w, r)
	case len(parts) == 3 && parts[0] == "queue" && parts[2] == "retry" && post:
		s.handleRetryQueueItem(w, r, parts[1])

	case len(parts) == 1 && parts[0] == "failed-events" && get:
		s.handleFailedEvents(w, r)
	case len(parts) == 3 && parts[0] == "failed-events" && parts[2] == "replay" && post:
		s.handleReplayFailedEvent(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "detect" && post:
		s.handleDetect(w, r, parts[1])

	case len(parts) == 1 && parts[0] == "retrieve" && post:
		s.handleStage(w, r)
	case len(parts) == 1 && parts[0] == "retrieve" && get:
		s.handleListStaged(w, r)
	case len(parts) == 2 && parts[0] == "map" && parts[1] == "run" && post:
		s.handleMapRun(w, r)

	case len(parts) == 1 && parts[0] == "snapshots" && get:
		s.handleSnapshots(w, r)
	case len(parts) == 2 && parts[0] == "snapshots" && get:
		s.handleSnapshot(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "snapshots" && parts[2] == "diff" && get:
		s.handleSnapshotDiff(w, r, parts[1], parts[3])

	case len(parts) == 2 && parts[0] == "sync" && parts[1] == "logs" && get:
		s.handleSyncLogs(w, r)
	case len(parts) == 1 && parts[0] == "transactions" && get:
		s.handleTransactions(w, r)

	case len(parts) == 1 && parts[0] == "policies" && get:
		s.handlePolicies(w, r)
	case len(parts) == 2 && parts[0] == "policies" && parts[1] == "refresh" && post:
		s.handleRefreshPolicies(w, r)
	case len(parts) == 2 && parts[0] == "policies" && parts[1] == "expired" && r.Method == http.MethodDelete:
		s.handleDeleteExpiredPolicies(w, r)

	case len(parts) == 1 && parts[0] == "drift-events" && get:
		s.handleDriftEvents(w, r)
	case len(parts) == 2 && parts[0] == "drift-events" && parts[1] == "summary" && get:
		s.handleDriftSummary(w, r)
	case len(parts) == 3 && parts[0] == "drift-events" && parts[1] == "retention" && parts[2] == "run" && post:
		s.handleDriftRetention(w, r)
	case len(parts) == 2 && parts[0] == "reconcile" && parts[1] == "run" && post:
		s.handleReconcileRun(w, r)

	case len(parts) == 1 && parts[0] == "metrics" && get:
		s.handleMetrics(w, r)
	case len(parts) == 2 && parts[0] == "metrics" && parts[1] == "prometheus" && get:
		s.handlePrometheus(w, r)
	case len(parts) == 2 && parts[0] == "metrics" && parts[1] == "alerts" && get:
		s.handleAlerts(w, r)
	case len(parts) == 3 && parts[0] == "metrics" && parts[1] == "alerts" && parts[2] == "stream" && get:
		s.handleAlertStream(w, r)
	case len(parts) == 2 && parts[0] == "metrics" && parts[1] == "alert-history" && get:
		s.handleAlertHistory(w, r)
	case len(parts) == 2 && parts[0] == "metrics" && parts[1] == "alert-history.ndjson" && get:
		s.handleAlertHistoryNDJSON(w, r)

	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", rid)
	}
}

// writeServiceError maps pipeline sentinel errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	rid := RequestIDFromContext(r.Context())
	switch {
	case errors.Is(err, listingsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), rid)
	case errors.Is(err, listingsync.ErrInvalidInput), errors.Is(err, listingsync.ErrInvalidProjection):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), rid)
	case errors.Is(err, listingsync.ErrInvalidState), errors.Is(err, listingsync.ErrDuplicatePending):
		writeError(w, http.StatusConflict, "conflict", err.Error(), rid)
	case errors.Is(err, listingsync.ErrFeatureDisabled):
		writeError(w, http.StatusConflict, "feature_disabled", err.Error(), rid)
	case errors.Is(err, listingsync.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), rid)
	default:
		s.logger.Error("admin request failed", "request_id", rid, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", rid)
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", RequestIDFromContext(r.Context()))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", RequestIDFromContext(r.Context()))
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   message,
		"requestId": requestID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parseSince accepts an RFC3339 timestamp or a lookback duration such as
// "24h".
func parseSince(raw string, now time.Time, fallback time.Duration) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now.Add(-fallback), true
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return now.Add(-d), true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

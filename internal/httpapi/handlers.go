package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/roquehomemaster/listingsync/internal/listingsync"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	p := s.pipeline
	tokens := p.Tokens.Status()
	circuit := p.Breaker.State()
	status := "ok"
	if tokens.Degraded || circuit != "closed" {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"oauth":        tokens,
		"circuitState": circuit,
		"rateLimit":    p.Limiter.Status(),
		"syncEnabled":  p.Config.Features.SyncEnabled,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.pipeline.Readiness(r.Context())
	status := http.StatusOK
	if !ready.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ready)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	filter := listingsync.QueueFilter{
		ListingID: strings.TrimSpace(r.URL.Query().Get("listingId")),
		Limit:     parseBoundedInt(r.URL.Query().Get("limit"), defaultPageLimit, 1, maxPageLimit),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := listingsync.ParseQueueStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown queue status: "+raw, RequestIDFromContext(r.Context()))
			return
		}
		filter.Status = status
	}
	items, err := s.pipeline.Store.ListQueueItems(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	stats, err := s.pipeline.Store.QueueStats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "stats": stats})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.pipeline.Store.ListQueueItems(r.Context(), listingsync.QueueFilter{
		Status: listingsync.StatusDead,
		Limit:  parseBoundedInt(r.URL.Query().Get("limit"), defaultPageLimit, 1, maxPageLimit),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetryQueueItem(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid queue item id", RequestIDFromContext(r.Context()))
		return
	}
	item, err := s.pipeline.RetryQueueItem(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleRetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), defaultPageLimit, 1, maxPageLimit)
	report, err := s.pipeline.RetryDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (s *Server) handleFailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.pipeline.Store.ListFailedEvents(r.Context(), logFilter(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleReplayFailedEvent(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid failed event id", RequestIDFromContext(r.Context()))
		return
	}
	item, err := s.pipeline.ReplayFailedEvent(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request, listingID string) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = listingsync.ReasonManual
	}
	result, err := s.pipeline.Detector.Detect(r.Context(), listingID, reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Status == listingsync.DetectEnqueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

type stageRequest struct {
	Source   string            `json:"source"`
	Payloads []json.RawMessage `json:"payloads"`
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req stageRequest
	trimmed := strings.TrimSpace(string(body))
	// A bare array is shorthand for {"payloads": [...]}.
	if strings.HasPrefix(trimmed, "[") {
		err := json.Unmarshal(body, &req.Payloads)
		req.Source = r.URL.Query().Get("source")
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", RequestIDFromContext(r.Context()))
			return
		}
	} else if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", RequestIDFromContext(r.Context()))
		return
	}
	staged, err := s.pipeline.Stager.Stage(r.Context(), req.Source, req.Payloads)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"staged": staged})
}

func (s *Server) handleListStaged(w http.ResponseWriter, r *http.Request) {
	status := listingsync.StagedStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", listingsync.StagedPending, listingsync.StagedMapped, listingsync.StagedFailed:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown staged status: "+string(status), RequestIDFromContext(r.Context()))
		return
	}
	rows, err := s.pipeline.Stager.List(r.Context(), status, parseBoundedInt(r.URL.Query().Get("limit"), defaultPageLimit, 1, maxPageLimit))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"staged": rows})
}

func (s *Server) handleMapRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.Stager.RunMap(r.Context(), parseBoundedInt(r.URL.Query().Get("limit"), defaultPageLimit, 1, maxPageLimit))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.pipeline.Store.ListSnapshots(r.Context(), logFilter(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, rawID string) {
	id, ok := parseID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid snapshot id", RequestIDFromContext(r.Context()))
		return
	}
	snap, err := s.pipeline.Store.GetSnapshot(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshotDiff(w http.ResponseWriter, r *http.Request, rawFrom, rawTo string) {
	from, okFrom := parseID(rawFrom)
	to, okTo := parseID(rawTo)
	if !okFrom || !okTo {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid snapshot id", RequestIDFromContext(r.Context()))
		return
	}
	changes, err := s.pipeline.Snapshots.Diff(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "changes": changes, "paths": changes.Paths()})
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.pipeline.Store.ListSyncLogs(r.Context(), logFilter(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if wantsCSV(r) {
		writeSyncLogsCSV(w, logs)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.pipeline.Store.ListTransactions(r.Context(), logFilter(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if wantsCSV(r) {
		writeTransactionsCSV(w, txs)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.pipeline.Policies.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("type")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleRefreshPolicies(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.Policies.Refresh(r.Context(), parseBool(r.URL.Query().Get("force"), true))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDeleteExpiredPolicies(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.pipeline.Policies.DeleteExpired(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleDriftEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := listingsync.DriftFilter{
		ListingID:      strings.TrimSpace(q.Get("listingId")),
		Classification: listingsync.DriftClass(strings.TrimSpace(q.Get("classification"))),
		Limit:          parseBoundedInt(q.Get("limit"), defaultPageLimit, 1, maxPageLimit),
	}
	if raw := q.Get("since"); raw != "" {
		since, ok := parseSince(raw, s.now().UTC(), 0)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339 or a duration", RequestIDFromContext(r.Context()))
			return
		}
		filter.Since = since
	}
	events, err := s.pipeline.Store.ListDriftEvents(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDriftSummary(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(r.URL.Query().Get("since"), s.now().UTC(), 24*time.Hour)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339 or a duration", RequestIDFromContext(r.Context()))
		return
	}
	counts, err := s.pipeline.Store.DriftSummary(r.Context(), since)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "total": total, "byClass": counts})
}

func (s *Server) handleDriftRetention(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.pipeline.Reconciler.RunRetention(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.pipeline.Reconciler.Run(r.Context(), listingsync.ReconcileRequest{
		Bypass: parseBool(r.URL.Query().Get("bypass"), false),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func logFilter(r *http.Request) listingsync.LogFilter {
	return listingsync.LogFilter{
		ListingID: strings.TrimSpace(r.URL.Query().Get("listingId")),
		Limit:     parseBoundedInt(r.URL.Query().Get("limit"), defaultPageLimit, 1, maxPageLimit),
	}
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roquehomemaster/listingsync/internal/alerting"
	"github.com/roquehomemaster/listingsync/internal/metrics"
)

const streamWriteTimeout = 5 * time.Second

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	p := s.pipeline
	p.RefreshGauges(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":      p.Metrics.Snapshot(),
		"oauth":        p.Tokens.Status(),
		"rateLimit":    p.Limiter.Status(),
		"circuitState": p.Breaker.State(),
		"alerts":       p.Alerts.Counters(),
	})
}

func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	s.pipeline.RefreshGauges(r.Context())
	w.Header().Set("Content-Type", metrics.PrometheusContentType)
	w.WriteHeader(http.StatusOK)
	if err := s.pipeline.Metrics.WritePrometheus(w); err != nil {
		s.logger.Warn("write prometheus exposition failed", "error", err)
	}
}

// handleAlerts runs one evaluation so the response reflects current state.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	active := s.pipeline.EvaluateAlerts(r.Context())
	if active == nil {
		active = []alerting.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   active,
		"counters": s.pipeline.Alerts.Counters(),
	})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.pipeline.Alerts.History(parseBoundedInt(r.URL.Query().Get("limit"), defaultPageLimit, 1, maxPageLimit))
	if entries == nil {
		entries = []alerting.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAlertHistoryNDJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := s.pipeline.Alerts.WriteHistoryNDJSON(w); err != nil {
		s.logger.Warn("write alert history failed", "error", err)
	}
}

type alertFrame struct {
	Active []alerting.Alert `json:"active"`
	SentAt time.Time        `json:"sentAt"`
}

// handleAlertStream pushes the active alert set on connect and after every
// evaluation until the client goes away.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		s.logger.Debug("alert stream upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.pipeline.Alerts.Subscribe()
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())

	if err := s.sendAlerts(ctx, conn, s.pipeline.Alerts.Active()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case active, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "alert feed closed")
				return
			}
			if err := s.sendAlerts(ctx, conn, active); err != nil {
				s.logger.Debug("alert stream write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) sendAlerts(ctx context.Context, conn *websocket.Conn, active []alerting.Alert) error {
	if active == nil {
		active = []alerting.Alert{}
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, alertFrame{Active: active, SentAt: time.Now().UTC()})
}

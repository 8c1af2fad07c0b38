package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-ai/parley/internal/bus"
)

// dashboardSendTimeout bounds one event write to a dashboard subscriber. A
// slow dashboard must never stall the event bus.
const dashboardSendTimeout = 5 * time.Second

// handleMetricsSnapshot serves the aggregate server counters as JSON.
func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.serverMetrics.Snapshot())
}

// handleSessions lists every live session, newest first.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.readModel.Conversations(),
	})
}

// handleSessionDetail serves the full view of one session.
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.readModel.Session(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleSessionHistory serves just the conversation timeline of one session.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	timeline, ok := s.readModel.History(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": timeline})
}

// handleDashboardMetrics serves the combined server and per-session metrics.
func (s *Server) handleDashboardMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.readModel.Metrics())
}

// handleConfig serves the sanitized configuration tree.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sanitized())
}

// handleDashboardWS streams observability events to a dashboard client:
// first a full snapshot frame, then every bus event as it happens.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("dashboard accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := s.logger.With("component", "dashboard-ws")

	initial, err := json.Marshal(s.readModel.InitialState())
	if err != nil {
		logger.Warn("marshaling initial state", "error", err)
		ws.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, initial); err != nil {
		logger.Warn("sending initial state", "error", err)
		ws.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}

	// Buffered so a burst of events never blocks Publish; overflow drops
	// with a warning rather than stalling the bus.
	frames := make(chan []byte, 64)
	subID := s.events.Subscribe(func(_ context.Context, ev bus.Event) error {
		raw, err := json.Marshal(map[string]any{
			"type":       "event",
			"event_type": ev.EventType,
			"session_id": ev.SessionID,
			"timestamp":  ev.Timestamp,
			"data":       ev.Data,
		})
		if err != nil {
			return err
		}
		select {
		case frames <- raw:
		default:
			logger.Warn("dashboard subscriber overflowed, dropping event",
				"event_type", ev.EventType)
		}
		return nil
	})
	defer s.events.Unsubscribe(subID)

	// Drain client frames so pings are answered and closure is noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "bye")
			return
		case raw := <-frames:
			wctx, wcancel := context.WithTimeout(ctx, dashboardSendTimeout)
			err := ws.Write(wctx, websocket.MessageText, raw)
			wcancel()
			if err != nil {
				logger.Info("dashboard client gone", "error", err)
				ws.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

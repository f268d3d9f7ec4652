package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

func (s *Server) RegisterRoutes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.healthHandler)
	r.Get("/stats", s.statsHandler)
	r.Get("/ws", s.websocketHandler)

	return s.corsMiddleware(r)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	status := http.StatusOK

	if s.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.healthCheck(ctx); err != nil {
			resp = map[string]string{"status": "degraded", "error": err.Error()}
			status = http.StatusServiceUnavailable
		}
	}
	if s.closing.Load() {
		resp["status"] = "shutting_down"
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.log.Debug("writing response", zap.Error(err))
	}
}

// websocketHandler upgrades the request and serves it like any other stream
// connection: each text frame carries one JSON message.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer socket.CloseNow()

	conn := websocket.NetConn(r.Context(), socket, websocket.MessageText)
	if err := s.Accept(r.Context(), conn); err != nil {
		s.log.Debug("websocket connection ended", zap.Error(err))
	}
}

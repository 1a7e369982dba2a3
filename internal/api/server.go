package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"relay/internal/queue"
	"relay/internal/session"
	"relay/internal/transport"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Server is the management surface: statistics, forced disconnect/close,
// group membership, and message injection through the routing queue. It
// carries no state of its own.
type Server struct {
	conns    *transport.Registry
	sessions *session.Registry
	queue    *queue.Queue
	ws       *transport.Handler
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	router   chi.Router
	started  time.Time
}

// NewServer wires the management routes. ws may be nil in tests; then the
// /ws endpoint is not mounted.
func NewServer(conns *transport.Registry, sessions *session.Registry, q *queue.Queue, ws *transport.Handler, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		conns:    conns,
		sessions: sessions,
		queue:    q,
		ws:       ws,
		gatherer: gatherer,
		log:      log.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	if s.ws != nil {
		r.Get("/ws", s.ws.ServeWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.stats)

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.listConnections)
			r.Get("/{id}", s.getConnection)
			r.Delete("/{id}", s.disconnectConnection)
			r.Post("/{id}/groups/{group}", s.joinGroup)
			r.Delete("/{id}/groups/{group}", s.leaveGroup)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Get("/{id}", s.getSession)
			r.Delete("/{id}", s.closeSession)
		})

		r.Post("/messages", s.routeMessage)
	})

	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encoding response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"uptime":      time.Since(s.started).String(),
		"goroutines":  runtime.NumGoroutine(),
		"connections": s.conns.Count(),
		"sessions":    s.sessions.Count(),
		"queue_depth": s.queue.Depth(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.conns.Stats(),
		"sessions":    s.sessions.Stats(),
		"queue":       s.queue.Stats(),
	})
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	infos := s.conns.Connections()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connections": infos,
		"count":       len(infos),
	})
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := s.conns.ConnectionInfo(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) disconnectConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.conns.IsConnected(id) {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	s.conns.Disconnect(id, "operator request")
	s.sessions.DisassociateConnection(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) joinGroup(w http.ResponseWriter, r *http.Request) {
	id, group := chi.URLParam(r, "id"), chi.URLParam(r, "group")
	if !s.conns.IsConnected(id) {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	s.conns.JoinGroup(id, group)
	s.writeJSON(w, http.StatusOK, map[string]any{"groups": s.conns.Groups(id)})
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	id, group := chi.URLParam(r, "id"), chi.URLParam(r, "group")
	if !s.conns.IsConnected(id) {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	s.conns.LeaveGroup(id, group)
	s.writeJSON(w, http.StatusOK, map[string]any{"groups": s.conns.Groups(id)})
}

type createSessionRequest struct {
	UserID      string         `json:"user_id"`
	SessionType string         `json:"session_type"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	sessionType := types.SessionType(req.SessionType)
	if !sessionType.IsValid() {
		s.writeError(w, http.StatusBadRequest, "invalid session_type")
		return
	}

	sess := s.sessions.CreateSession(req.UserID, sessionType, req.Metadata)
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	var sessions []*types.Session
	if r.URL.Query().Get("active") == "true" {
		sessions = s.sessions.GetActiveSessions(userID)
	} else if userID != "" {
		sessions = s.sessions.GetUserSessions(userID)
	} else {
		sessions = s.sessions.GetActiveSessions("")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.GetSession(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session":            sess,
		"active_connections": len(s.sessions.GetActiveConnections(id)),
	})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.CloseSession(id) {
		s.writeError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type routeMessageRequest struct {
	Payload  any    `json:"payload"`
	Strategy string `json:"strategy"`
	Target   string `json:"target"`
	Priority string `json:"priority"`
}

// routeMessage injects an outbound message through the routing queue. A
// 202 means accepted for delivery, not delivered.
func (s *Server) routeMessage(w http.ResponseWriter, r *http.Request) {
	var req routeMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.queue.Route(req.Payload, types.Strategy(req.Strategy), req.Target, types.ParsePriority(req.Priority))
	switch {
	case errors.Is(err, interfaces.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id})
}

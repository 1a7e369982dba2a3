package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relay/internal/config"
	"relay/internal/metrics"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Registry owns sessions and the canonical connection-to-session mapping.
// The reverse mapping is single-valued: a connection belongs to at most
// one session at a time. A session's associated set may hold stale
// connection ids; delivery always filters through the connection
// registry's live predicate instead of trusting the set.
type Registry struct {
	cfg   *config.SessionConfig
	log   zerolog.Logger
	met   *metrics.Metrics
	conns interfaces.ConnectionSender

	mu           sync.RWMutex
	sessions     map[string]*types.Session
	userSessions map[string]map[string]struct{} // user id -> session ids
	connSession  map[string]string              // connection id -> session id

	cleanupOnce sync.Once
}

// NewRegistry creates an empty session registry backed by the given
// connection sender for liveness checks and delivery.
func NewRegistry(cfg *config.SessionConfig, conns interfaces.ConnectionSender, log zerolog.Logger, met *metrics.Metrics) *Registry {
	return &Registry{
		cfg:          cfg,
		log:          log.With().Str("component", "session_registry").Logger(),
		met:          met,
		conns:        conns,
		sessions:     make(map[string]*types.Session),
		userSessions: make(map[string]map[string]struct{}),
		connSession:  make(map[string]string),
	}
}

// snapshotLocked copies a session so callers never share a pointer the
// registry keeps mutating under its lock. Must be called with r.mu held.
func snapshotLocked(s *types.Session) *types.Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Connections = make(map[string]struct{}, len(s.Connections))
	for id := range s.Connections {
		out.Connections[id] = struct{}{}
	}
	return &out
}

// CreateSession allocates a fresh session for the user. Always succeeds.
// Returns a snapshot; the registry keeps the authoritative copy.
func (r *Registry) CreateSession(userID string, sessionType types.SessionType, metadata map[string]any) *types.Session {
	now := time.Now()
	s := &types.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         sessionType,
		Status:       types.SessionStatusActive,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     metadata,
		Connections:  make(map[string]struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	if r.userSessions[userID] == nil {
		r.userSessions[userID] = make(map[string]struct{})
	}
	r.userSessions[userID][s.ID] = struct{}{}
	snap := snapshotLocked(s)
	r.mu.Unlock()

	r.met.ActiveSessions.Inc()
	r.log.Info().
		Str("session_id", s.ID).
		Str("user_id", userID).
		Str("type", string(sessionType)).
		Msg("session created")

	return snap
}

// GetSession returns a snapshot of the session for an id.
func (r *Registry) GetSession(sessionID string) (*types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return snapshotLocked(s), true
}

// AssociateConnection maps a connection into a session. Returns false when
// the session is unknown or the connection is not currently live — checked
// against the connection registry at call time, never cached. Any prior
// session mapping for the connection is overwritten.
func (r *Registry) AssociateConnection(sessionID, connectionID string) bool {
	if !r.conns.IsConnected(connectionID) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	if prevID, mapped := r.connSession[connectionID]; mapped && prevID != sessionID {
		if prev, exists := r.sessions[prevID]; exists {
			delete(prev.Connections, connectionID)
		}
	}

	s.Connections[connectionID] = struct{}{}
	s.LastActivity = time.Now()
	r.connSession[connectionID] = sessionID
	return true
}

// DisassociateConnection removes the connection from its session and
// clears the reverse mapping. Idempotent.
func (r *Registry) DisassociateConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.connSession[connectionID]
	if !ok {
		return
	}
	delete(r.connSession, connectionID)
	if s, exists := r.sessions[sessionID]; exists {
		delete(s.Connections, connectionID)
		s.LastActivity = time.Now()
	}
}

// SessionForConnection resolves the reverse mapping.
func (r *Registry) SessionForConnection(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.connSession[connectionID]
	return id, ok
}

// CloseSession disassociates every connection mapped to the session,
// removes it from its user's index and marks it closed. Returns false for
// an unknown session.
func (r *Registry) CloseSession(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	for connID := range s.Connections {
		delete(r.connSession, connID)
	}
	s.Connections = make(map[string]struct{})
	s.Status = types.SessionStatusClosed

	if owned, exists := r.userSessions[s.UserID]; exists {
		delete(owned, sessionID)
		if len(owned) == 0 {
			delete(r.userSessions, s.UserID)
		}
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.met.ActiveSessions.Dec()
	r.met.SessionsClosed.Inc()
	r.log.Info().Str("session_id", sessionID).Msg("session closed")
	return true
}

// GetActiveConnections filters the session's associated set through the
// connection registry's live predicate at call time. This is the
// canonical recipient resolution; the associated set itself may contain
// ids the connection registry has already evicted.
func (r *Registry) GetActiveConnections(sessionID string) []string {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	candidates := s.ConnectionIDs()
	r.mu.RUnlock()

	live := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if r.conns.IsConnected(id) {
			live = append(live, id)
		}
	}
	return live
}

// SendToSession delivers to the session's live connections and returns
// the success count; 0 for an unknown session.
func (r *Registry) SendToSession(sessionID string, message any) int {
	sent := 0
	for _, id := range r.GetActiveConnections(sessionID) {
		if r.conns.SendToConnection(id, message) {
			sent++
		}
	}

	if sent > 0 {
		r.mu.Lock()
		if s, ok := r.sessions[sessionID]; ok {
			s.MessageCount += sent
			s.LastActivity = time.Now()
		}
		r.mu.Unlock()
	}
	return sent
}

// Touch records activity on a session.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
	r.mu.Unlock()
}

// GetUserSessions lists snapshots of every session owned by the user.
func (r *Registry) GetUserSessions(userID string) []*types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Session, 0, len(r.userSessions[userID]))
	for id := range r.userSessions[userID] {
		if s, ok := r.sessions[id]; ok {
			out = append(out, snapshotLocked(s))
		}
	}
	return out
}

// GetActiveSessions lists snapshots of sessions with status active and
// recent activity. An empty userID means all users.
func (r *Registry) GetActiveSessions(userID string) []*types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	out := make([]*types.Session, 0)
	for _, s := range r.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		if s.Status == types.SessionStatusActive && s.LastActivity.After(cutoff) {
			out = append(out, snapshotLocked(s))
		}
	}
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats returns session registry statistics.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := make(map[string]int)
	associated := 0
	for _, s := range r.sessions {
		byType[string(s.Type)]++
		associated += len(s.Connections)
	}

	return map[string]any{
		"total_sessions":         len(r.sessions),
		"total_users":            len(r.userSessions),
		"associated_connections": associated,
		"by_type":                byType,
	}
}

// StartCleanup launches the idle-eviction loop: every CleanupInterval it
// closes sessions whose last activity is older than the idle timeout.
// A session with zero connections is valid and survives until the idle
// timeout, not until its last connection drops.
func (r *Registry) StartCleanup(ctx context.Context) {
	r.cleanupOnce.Do(func() {
		go r.cleanupLoop(ctx)
	})
}

func (r *Registry) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-ctx.Done():
			r.log.Debug().Msg("cleanup loop stopped")
			return
		}
	}
}

func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	idle := make([]string, 0)
	for id, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		if r.CloseSession(id) {
			r.met.SessionsEvicted.Inc()
		}
	}

	if len(idle) > 0 {
		r.log.Info().Int("evicted", len(idle)).Msg("evicted idle sessions")
	}
}

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relay/internal/config"
	"relay/internal/metrics"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Registry is the authoritative store of live connections and the sole
// mutator of the group indexes. Not-found conditions return false/0 so
// callers compose deliveries without special-casing disconnect races;
// the only error a registry operation surfaces is the capacity breach
// on Connect.
type Registry struct {
	cfg *config.RegistryConfig
	ws  *config.WebSocketConfig
	log zerolog.Logger
	met *metrics.Metrics

	mu          sync.RWMutex
	connections map[string]*Connection
	groups      map[string]map[string]struct{} // group name -> connection ids
	connGroups  map[string]map[string]struct{} // connection id -> group names

	onDisconnect func(connectionID string)

	cleanupOnce sync.Once
}

// NewRegistry creates an empty registry. The websocket section supplies
// the per-connection write buffer and write timeout.
func NewRegistry(cfg *config.RegistryConfig, ws *config.WebSocketConfig, log zerolog.Logger, met *metrics.Metrics) *Registry {
	return &Registry{
		cfg:         cfg,
		ws:          ws,
		log:         log.With().Str("component", "connection_registry").Logger(),
		met:         met,
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]struct{}),
		connGroups:  make(map[string]map[string]struct{}),
	}
}

// establishedFrame is the synchronous acknowledgement sent on Connect.
type establishedFrame struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Connect completes the handshake over an open transport: allocates a
// connection identifier, indexes the connection and acknowledges it to
// the client. Rejects with a capacity error when the registry is full.
func (r *Registry) Connect(t interfaces.Transport, clientID string, clientType types.ClientType, metadata map[string]any) (*Connection, error) {
	id := uuid.New().String()
	conn := newConnection(id, clientID, clientType, metadata, t, r.ws.WriteBuffer, r.ws.WriteTimeout)

	r.mu.Lock()
	if len(r.connections) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("%w: limit %d", interfaces.ErrRegistryFull, r.cfg.MaxConnections)
	}
	r.connections[id] = conn
	r.connGroups[id] = make(map[string]struct{})
	r.mu.Unlock()

	r.met.ActiveConnections.Inc()
	r.met.ConnectionsTotal.Inc()

	if err := conn.Send(establishedFrame{
		Type:         "connection_established",
		ConnectionID: id,
		Timestamp:    time.Now(),
	}); err != nil {
		r.log.Warn().Str("connection_id", id).Err(err).Msg("failed to send connection ack")
	}

	r.log.Info().
		Str("connection_id", id).
		Str("client_id", clientID).
		Str("client_type", string(clientType)).
		Msg("connection established")

	return conn, nil
}

// SetDisconnectHook registers a callback invoked after a connection is
// removed, whatever the removal path: client close, operator action or
// the stale sweep. Set once during wiring, before traffic.
func (r *Registry) SetDisconnectHook(fn func(connectionID string)) {
	r.onDisconnect = fn
}

// Disconnect removes the connection from every group and from the
// registry, then closes its transport. No-op when the id is absent.
func (r *Registry) Disconnect(connectionID, reason string) {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for group := range r.connGroups[connectionID] {
		r.removeFromGroupLocked(group, connectionID)
	}
	delete(r.connGroups, connectionID)
	delete(r.connections, connectionID)
	r.mu.Unlock()

	conn.setStatus(types.ConnectionStatusDisconnected)
	conn.Close()
	r.met.ActiveConnections.Dec()

	if r.onDisconnect != nil {
		r.onDisconnect(connectionID)
	}

	r.log.Info().
		Str("connection_id", connectionID).
		Str("reason", reason).
		Msg("connection removed")
}

// Get returns the connection for an id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

// IsConnected reports whether the id is currently live.
func (r *Registry) IsConnected(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connections[connectionID]
	return ok
}

// TouchHeartbeat records a heartbeat for the connection; false when absent.
func (r *Registry) TouchHeartbeat(connectionID string) bool {
	conn, ok := r.Get(connectionID)
	if !ok {
		return false
	}
	conn.TouchHeartbeat()
	return true
}

// SendToConnection delivers one message. A transport failure increments
// the connection's error counter and returns false; it never raises.
func (r *Registry) SendToConnection(connectionID string, message any) bool {
	conn, ok := r.Get(connectionID)
	if !ok {
		return false
	}

	if err := conn.Send(message); err != nil {
		conn.errorCount.Add(1)
		r.met.SendErrors.Inc()
		r.log.Debug().Str("connection_id", connectionID).Err(err).Msg("send failed")
		return false
	}

	conn.messageCount.Add(1)
	conn.TouchActivity()
	r.met.MessagesSent.Inc()
	return true
}

// Broadcast sends to every live connection not in the exclusion set and
// returns the number of successful sends. Partial failure of one
// connection never blocks the rest.
func (r *Registry) Broadcast(message any, exclude map[string]struct{}) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		if _, skip := exclude[id]; skip {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if r.SendToConnection(id, message) {
			sent++
		}
	}
	return sent
}

// JoinGroup adds the connection to a named group, keeping the two-way
// index consistent. Unknown connection ids are a silent no-op.
func (r *Registry) JoinGroup(connectionID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connectionID]; !ok {
		return
	}
	if r.groups[group] == nil {
		r.groups[group] = make(map[string]struct{})
	}
	r.groups[group][connectionID] = struct{}{}
	r.connGroups[connectionID][group] = struct{}{}
}

// LeaveGroup removes the connection from a group. Idempotent.
func (r *Registry) LeaveGroup(connectionID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromGroupLocked(group, connectionID)
	if memberships, ok := r.connGroups[connectionID]; ok {
		delete(memberships, group)
	}
}

func (r *Registry) removeFromGroupLocked(group, connectionID string) {
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// SendToGroup resolves the group's members and sends to each; an absent
// group yields 0.
func (r *Registry) SendToGroup(group string, message any) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if r.SendToConnection(id, message) {
			sent++
		}
	}
	return sent
}

// Groups returns the group names the connection has joined.
func (r *Registry) Groups(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connGroups[connectionID]))
	for g := range r.connGroups[connectionID] {
		names = append(names, g)
	}
	return names
}

// GroupMembers returns the connection ids in a group.
func (r *Registry) GroupMembers(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Connections returns snapshots of every live connection.
func (r *Registry) Connections() []Info {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.snapshot(r.Groups(c.ID)))
	}
	return infos
}

// ConnectionInfo returns a snapshot of one connection.
func (r *Registry) ConnectionInfo(connectionID string) (Info, bool) {
	conn, ok := r.Get(connectionID)
	if !ok {
		return Info{}, false
	}
	return conn.snapshot(r.Groups(connectionID)), true
}

// Stats returns registry statistics for the status frame and the
// management surface.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := make(map[string]int)
	for _, c := range r.connections {
		byType[string(c.ClientType)]++
	}

	return map[string]any{
		"total_connections": len(r.connections),
		"max_connections":   r.cfg.MaxConnections,
		"total_groups":      len(r.groups),
		"by_client_type":    byType,
	}
}

// StartCleanup launches the liveness cleanup loop: every CleanupInterval
// it evicts connections whose heartbeat is older than the heartbeat
// window and downgrades quiet-but-alive ones to idle. Stopped by
// cancelling ctx. Safe to call once; later calls are ignored.
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
			r.evictStale()
		case <-ctx.Done():
			r.log.Debug().Msg("cleanup loop stopped")
			return
		}
	}
}

func (r *Registry) evictStale() {
	r.mu.RLock()
	stale := make([]string, 0)
	quiet := make([]*Connection, 0)
	for id, conn := range r.connections {
		if !IsAlive(conn, r.cfg.HeartbeatWindow) {
			stale = append(stale, id)
		} else if !IsActive(conn, r.cfg.ActivityWindow) {
			quiet = append(quiet, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range quiet {
		conn.setStatus(types.ConnectionStatusIdle)
	}

	for _, id := range stale {
		r.Disconnect(id, "heartbeat timeout")
		r.met.ConnectionsEvicted.Inc()
	}

	if len(stale) > 0 {
		r.log.Info().Int("evicted", len(stale)).Msg("evicted stale connections")
	}
}

package interfaces

import "relay/pkg/types"

// ConnectionSender is the connection-registry surface that the session
// registry, dispatcher and routing queue depend on. Not-found conditions
// degrade to false/0, never errors, so callers compose deliveries without
// special-casing races between disconnect and send.
type ConnectionSender interface {
	// IsConnected reports whether the connection id is currently live.
	IsConnected(connectionID string) bool

	// SendToConnection delivers one message; false when the id is absent
	// or the transport write fails.
	SendToConnection(connectionID string, message any) bool

	// Broadcast delivers to every live connection not in the exclusion
	// set and returns the success count.
	Broadcast(message any, exclude map[string]struct{}) int

	// SendToGroup delivers to every member of the named group; an absent
	// group yields 0.
	SendToGroup(group string, message any) int
}

// SessionSender is the session-registry surface the routing queue resolves
// session and user addressed items against.
type SessionSender interface {
	// SendToSession delivers to the session's currently live connections;
	// 0 for an unknown session.
	SendToSession(sessionID string, message any) int

	// GetUserSessions lists every session owned by the user, quiet ones
	// included. User-addressed fan-out resolves through this, so a
	// session stays reachable until the idle eviction loop closes it.
	GetUserSessions(userID string) []*types.Session
}

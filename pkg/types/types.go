package types

import (
	"time"
)

// ClientType tags the kind of client process behind a connection.
type ClientType string

const (
	ClientTypeWeb     ClientType = "web"
	ClientTypeMobile  ClientType = "mobile"
	ClientTypeDesktop ClientType = "desktop"
	ClientTypeCLI     ClientType = "cli"
	ClientTypeAPI     ClientType = "api"
)

// IsValid reports whether the client type is one of the known tags.
func (c ClientType) IsValid() bool {
	switch c {
	case ClientTypeWeb, ClientTypeMobile, ClientTypeDesktop, ClientTypeCLI, ClientTypeAPI:
		return true
	}
	return false
}

// ConnectionStatus is the lifecycle state of a connection.
type ConnectionStatus string

const (
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusIdle         ConnectionStatus = "idle"
	ConnectionStatusActive       ConnectionStatus = "active"
)

// SessionType classifies the conversational context a session carries.
type SessionType string

const (
	SessionTypeChat   SessionType = "chat"
	SessionTypeSkill  SessionType = "skill"
	SessionTypeFile   SessionType = "file"
	SessionTypeVoice  SessionType = "voice"
	SessionTypeSystem SessionType = "system"
)

// IsValid reports whether the session type is one of the known values.
func (s SessionType) IsValid() bool {
	switch s {
	case SessionTypeChat, SessionTypeSkill, SessionTypeFile, SessionTypeVoice, SessionTypeSystem:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusInactive SessionStatus = "inactive"
	SessionStatusPaused   SessionStatus = "paused"
	SessionStatusClosed   SessionStatus = "closed"
)

// Priority orders routing queue items. Lower value drains first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	// PriorityCount is the number of priority classes; used to size
	// per-class queue buckets.
	PriorityCount = int(PriorityLow) + 1
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// IsValid reports whether the priority is one of the four classes.
func (p Priority) IsValid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// Strategy is the addressing mode of an outbound message.
type Strategy string

const (
	StrategyBroadcast Strategy = "broadcast"
	StrategySession   Strategy = "session"
	StrategyGroup     Strategy = "group"
	StrategyUser      Strategy = "user"
	StrategyDirect    Strategy = "direct"
)

// IsValid reports whether the strategy is a known addressing mode.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyBroadcast, StrategySession, StrategyGroup, StrategyUser, StrategyDirect:
		return true
	}
	return false
}

// RequiresTarget reports whether the strategy needs a target identifier.
// Broadcast is the only mode addressing every live connection.
func (s Strategy) RequiresTarget() bool {
	return s != StrategyBroadcast
}

// MessageKind is the inbound frame type discriminator. The set is closed:
// dispatch resolves a kind against this table and rejects anything else.
type MessageKind string

const (
	KindHeartbeat      MessageKind = "heartbeat"
	KindChatMessage    MessageKind = "chat_message"
	KindSkillExecution MessageKind = "skill_execution"
	KindSubscribe      MessageKind = "subscribe"
	KindUnsubscribe    MessageKind = "unsubscribe"
	KindStatus         MessageKind = "status"
	KindSessionCreate  MessageKind = "session_create"
	KindSessionJoin    MessageKind = "session_join"
	KindSessionLeave   MessageKind = "session_leave"
	KindSessionClose   MessageKind = "session_close"
)

// KnownKinds lists every recognized message kind in dispatch-table order.
var KnownKinds = []MessageKind{
	KindHeartbeat,
	KindChatMessage,
	KindSkillExecution,
	KindSubscribe,
	KindUnsubscribe,
	KindStatus,
	KindSessionCreate,
	KindSessionJoin,
	KindSessionLeave,
	KindSessionClose,
}

// KnownKind resolves a raw type string against the closed kind table.
func KnownKind(s string) (MessageKind, bool) {
	for _, k := range KnownKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Error codes carried in outbound error frames.
const (
	ErrCodeInvalidJSON        = "invalid_json"
	ErrCodeInvalidFormat      = "invalid_message_format"
	ErrCodeUnknownMessageType = "unknown_message_type"
)

// Session is a logical conversational/task context owned by one user.
// It may span zero or more connections; the associated set is owned and
// mutated exclusively by the session registry under its lock, and may
// contain stale connection ids that are lazily filtered at delivery time.
type Session struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	Type         SessionType         `json:"type"`
	Status       SessionStatus       `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	Connections  map[string]struct{} `json:"-"`
	MessageCount int                 `json:"message_count"`
	ErrorCount   int                 `json:"error_count"`
}

// ConnectionIDs returns the associated connection ids as a slice. The
// result is a copy; callers may not assume the ids are still live.
func (s *Session) ConnectionIDs() []string {
	ids := make([]string, 0, len(s.Connections))
	for id := range s.Connections {
		ids = append(ids, id)
	}
	return ids
}

// ChatRequest is the collaborator-boundary payload for chat execution.
type ChatRequest struct {
	ConversationID   string `json:"conversation_id"`
	UserID           string `json:"user_id"`
	Message          string `json:"message"`
	EnableStreaming  bool   `json:"enable_streaming"`
	EnableMemory     bool   `json:"enable_memory_enhancement"`
	SourceConnection string `json:"-"`
}

// ChatResult is the collaborator's reply to a chat request.
type ChatResult struct {
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response"`
}

// SkillRequest is the collaborator-boundary payload for skill execution.
type SkillRequest struct {
	SkillID          string         `json:"skill_id"`
	UserID           string         `json:"user_id"`
	Parameters       map[string]any `json:"parameters"`
	SourceConnection string         `json:"-"`
}

// SkillResult is the collaborator's reply to a skill request.
type SkillResult struct {
	SkillID string `json:"skill_id"`
	Output  any    `json:"output"`
}

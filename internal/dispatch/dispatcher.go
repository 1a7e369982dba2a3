package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/metrics"
	"relay/internal/queue"
	"relay/internal/session"
	"relay/internal/transport"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Frame is an inbound message after decoding and kind resolution. ID is
// the client-supplied correlation id, mirrored back in every reply.
type Frame struct {
	Kind   types.MessageKind
	ID     string
	Fields map[string]any
}

type handlerFunc func(connectionID string, frame *Frame) bool

// Dispatcher turns one inbound raw frame into exactly one typed, validated
// handler invocation. Protocol errors are answered with a typed error frame
// on the originating connection; the connection is never closed for a bad
// message.
type Dispatcher struct {
	conns    *transport.Registry
	sessions *session.Registry
	queue    *queue.Queue
	agent    interfaces.AgentExecutor
	skills   interfaces.SkillExecutor
	log      zerolog.Logger
	met      *metrics.Metrics
	handlers map[types.MessageKind]handlerFunc
}

// New builds a dispatcher with one handler per known message kind. Panics
// at construction if the handler table does not cover the kind set, so a
// new kind cannot ship without a handler.
func New(conns *transport.Registry, sessions *session.Registry, q *queue.Queue, agent interfaces.AgentExecutor, skills interfaces.SkillExecutor, log zerolog.Logger, met *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		conns:    conns,
		sessions: sessions,
		queue:    q,
		agent:    agent,
		skills:   skills,
		log:      log.With().Str("component", "dispatcher").Logger(),
		met:      met,
	}
	d.handlers = map[types.MessageKind]handlerFunc{
		types.KindHeartbeat:      d.handleHeartbeat,
		types.KindChatMessage:    d.handleChatMessage,
		types.KindSkillExecution: d.handleSkillExecution,
		types.KindSubscribe:      d.handleSubscribe,
		types.KindUnsubscribe:    d.handleUnsubscribe,
		types.KindStatus:         d.handleStatus,
		types.KindSessionCreate:  d.handleSessionCreate,
		types.KindSessionJoin:    d.handleSessionJoin,
		types.KindSessionLeave:   d.handleSessionLeave,
		types.KindSessionClose:   d.handleSessionClose,
	}
	for _, kind := range types.KnownKinds {
		if d.handlers[kind] == nil {
			panic(fmt.Sprintf("dispatch: no handler for message kind %q", kind))
		}
	}
	return d
}

// HandleMessage processes one raw inbound frame from a connection and
// reports whether it was handled successfully. Frames from one connection
// arrive sequentially from its read loop, so handlers never run
// concurrently for the same connection.
func (d *Dispatcher) HandleMessage(connectionID string, raw []byte) bool {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		d.met.FramesTotal.WithLabelValues("invalid", "error").Inc()
		d.sendError(connectionID, "", types.ErrCodeInvalidJSON, "payload is not valid JSON")
		return false
	}

	fields, ok := decoded.(map[string]any)
	if !ok {
		d.met.FramesTotal.WithLabelValues("invalid", "error").Inc()
		d.sendError(connectionID, "", types.ErrCodeInvalidFormat, "payload must be a JSON object")
		return false
	}

	frameID := types.StringField(fields, "id")

	rawType := types.StringField(fields, "type")
	kind, known := types.KnownKind(rawType)
	if !known {
		d.met.FramesTotal.WithLabelValues("invalid", "error").Inc()
		d.sendError(connectionID, frameID, types.ErrCodeUnknownMessageType, fmt.Sprintf("unknown message type %q", rawType))
		return false
	}

	if err := types.ValidateFrame(kind, fields); err != nil {
		d.met.FramesTotal.WithLabelValues(string(kind), "error").Inc()
		d.sendError(connectionID, frameID, types.ErrCodeInvalidFormat, fmt.Sprintf("invalid %s message: %v", kind, err))
		return false
	}

	handled := d.handlers[kind](connectionID, &Frame{Kind: kind, ID: frameID, Fields: fields})
	status := "ok"
	if !handled {
		status = "error"
	}
	d.met.FramesTotal.WithLabelValues(string(kind), status).Inc()
	return handled
}

// reply sends a frame back to the originating connection, mirroring the
// inbound id and stamping the send time.
func (d *Dispatcher) reply(connectionID, frameID, frameType string, extra map[string]any) bool {
	frame := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		frame[k] = v
	}
	frame["type"] = frameType
	frame["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	if frameID != "" {
		frame["id"] = frameID
	}
	return d.conns.SendToConnection(connectionID, frame)
}

func (d *Dispatcher) sendError(connectionID, frameID, code, message string) {
	d.log.Debug().
		Str("connection_id", connectionID).
		Str("error_code", code).
		Str("detail", message).
		Msg("rejecting inbound frame")
	d.reply(connectionID, frameID, "error", map[string]any{
		"error_code":    code,
		"error_message": message,
	})
}

func (d *Dispatcher) handleHeartbeat(connectionID string, frame *Frame) bool {
	d.conns.TouchHeartbeat(connectionID)
	return d.reply(connectionID, frame.ID, "heartbeat_response", map[string]any{
		"status": "alive",
	})
}

func (d *Dispatcher) handleStatus(connectionID string, frame *Frame) bool {
	return d.reply(connectionID, frame.ID, "status_response", map[string]any{
		"connections": d.conns.Stats(),
		"sessions":    d.sessions.Stats(),
		"queue":       d.queue.Stats(),
	})
}

func (d *Dispatcher) handleSubscribe(connectionID string, frame *Frame) bool {
	channels := types.StringListField(frame.Fields, "channels")
	for _, ch := range channels {
		d.conns.JoinGroup(connectionID, ch)
	}
	return d.reply(connectionID, frame.ID, "subscribe_response", map[string]any{
		"channels": channels,
	})
}

func (d *Dispatcher) handleUnsubscribe(connectionID string, frame *Frame) bool {
	channels := types.StringListField(frame.Fields, "channels")
	for _, ch := range channels {
		d.conns.LeaveGroup(connectionID, ch)
	}
	return d.reply(connectionID, frame.ID, "unsubscribe_response", map[string]any{
		"channels": channels,
	})
}

// handleSessionCreate creates the session and immediately associates the
// issuing connection with it.
func (d *Dispatcher) handleSessionCreate(connectionID string, frame *Frame) bool {
	userID := types.StringField(frame.Fields, "user_id")
	sessionType := types.SessionType(types.StringField(frame.Fields, "session_type"))
	metadata := types.ObjectField(frame.Fields, "metadata")

	sess := d.sessions.CreateSession(userID, sessionType, metadata)
	associated := d.sessions.AssociateConnection(sess.ID, connectionID)

	return d.reply(connectionID, frame.ID, "session_create_response", map[string]any{
		"session_id": sess.ID,
		"associated": associated,
	})
}

// handleSessionJoin associates without creating; an unknown session id is
// answered with success=false, not an error frame.
func (d *Dispatcher) handleSessionJoin(connectionID string, frame *Frame) bool {
	sessionID := types.StringField(frame.Fields, "session_id")
	joined := d.sessions.AssociateConnection(sessionID, connectionID)
	d.reply(connectionID, frame.ID, "session_join_response", map[string]any{
		"session_id": sessionID,
		"success":    joined,
	})
	return joined
}

// handleSessionLeave disassociates only the issuing connection.
func (d *Dispatcher) handleSessionLeave(connectionID string, frame *Frame) bool {
	sessionID := types.StringField(frame.Fields, "session_id")
	d.sessions.DisassociateConnection(connectionID)
	return d.reply(connectionID, frame.ID, "session_leave_response", map[string]any{
		"session_id": sessionID,
	})
}

// handleSessionClose closes the whole session for all its connections.
func (d *Dispatcher) handleSessionClose(connectionID string, frame *Frame) bool {
	sessionID := types.StringField(frame.Fields, "session_id")
	closed := d.sessions.CloseSession(sessionID)
	d.reply(connectionID, frame.ID, "session_close_response", map[string]any{
		"session_id": sessionID,
		"success":    closed,
	})
	return closed
}

// handleChatMessage acknowledges receipt synchronously, then runs the
// agent collaborator in the background and routes the eventual result
// back to the originating connection through the queue.
func (d *Dispatcher) handleChatMessage(connectionID string, frame *Frame) bool {
	req := &types.ChatRequest{
		ConversationID:   types.StringField(frame.Fields, "conversation_id"),
		UserID:           types.StringField(frame.Fields, "user_id"),
		Message:          types.StringField(frame.Fields, "message"),
		EnableStreaming:  types.BoolField(frame.Fields, "enable_streaming"),
		EnableMemory:     types.BoolField(frame.Fields, "enable_memory_enhancement"),
		SourceConnection: connectionID,
	}

	acked := d.reply(connectionID, frame.ID, "chat_message_ack", map[string]any{
		"conversation_id": req.ConversationID,
	})

	go func() {
		result, err := d.agent.ExecuteChat(context.Background(), req)
		if err != nil {
			d.log.Error().
				Str("conversation_id", req.ConversationID).
				Err(err).
				Msg("chat execution failed")
			d.routeResult(connectionID, frame.ID, "chat_message_response", map[string]any{
				"conversation_id": req.ConversationID,
				"error":           err.Error(),
			})
			return
		}
		d.routeResult(connectionID, frame.ID, "chat_message_response", map[string]any{
			"conversation_id": result.ConversationID,
			"response":        result.Response,
		})
	}()

	return acked
}

// handleSkillExecution mirrors the chat flow for the skill collaborator.
func (d *Dispatcher) handleSkillExecution(connectionID string, frame *Frame) bool {
	req := &types.SkillRequest{
		SkillID:          types.StringField(frame.Fields, "skill_id"),
		UserID:           types.StringField(frame.Fields, "user_id"),
		Parameters:       types.ObjectField(frame.Fields, "parameters"),
		SourceConnection: connectionID,
	}

	acked := d.reply(connectionID, frame.ID, "skill_execution_ack", map[string]any{
		"skill_id": req.SkillID,
	})

	go func() {
		result, err := d.skills.ExecuteSkill(context.Background(), req)
		if err != nil {
			d.log.Error().
				Str("skill_id", req.SkillID).
				Err(err).
				Msg("skill execution failed")
			d.routeResult(connectionID, frame.ID, "skill_execution_response", map[string]any{
				"skill_id": req.SkillID,
				"error":    err.Error(),
			})
			return
		}
		d.routeResult(connectionID, frame.ID, "skill_execution_response", map[string]any{
			"skill_id": result.SkillID,
			"output":   result.Output,
		})
	}()

	return acked
}

// routeResult delivers an asynchronous collaborator result through the
// routing queue rather than writing directly, so results compete with
// other outbound traffic under the same priority and retry rules.
func (d *Dispatcher) routeResult(connectionID, frameID, frameType string, extra map[string]any) {
	frame := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		frame[k] = v
	}
	frame["type"] = frameType
	frame["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	if frameID != "" {
		frame["id"] = frameID
	}
	if _, err := d.queue.SendDirect(connectionID, frame, types.PriorityHigh); err != nil {
		d.log.Warn().
			Str("connection_id", connectionID).
			Err(err).
			Msg("dropping collaborator result, queue rejected it")
	}
}

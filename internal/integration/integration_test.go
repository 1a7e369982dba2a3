package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/api"
	"relay/internal/config"
	"relay/internal/dispatch"
	"relay/internal/metrics"
	"relay/internal/queue"
	"relay/internal/session"
	"relay/internal/transport"
	"relay/pkg/types"
)

// stack is the full transport core wired the same way the application
// does it, served over real WebSockets from an httptest server.
type stack struct {
	conns    *transport.Registry
	sessions *session.Registry
	queue    *queue.Queue
	server   *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	log := zerolog.Nop()

	wsCfg := &config.WebSocketConfig{
		HandshakeTimeout: time.Second,
		PingInterval:     time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     time.Second,
		WriteBuffer:      16,
	}
	conns := transport.NewRegistry(
		&config.RegistryConfig{
			MaxConnections:  100,
			HeartbeatWindow: time.Minute,
			ActivityWindow:  5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		wsCfg, log, met,
	)
	sessions := session.NewRegistry(
		&config.SessionConfig{IdleTimeout: 30 * time.Minute, CleanupInterval: time.Minute},
		conns, log, met,
	)
	conns.SetDisconnectHook(sessions.DisassociateConnection)
	q := queue.New(
		&config.QueueConfig{MaxPending: 1000, DrainInterval: 5 * time.Millisecond, BatchSize: 100},
		conns, sessions, log, met,
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)

	dispatcher := dispatch.New(conns, sessions, q, dispatch.EchoAgent{}, dispatch.EchoSkill{}, log, met)
	wsHandler := transport.NewHandler(conns, dispatcher, wsCfg, log)
	srv := httptest.NewServer(api.NewServer(conns, sessions, q, wsHandler, reg, log))
	t.Cleanup(srv.Close)

	return &stack{conns: conns, sessions: sessions, queue: q, server: srv}
}

// client is one connected WebSocket client with helpers for the frame
// protocol.
type client struct {
	t    *testing.T
	ws   *websocket.Conn
	conn string // connection id from the establishment ack
}

func (s *stack) dial(t *testing.T, clientID string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?client_id=" + clientID
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	c := &client{t: t, ws: ws}
	ack := c.read()
	require.Equal(t, "connection_established", ack["type"])
	c.conn = ack["connection_id"].(string)
	return c
}

func (c *client) send(frame map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(frame))
}

func (c *client) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(c.t, c.ws.ReadJSON(&frame))
	return frame
}

// readType reads frames until one of the given type arrives, tolerating
// interleaved asynchronous deliveries.
func (c *client) readType(frameType string) map[string]any {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		frame := c.read()
		if frame["type"] == frameType {
			return frame
		}
	}
	c.t.Fatalf("no %s frame arrived", frameType)
	return nil
}

func TestSessionLifecycleAcrossClients(t *testing.T) {
	s := newStack(t)
	a := s.dial(t, "client-a")
	b := s.dial(t, "client-b")

	a.send(map[string]any{
		"type":         "session_create",
		"id":           "create-1",
		"user_id":      "alice",
		"session_type": "chat",
	})
	created := a.readType("session_create_response")
	sessionID := created["session_id"].(string)
	require.NotEmpty(t, sessionID)

	b.send(map[string]any{"type": "session_join", "session_id": sessionID})
	joined := b.readType("session_join_response")
	assert.Equal(t, true, joined["success"])

	assert.Equal(t, 2, s.sessions.SendToSession(sessionID, map[string]any{"type": "notify"}))
	assert.Equal(t, "notify", a.readType("notify")["type"])
	assert.Equal(t, "notify", b.readType("notify")["type"])

	// Dropping one client shrinks the delivery set without touching the
	// session itself.
	s.conns.Disconnect(a.conn, "test teardown")
	require.Eventually(t, func() bool {
		return s.sessions.SendToSession(sessionID, map[string]any{"type": "notify"}) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestClientCloseClearsSessionAssociation(t *testing.T) {
	s := newStack(t)
	a := s.dial(t, "client-a")

	a.send(map[string]any{
		"type":         "session_create",
		"id":           "create-1",
		"user_id":      "alice",
		"session_type": "chat",
	})
	sessionID := a.readType("session_create_response")["session_id"].(string)

	_, ok := s.sessions.SessionForConnection(a.conn)
	require.True(t, ok)

	// The client hangs up; the read loop tears the connection down and
	// the session registry must drop the mapping without operator help.
	require.NoError(t, a.ws.Close())
	require.Eventually(t, func() bool {
		_, ok := s.sessions.SessionForConnection(a.conn)
		return !ok
	}, time.Second, 10*time.Millisecond)

	// The session itself survives its last connection.
	_, ok = s.sessions.GetSession(sessionID)
	assert.True(t, ok)
}

func TestGroupRoutingThroughQueue(t *testing.T) {
	s := newStack(t)
	a := s.dial(t, "client-a")
	b := s.dial(t, "client-b")

	a.send(map[string]any{"type": "subscribe", "channels": []string{"alerts"}})
	a.readType("subscribe_response")
	b.send(map[string]any{"type": "subscribe", "channels": []string{"alerts"}})
	b.readType("subscribe_response")

	_, err := s.queue.SendToGroup("alerts", map[string]any{"type": "alert", "severity": "high"}, types.PriorityUrgent)
	require.NoError(t, err)

	assert.Equal(t, "high", a.readType("alert")["severity"])
	assert.Equal(t, "high", b.readType("alert")["severity"])
}

func TestChatRoundTripOverWire(t *testing.T) {
	s := newStack(t)
	a := s.dial(t, "client-a")

	a.send(map[string]any{
		"type":                      "chat_message",
		"id":                        "chat-1",
		"conversation_id":           "conv-1",
		"user_id":                   "alice",
		"message":                   "ping",
		"enable_streaming":          false,
		"enable_memory_enhancement": false,
	})

	ack := a.readType("chat_message_ack")
	assert.Equal(t, "chat-1", ack["id"])

	result := a.readType("chat_message_response")
	assert.Equal(t, "echo: ping", result["response"])
	assert.Equal(t, "chat-1", result["id"])
}

func TestManagementSurfaceSeesLiveState(t *testing.T) {
	s := newStack(t)
	a := s.dial(t, "client-a")

	resp, err := http.Get(s.server.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	conns := stats["connections"].(map[string]any)
	assert.EqualValues(t, 1, conns["total_connections"])

	req, err := http.NewRequest(http.MethodDelete, s.server.URL+"/api/connections/"+a.conn, nil)
	require.NoError(t, err)
	deleteResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	deleteResp.Body.Close()
	assert.Equal(t, http.StatusOK, deleteResp.StatusCode)

	require.Eventually(t, func() bool { return s.conns.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	s := newStack(t)
	a := s.dial(t, "client-a")

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("{broken")))
	errFrame := a.readType("error")
	assert.Equal(t, "invalid_json", errFrame["error_code"])

	// The connection still works after the protocol error.
	a.send(map[string]any{"type": "heartbeat"})
	a.readType("heartbeat_response")
}

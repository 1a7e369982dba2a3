package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
)

// recordingDispatcher collects frames handed to HandleMessage.
type recordingDispatcher struct {
	mu     sync.Mutex
	frames []string
}

func (d *recordingDispatcher) HandleMessage(connectionID string, raw []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, string(raw))
	return true
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func newTestServer(t *testing.T, maxConns int) (*httptest.Server, *Registry, *recordingDispatcher) {
	t.Helper()

	wsCfg := &config.WebSocketConfig{
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     time.Second,
		WriteBuffer:      16,
	}
	registry := newTestRegistry(maxConns)
	registry.ws = wsCfg

	dispatcher := &recordingDispatcher{}
	handler := NewHandler(registry, dispatcher, wsCfg, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, registry, dispatcher
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandler_RejectsMissingClientID(t *testing.T) {
	srv, _, _ := newTestServer(t, 10)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_RejectsInvalidClientType(t *testing.T) {
	srv, _, _ := newTestServer(t, 10)

	resp, err := http.Get(srv.URL + "/ws?client_id=a&client_type=toaster")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_ConnectReceivesAck(t *testing.T) {
	srv, registry, _ := newTestServer(t, 10)

	conn := dialWS(t, srv, "client_id=client-a&client_type=cli")

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "connection_established", ack["type"])
	assert.NotEmpty(t, ack["connection_id"])
	assert.Equal(t, 1, registry.Count())
}

func TestHandler_FramesReachDispatcherInOrder(t *testing.T) {
	srv, _, dispatcher := newTestServer(t, 10)

	conn := dialWS(t, srv, "client_id=client-a")
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))

	for i := 0; i < 5; i++ {
		frame, _ := json.Marshal(map[string]any{"type": "heartbeat", "seq": i})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}

	require.Eventually(t, func() bool { return dispatcher.count() == 5 }, 2*time.Second, 10*time.Millisecond)

	// Per-connection frames arrive strictly in send order.
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	for i, raw := range dispatcher.frames {
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &frame))
		assert.Equal(t, float64(i), frame["seq"])
	}
}

func TestHandler_DisconnectCleansRegistry(t *testing.T) {
	srv, registry, _ := newTestServer(t, 10)

	conn := dialWS(t, srv, "client_id=client-a")
	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, 1, registry.Count())

	conn.Close()
	require.Eventually(t, func() bool { return registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_CapacityClosesSocket(t *testing.T) {
	srv, registry, _ := newTestServer(t, 1)

	first := dialWS(t, srv, "client_id=client-a")
	var ack map[string]any
	require.NoError(t, first.ReadJSON(&ack))
	require.Equal(t, 1, registry.Count())

	// The second dial upgrades but is closed immediately at capacity.
	second := dialWS(t, srv, "client_id=client-b")
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, registry.Count())
}

package transport

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"relay/internal/config"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// FrameHandler consumes one inbound frame. Implemented by the message
// dispatcher; declared here so the transport layer does not import it.
type FrameHandler interface {
	HandleMessage(connectionID string, raw []byte) bool
}

// Handler upgrades HTTP requests to WebSocket connections and runs the
// per-connection read pump. Each connection's frames are handled strictly
// in arrival order because the pump is sequential; frames from different
// connections dispatch concurrently.
type Handler struct {
	registry   *Registry
	dispatcher FrameHandler
	cfg        *config.WebSocketConfig
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewHandler wires the upgrade endpoint to the registry and dispatcher.
func NewHandler(registry *Registry, dispatcher FrameHandler, cfg *config.WebSocketConfig, log zerolog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.With().Str("component", "ws_handler").Logger(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			// Origin checking is an authn concern handled upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS handles a WebSocket connection request. Query parameters:
// client_id (required), client_type (optional, default web).
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, ErrMissingClientID.Error(), http.StatusBadRequest)
		return
	}

	clientType := types.ClientType(r.URL.Query().Get("client_type"))
	if clientType == "" {
		clientType = types.ClientTypeWeb
	}
	if !clientType.IsValid() {
		http.Error(w, ErrInvalidClientType.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn, err := h.registry.Connect(newWSTransport(wsConn, h.cfg.WriteTimeout), clientID, clientType, nil)
	if err != nil {
		if errors.Is(err, interfaces.ErrRegistryFull) {
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity")
			_ = wsConn.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		_ = wsConn.Close()
		return
	}

	go h.readPump(conn, wsConn)
}

// readPump owns the receive side of one connection: protocol keepalive
// plus sequential frame dispatch. On exit the connection is removed from
// the registry, which also purges its group memberships.
func (h *Handler) readPump(conn *Connection, wsConn *websocket.Conn) {
	defer h.registry.Disconnect(conn.ID, "connection closed")

	if err := wsConn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	// Protocol-level pings run alongside application heartbeats so proxies
	// keep the socket open even when the client is quiet.
	go h.pingLoop(conn, wsConn)

	for {
		messageType, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug().Str("connection_id", conn.ID).Err(err).Msg("read error")
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		conn.TouchActivity()
		h.dispatcher.HandleMessage(conn.ID, data)
	}
}

func (h *Handler) pingLoop(conn *Connection, wsConn *websocket.Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := wsConn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

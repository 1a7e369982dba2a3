package transport

import (
	"time"

	"github.com/gorilla/websocket"

	"relay/pkg/interfaces"
)

// wsTransport adapts a gorilla connection to interfaces.Transport. The
// connection's writer goroutine is the only caller of Write; control
// frames (pings) go through WriteControl, which gorilla allows next to a
// single data writer.
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func newWSTransport(conn *websocket.Conn, writeWait time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeWait: writeWait}
}

func (t *wsTransport) Write(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

var _ interfaces.Transport = (*wsTransport)(nil)

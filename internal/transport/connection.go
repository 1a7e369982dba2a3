package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Connection is one live duplex channel to a client. Writes are serialized
// through a buffered channel and a single writer goroutine; all other
// fields are guarded by the connection's own mutex so heartbeat and
// activity updates never contend with registry-level locks.
type Connection struct {
	// ID is the generated connection identifier; distinct from ClientID,
	// which many connections may share over time (reconnects).
	ID         string
	ClientID   string
	ClientType types.ClientType

	transport interfaces.Transport
	writeCh   chan []byte
	writeWait time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu            sync.RWMutex
	status        types.ConnectionStatus
	createdAt     time.Time
	lastActivity  time.Time
	lastHeartbeat time.Time
	metadata      map[string]any

	messageCount atomic.Int64
	errorCount   atomic.Int64
}

func newConnection(id, clientID string, clientType types.ClientType, metadata map[string]any, t interfaces.Transport, buffer int, writeWait time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	if metadata == nil {
		metadata = make(map[string]any)
	}

	c := &Connection{
		ID:            id,
		ClientID:      clientID,
		ClientType:    clientType,
		transport:     t,
		writeCh:       make(chan []byte, buffer),
		writeWait:     writeWait,
		ctx:           ctx,
		cancel:        cancel,
		status:        types.ConnectionStatusConnected,
		createdAt:     now,
		lastActivity:  now,
		lastHeartbeat: now,
		metadata:      metadata,
	}

	go c.writeLoop()

	return c
}

// writeLoop is the single writer. A failed transport write stops the loop;
// the read side notices the dead transport and disconnects.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.transport.Write(data); err != nil {
				c.errorCount.Add(1)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send marshals v and queues it for the writer goroutine.
func (c *Connection) Send(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidPayload
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeWait):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and tears down the transport. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.transport.Close()
	})
	return err
}

// TouchHeartbeat records a heartbeat. The timestamp is monotonically
// non-decreasing: a stale clock reading never moves it backwards.
func (c *Connection) TouchHeartbeat() {
	now := time.Now()
	c.mu.Lock()
	if now.After(c.lastHeartbeat) {
		c.lastHeartbeat = now
	}
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	if c.status == types.ConnectionStatusIdle {
		c.status = types.ConnectionStatusActive
	}
	c.mu.Unlock()
}

// TouchActivity records send/receive activity. A connection the stale
// sweep marked idle comes back to active here.
func (c *Connection) TouchActivity() {
	now := time.Now()
	c.mu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	if c.status == types.ConnectionStatusIdle {
		c.status = types.ConnectionStatusActive
	}
	c.mu.Unlock()
}

// Status returns the lifecycle status.
func (c *Connection) Status() types.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) setStatus(s types.ConnectionStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// LastHeartbeat returns the most recent heartbeat time.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// LastActivity returns the most recent activity time.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// CreatedAt returns the connection creation time.
func (c *Connection) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.createdAt
}

// SetMetadata stores one metadata entry.
func (c *Connection) SetMetadata(key string, value any) {
	c.mu.Lock()
	c.metadata[key] = value
	c.mu.Unlock()
}

// Metadata returns a copy of the metadata map.
func (c *Connection) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// MessageCount returns the number of successfully sent messages.
func (c *Connection) MessageCount() int64 { return c.messageCount.Load() }

// ErrorCount returns the number of transport write failures.
func (c *Connection) ErrorCount() int64 { return c.errorCount.Load() }

// Info is a read-only snapshot of a connection for the management surface.
type Info struct {
	ID            string                 `json:"id"`
	ClientID      string                 `json:"client_id"`
	ClientType    types.ClientType       `json:"client_type"`
	Status        types.ConnectionStatus `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	LastActivity  time.Time              `json:"last_activity"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	Groups        []string               `json:"groups"`
	MessageCount  int64                  `json:"message_count"`
	ErrorCount    int64                  `json:"error_count"`
}

func (c *Connection) snapshot(groups []string) Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:            c.ID,
		ClientID:      c.ClientID,
		ClientType:    c.ClientType,
		Status:        c.status,
		CreatedAt:     c.createdAt,
		LastActivity:  c.lastActivity,
		LastHeartbeat: c.lastHeartbeat,
		Groups:        groups,
		MessageCount:  c.messageCount.Load(),
		ErrorCount:    c.errorCount.Load(),
	}
}

// IsAlive reports whether the connection heartbeated within the timeout.
// Pure predicate; eviction happens only in the cleanup loop, never inline
// on send.
func IsAlive(c *Connection, heartbeatTimeout time.Duration) bool {
	return time.Since(c.LastHeartbeat()) < heartbeatTimeout
}

// IsActive reports whether the connection saw activity within the timeout.
func IsActive(c *Connection, activityTimeout time.Duration) bool {
	return time.Since(c.LastActivity()) < activityTimeout
}

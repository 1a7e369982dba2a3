package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/pkg/types"
)

// fakeTransport records written frames and can be told to fail.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) lastFrame() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(f.frames[len(f.frames)-1], &out)
	return out
}

func (f *fakeTransport) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func newTestConnection(t *fakeTransport) *Connection {
	return newConnection("conn-1", "client-1", types.ClientTypeWeb, nil, t, 16, time.Second)
}

func TestConnection_SendDeliversThroughWriter(t *testing.T) {
	ft := &fakeTransport{}
	conn := newTestConnection(ft)
	defer conn.Close()

	require.NoError(t, conn.Send(map[string]any{"type": "notify"}))

	require.Eventually(t, func() bool { return ft.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "notify", ft.lastFrame()["type"])
}

func TestConnection_SendUnmarshalableValue(t *testing.T) {
	ft := &fakeTransport{}
	conn := newTestConnection(ft)
	defer conn.Close()

	err := conn.Send(make(chan int))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestConnection_SendAfterClose(t *testing.T) {
	ft := &fakeTransport{}
	conn := newTestConnection(ft)

	require.NoError(t, conn.Close())
	assert.True(t, ft.closed)

	err := conn.Send(map[string]any{"type": "notify"})
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// Close is idempotent.
	assert.NoError(t, conn.Close())
}

func TestConnection_HeartbeatMonotonic(t *testing.T) {
	ft := &fakeTransport{}
	conn := newTestConnection(ft)
	defer conn.Close()

	first := conn.LastHeartbeat()
	time.Sleep(2 * time.Millisecond)
	conn.TouchHeartbeat()
	second := conn.LastHeartbeat()
	assert.True(t, second.After(first), "heartbeat must move forward")

	// A heartbeat also counts as activity.
	assert.False(t, conn.LastActivity().Before(second))
}

func TestConnection_LivenessPredicates(t *testing.T) {
	ft := &fakeTransport{}
	conn := newTestConnection(ft)
	defer conn.Close()

	assert.True(t, IsAlive(conn, time.Minute))
	assert.True(t, IsActive(conn, time.Minute))

	conn.mu.Lock()
	conn.lastHeartbeat = time.Now().Add(-2 * time.Minute)
	conn.lastActivity = time.Now().Add(-10 * time.Minute)
	conn.mu.Unlock()

	assert.False(t, IsAlive(conn, time.Minute))
	assert.False(t, IsActive(conn, 5*time.Minute))
}

func TestConnection_MetadataAndSnapshot(t *testing.T) {
	ft := &fakeTransport{}
	conn := newConnection("conn-2", "client-2", types.ClientTypeCLI, map[string]any{"agent": "v1"}, ft, 16, time.Second)
	defer conn.Close()

	conn.SetMetadata("region", "eu")
	md := conn.Metadata()
	assert.Equal(t, "v1", md["agent"])
	assert.Equal(t, "eu", md["region"])

	// The returned map is a copy.
	md["region"] = "us"
	assert.Equal(t, "eu", conn.Metadata()["region"])

	info := conn.snapshot([]string{"team-x"})
	assert.Equal(t, "conn-2", info.ID)
	assert.Equal(t, types.ClientTypeCLI, info.ClientType)
	assert.Equal(t, types.ConnectionStatusConnected, info.Status)
	assert.Equal(t, []string{"team-x"}, info.Groups)
}

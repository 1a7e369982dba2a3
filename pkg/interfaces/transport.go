package interfaces

// Transport is one physical duplex channel to a client. The connection
// registry owns a connection only while its transport is open.
//
// Implementations must tolerate concurrent Write calls or be wrapped by a
// single-writer connection; the production WebSocket adapter serializes
// writes through a buffered channel.
type Transport interface {
	// Write sends one outbound frame. A returned error is local to this
	// transport: the caller records it and moves on, it never aborts a
	// fan-out.
	Write(data []byte) error

	// Close tears down the underlying channel. Must be idempotent.
	Close() error
}

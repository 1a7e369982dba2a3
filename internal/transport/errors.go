package transport

import "errors"

// Connection-side errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timed out")
	ErrInvalidPayload   = errors.New("payload is not JSON-marshalable")
)

// Handler-side errors.
var (
	ErrMissingClientID   = errors.New("client_id query parameter is required")
	ErrInvalidClientType = errors.New("invalid client_type")
)

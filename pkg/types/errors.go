package types

import "errors"

// Frame validation errors. These surface in typed error replies; they never
// close the offending connection.
var (
	ErrMissingField       = errors.New("missing required field")
	ErrInvalidField       = errors.New("invalid field")
	ErrInvalidSessionType = errors.New("invalid session type")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidStrategy    = errors.New("invalid routing strategy")
	ErrInvalidPriority    = errors.New("invalid priority")
)

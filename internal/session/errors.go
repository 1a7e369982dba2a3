package session

import "errors"

// ErrSessionNotFound names the unknown-session condition for callers that
// surface it in a reply. The registry itself never raises it: unknown
// identifiers degrade to false/0/empty.
var ErrSessionNotFound = errors.New("session not found")

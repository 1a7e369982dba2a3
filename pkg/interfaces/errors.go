package interfaces

import "errors"

// Capacity errors shared across component boundaries. These are the only
// conditions registries surface as errors; everything else degrades to
// false/0/empty.
var (
	ErrRegistryFull = errors.New("connection registry at capacity")
	ErrQueueFull    = errors.New("routing queue at capacity")
)

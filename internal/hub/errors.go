package hub

import "errors"

// Hub error types.
var (
	ErrHubNotRunning     = errors.New("hub not running")
	ErrHubAlreadyRunning = errors.New("hub already running")
	ErrQueueFull         = errors.New("event queue full")
	ErrNilEvent          = errors.New("event cannot be nil")
)

package registry

import "errors"

// Registry error types.
var (
	ErrNilConnection    = errors.New("connection cannot be nil")
	ErrUnknownComponent = errors.New("component not registered")
	ErrRegistryRunning  = errors.New("registry health loops already running")
)

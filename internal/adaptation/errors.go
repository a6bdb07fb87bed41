package adaptation

import "errors"

// Adaptation engine error types.
var (
	ErrEngineNotReady    = errors.New("adaptation engine not initialized")
	ErrAdaptationPending = errors.New("adaptation already in flight for session")
	ErrUnknownSignalKind = errors.New("unknown telemetry signal kind")
)

package session

import "errors"

// Session lifecycle error types. Lookup failures use the shared
// types.NotFoundError taxonomy; these cover the state-machine violations.
var (
	// ErrSessionAlreadyEnded is the contract for ending a completed
	// session: an explicit error, not idempotent success, so the terminal
	// invariant stays observable to callers.
	ErrSessionAlreadyEnded = errors.New("session is already ended")

	// ErrSessionCompleted rejects mutations (patches, joy moments,
	// adaptation results) arriving after the session reached its terminal
	// state.
	ErrSessionCompleted = errors.New("session has completed and is immutable")

	// ErrInvalidEndReason rejects end requests outside the declared reason
	// set.
	ErrInvalidEndReason = errors.New("invalid end reason")
)

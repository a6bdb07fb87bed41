package interfaces

import "joybridge/pkg/types"

// SessionReader is the read-only projection of session state. Components
// that must never mutate sessions directly (adaptation engine, orchestrator)
// receive this instead of the manager itself.
type SessionReader interface {
	// Snapshot returns a point-in-time copy of one active session,
	// including derived metrics. types.ErrNotFound when absent.
	Snapshot(sessionID string) (*types.SessionSnapshot, error)

	// Snapshots returns copies of all active sessions matching the filter.
	Snapshots(filter types.SessionFilter) []*types.SessionSnapshot
}

// AdaptationSink is the single mutation the adaptation engine is allowed to
// request against a session: recording a successfully applied adaptation.
// Implementations reject the call when the session has already completed so
// late results cannot reopen terminal state.
type AdaptationSink interface {
	ApplyAdaptation(sessionID, eventID string) error
}

// ReadinessChecker gates operations on the availability of required external
// collaborators.
type ReadinessChecker interface {
	IsSystemReady() bool
	MissingComponents() []string
}

package interfaces

import (
	"context"

	"joybridge/pkg/types"
)

// ProfileClient is the outbound interface to the external student-data
// collaborator serving unified student profiles.
type ProfileClient interface {
	// Profile fetches the unified profile for a student. types.ErrNotFound
	// when the collaborator has no record.
	Profile(ctx context.Context, studentID string) (*types.StudentProfile, error)

	// Ping probes collaborator reachability.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close() error
}

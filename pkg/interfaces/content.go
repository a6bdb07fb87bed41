package interfaces

import (
	"context"

	"joybridge/pkg/types"
)

// ContentClient is the outbound interface to the content-generation
// collaborator. The generation algorithm itself is external; the core only
// depends on these three calls.
type ContentClient interface {
	// InitialExperience requests the mandatory first experience for a new
	// session. Failure here fails session creation.
	InitialExperience(ctx context.Context, req *types.ExperienceRequest) (*types.Experience, error)

	// Adapt requests adapted content for a dispatched adaptation event.
	// Failures are isolated to the event and never abort the session.
	Adapt(ctx context.Context, req *types.AdaptationRequest) (*types.Experience, error)

	// Ping probes collaborator reachability for readiness checks.
	Ping(ctx context.Context) error
}

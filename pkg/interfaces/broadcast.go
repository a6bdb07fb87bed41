package interfaces

import "joybridge/pkg/types"

// Broadcaster fans outbound events to dashboard subscribers. Delivery is
// best effort: per-recipient failures are logged by the implementation and
// never propagate to the producer.
type Broadcaster interface {
	// BroadcastToClassroom delivers an event to every dashboard subscribed
	// to the classroom.
	BroadcastToClassroom(classID string, event *types.EventEnvelope)

	// BroadcastToDashboards delivers an event to every connected dashboard
	// regardless of classroom scope.
	BroadcastToDashboards(event *types.EventEnvelope)
}

package interfaces

import (
	"context"

	"joybridge/pkg/types"
)

// HistoryStore is the archive for terminated sessions and resolved
// adaptation events. Active state stays in memory; the store only ever sees
// records that have reached a terminal status.
type HistoryStore interface {
	// ArchiveSession persists a completed session, its joy moments, and the
	// computed summary.
	ArchiveSession(ctx context.Context, session *types.Session, summary *types.SessionSummary) error

	// ArchiveAdaptationEvent persists a resolved (succeeded or failed)
	// adaptation event.
	ArchiveAdaptationEvent(ctx context.Context, event *types.AdaptationEvent) error

	// GetSession retrieves an archived session by id. types.ErrNotFound
	// when absent.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// GetAdaptationEvents returns archived adaptation events for a session
	// in chronological order.
	GetAdaptationEvents(ctx context.Context, sessionID string) ([]*types.AdaptationEvent, error)

	// HealthCheck verifies store connectivity.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and closes the store.
	Close() error
}

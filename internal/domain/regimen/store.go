package regimen

import "context"

// Store persists schedule snapshots together with their uncommitted events.
//
// Create stores a new schedule at version 1. Update succeeds only when the stored version
// equals s.Version and otherwise fails with ErrVersionConflict; on success it increments
// s.Version. Both clear s.Changes() once the events are durably recorded. Get returns a
// *NotFoundError for unknown ids.
type Store interface {
	Get(ctx context.Context, id string) (*Schedule, error)
	Create(ctx context.Context, s *Schedule) error
	Update(ctx context.Context, s *Schedule) error
	ListActive(ctx context.Context) ([]string, error)
}

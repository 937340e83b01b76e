package appointment

import (
	"context"
)

// Store is the durable appointment collection the scheduler works against.
//
// Save must reject a write whose Version no longer matches the stored row
// (ErrStaleWrite) and, where the backend can enforce it, a write that would
// overlap another non-cancelled appointment (ErrOverlap). The scheduler's own
// conflict check only sees a snapshot; these are what close the race between
// two callers.
type Store interface {
	// FetchAppointments returns appointments whose start falls in rng, ordered by start.
	FetchAppointments(ctx context.Context, rng DateRange, filters AgendaFilters) ([]Appointment, error)
	// Get returns ErrNotFound when the id is unknown.
	Get(ctx context.Context, id string) (Appointment, error)
	// Save inserts (Version == 0) or updates the appointment and returns the stored row.
	Save(ctx context.Context, a Appointment) (Appointment, error)
	// Delete returns ErrNotFound when the id is unknown.
	Delete(ctx context.Context, id string) error
}

// RoomCatalog exposes the externally managed room inventory.
type RoomCatalog interface {
	ListRooms(ctx context.Context) ([]ConsultingRoom, error)
}

// BlockSource yields blocked-time entries for the calendar.
type BlockSource interface {
	FetchBlocks(ctx context.Context, rng DateRange) ([]Block, error)
}

// EventSink receives domain events after a mutation has been committed.
type EventSink interface {
	RecordEvent(ctx context.Context, ev EventLog) error
}

// IdempotencyStore remembers which appointment a client supplied key produced.
type IdempotencyStore interface {
	// Reserve claims key. It returns the appointment id of a finished earlier
	// request, or "" when the caller now owns the key.
	Reserve(ctx context.Context, key string) (string, error)
	Commit(ctx context.Context, key, appointmentID string) error
	Release(ctx context.Context, key string) error
}

package appointment

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. It enforces the same version and
// overlap rules as the Postgres schema, which makes it a faithful stand-in for
// dry runs and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	appointments map[string]Appointment
	rooms        []ConsultingRoom
	blocks       []Block
	events       []EventLog
}

func NewMemoryStore(rooms ...ConsultingRoom) *MemoryStore {
	return &MemoryStore{
		appointments: make(map[string]Appointment),
		rooms:        append([]ConsultingRoom(nil), rooms...),
	}
}

func (m *MemoryStore) FetchAppointments(ctx context.Context, rng DateRange, filters AgendaFilters) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Appointment, 0)
	for _, a := range m.appointments {
		if !rng.Contains(a.Start) || !filters.Matches(a) {
			continue
		}
		out = append(out, a)
	}
	SortByStart(out)
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Appointment, error) {
	if err := ctx.Err(); err != nil {
		return Appointment{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.appointments[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) Save(ctx context.Context, a Appointment) (Appointment, error) {
	if err := ctx.Err(); err != nil {
		return Appointment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.appointments[a.ID]
	switch {
	case a.Version == 0 && exists:
		return Appointment{}, ErrStaleWrite
	case a.Version != 0 && !exists:
		return Appointment{}, ErrNotFound
	case exists && stored.Version != a.Version:
		return Appointment{}, ErrStaleWrite
	}

	if a.Status != StatusCancelled {
		for id, other := range m.appointments {
			if id == a.ID || other.Status == StatusCancelled {
				continue
			}
			if other.RoomID != a.RoomID && other.TherapistID != a.TherapistID {
				continue
			}
			if other.Overlaps(a.Start, a.End()) {
				return Appointment{}, ErrOverlap
			}
		}
	}

	a.Version++
	m.appointments[a.ID] = a
	return a, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.appointments[id]; !ok {
		return ErrNotFound
	}
	delete(m.appointments, id)
	return nil
}

func (m *MemoryStore) ListRooms(ctx context.Context) ([]ConsultingRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]ConsultingRoom(nil), m.rooms...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AddBlock registers a blocked-time entry.
func (m *MemoryStore) AddBlock(b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, b)
}

func (m *MemoryStore) FetchBlocks(ctx context.Context, rng DateRange) ([]Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Block, 0)
	for _, b := range m.blocks {
		if b.Start.Before(rng.End) && rng.Start.Before(b.End) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *MemoryStore) RecordEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of every recorded event in order.
func (m *MemoryStore) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventLog(nil), m.events...)
}

// Len returns the number of stored appointments.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.appointments)
}

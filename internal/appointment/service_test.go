package appointment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-agenda/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-agenda/internal/redis"
)

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n)
}

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(ConsultingRoom{ID: "R1", Name: "Sala 1"}, ConsultingRoom{ID: "R2", Name: "Sala 2"})
	ids := &sequentialIDs{}
	base := []Option{
		WithEventSink(store),
		WithIDGenerator(ids.next),
		WithClock(func() time.Time { return time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC) }),
	}
	return NewScheduler(store, append(base, opts...)...), store
}

func newBooking(room, therapist string, start time.Time, minutes int) NewAppointment {
	return NewAppointment{
		PatientID:       "P1",
		PatientName:     "Ana Gómez",
		TherapistID:     therapist,
		RoomID:          room,
		Start:           start,
		DurationMinutes: minutes,
		Cost:            decimal.NewFromInt(40),
		Motive:          "Control",
	}
}

func TestSchedulerExampleFlow(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t)

	a, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, a.Status)
	assert.Equal(t, 1, a.Version)

	_, err = s.Create(ctx, newBooking("R1", "T2", at(9, 15), 30))
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, a.ID, cErr.BlockingID)
	assert.Equal(t, ResourceRoom, cErr.Resource)
	assert.Equal(t, 1, store.Len())

	moved, err := s.Move(ctx, a.ID, at(10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, at(10, 30), moved.End())
	assert.Equal(t, 30, moved.DurationMinutes)

	_, err = s.ChangeStatus(ctx, a.ID, StatusCompleted)
	var tErr *IllegalTransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, StatusReserved, tErr.From)

	stored, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, stored.Status)
	assert.Equal(t, at(10, 0), stored.Start)
}

func TestSchedulerCreateValidation(t *testing.T) {
	s, store := newTestScheduler(t)

	in := newBooking("", "", time.Time{}, 0)
	in.PatientID = ""
	in.Cost = decimal.NewFromInt(-1)

	_, err := s.Create(context.Background(), in)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	for _, field := range []string{"patient_id", "therapist_id", "room_id", "start", "duration_minutes", "cost"} {
		assert.Contains(t, vErr.FieldErrors, field)
	}
	assert.Zero(t, store.Len())

	_, err = s.Create(context.Background(), newBooking("R1", "T1", at(9, 0), MaxDurationMinutes+1))
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.FieldErrors, "duration_minutes")
}

func TestSchedulerConflictAcrossMidnight(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	late, err := s.Create(ctx, newBooking("R1", "T1", at(23, 0), 120))
	require.NoError(t, err)

	nextMorning := time.Date(2024, 3, 2, 0, 30, 0, 0, time.UTC)
	_, err = s.Create(ctx, newBooking("R1", "T2", nextMorning, 30))
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, late.ID, cErr.BlockingID)
}

func TestSchedulerMoveAndResize(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t)

	a, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)
	b, err := s.Create(ctx, newBooking("R2", "T1", at(10, 0), 30))
	require.NoError(t, err)

	// Resizing a into b's therapist slot is rejected and leaves a untouched.
	_, err = s.Resize(ctx, a.ID, 90)
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, b.ID, cErr.BlockingID)
	assert.Equal(t, ResourceTherapist, cErr.Resource)

	stored, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, stored.DurationMinutes)
	assert.Equal(t, a.Version, stored.Version)

	resized, err := s.Resize(ctx, a.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, at(10, 0), resized.End())

	// Moving onto its own previous interval is not a self conflict.
	d := 45
	moved, err := s.Move(ctx, a.ID, at(9, 15), &d)
	require.NoError(t, err)
	assert.Equal(t, at(10, 0), moved.End())

	_, err = s.Resize(ctx, a.ID, 0)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	_, err = s.Move(ctx, "missing", at(12, 0), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSchedulerMoveTerminalAppointmentIsRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	a, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)
	_, err = s.ChangeStatus(ctx, a.ID, StatusCancelled)
	require.NoError(t, err)

	_, err = s.Move(ctx, a.ID, at(11, 0), nil)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.FieldErrors, "status")
}

func TestSchedulerCancelledFreesSlot(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	a, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)
	_, err = s.ChangeStatus(ctx, a.ID, StatusCancelled)
	require.NoError(t, err)

	_, err = s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	assert.NoError(t, err)
}

func TestSchedulerChangeStatusPath(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t)

	a, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)

	for _, next := range []Status{StatusConfirmed, StatusConfirmed, StatusCheckedIn, StatusCompleted} {
		a, err = s.ChangeStatus(ctx, a.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, a.Status)
	}

	_, err = s.ChangeStatus(ctx, a.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = s.ChangeStatus(ctx, a.ID, StatusCompleted)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	var changes int
	for _, ev := range store.Events() {
		if ev.EventType == EventAppointmentStatusChanged {
			changes++
		}
	}
	assert.Equal(t, 3, changes)
}

func TestSchedulerRemove(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t)

	a, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, a.ID))
	assert.Zero(t, store.Len())

	err = s.Remove(ctx, a.ID)
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, a.ID, nfErr.ID)

	events := store.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, EventAppointmentDeleted, events[len(events)-1].EventType)
}

type failingStore struct {
	*MemoryStore
	saveErr  error
	saveFrom int
	saves    int
}

func (f *failingStore) Save(ctx context.Context, a Appointment) (Appointment, error) {
	f.saves++
	if f.saveErr != nil && f.saves >= f.saveFrom {
		return Appointment{}, f.saveErr
	}
	return f.MemoryStore.Save(ctx, a)
}

func TestSchedulerStoreErrors(t *testing.T) {
	ctx := context.Background()

	store := &failingStore{MemoryStore: NewMemoryStore(), saveErr: errors.New("connection reset"), saveFrom: 1}
	s := NewScheduler(store)
	_, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	var sErr *StoreError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "save", sErr.Op)

	store = &failingStore{MemoryStore: NewMemoryStore(), saveErr: ErrOverlap, saveFrom: 1}
	s = NewScheduler(store)
	_, err = s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Empty(t, cErr.BlockingID)
	assert.ErrorIs(t, err, ErrOverlap)
}

func TestSchedulerRereadsAfterConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t)

	a, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)

	// Another writer bumps the version behind the scheduler's back.
	_, err = store.Save(ctx, a)
	require.NoError(t, err)
	_, err = store.Save(ctx, a)
	require.ErrorIs(t, err, ErrStaleWrite)

	_, err = s.ChangeStatus(ctx, a.ID, StatusConfirmed)
	require.NoError(t, err)
}

func TestSchedulerCreateSeries(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t)

	rule := RecurrenceRule{Frequency: FrequencyWeekly, Count: 4}
	series, err := s.CreateSeries(ctx, newBooking("R1", "T1", at(9, 0), 60), rule)
	require.NoError(t, err)
	require.Len(t, series, 4)
	for i, appt := range series {
		assert.Equal(t, at(9, 0).AddDate(0, 0, 7*i), appt.Start)
		assert.Equal(t, series[0].SeriesID, appt.SeriesID)
		assert.Equal(t, StatusReserved, appt.Status)
	}
	assert.Equal(t, 4, store.Len())
}

func TestSchedulerCreateSeriesIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s, store := newTestScheduler(t)

	blocker, err := s.Create(ctx, newBooking("R1", "T9", at(9, 0).AddDate(0, 0, 14), 30))
	require.NoError(t, err)

	_, err = s.CreateSeries(ctx, newBooking("R1", "T1", at(9, 0), 60), RecurrenceRule{Frequency: FrequencyWeekly, Count: 4})
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, blocker.ID, cErr.BlockingID)
	assert.Equal(t, 1, store.Len())
}

func TestSchedulerCreateSeriesRollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore(), saveErr: errors.New("disk full"), saveFrom: 3}
	s := NewScheduler(store)

	_, err := s.CreateSeries(ctx, newBooking("R1", "T1", at(9, 0), 60), RecurrenceRule{Frequency: FrequencyDaily, Count: 5})
	var sErr *StoreError
	require.ErrorAs(t, err, &sErr)
	assert.Zero(t, store.Len())
}

func TestSchedulerCreateSeriesRejectsIdempotencyKey(t *testing.T) {
	s, _ := newTestScheduler(t)
	in := newBooking("R1", "T1", at(9, 0), 60)
	in.IdempotencyKey = "abc"

	_, err := s.CreateSeries(context.Background(), in, RecurrenceRule{Frequency: FrequencyWeekly, Count: 2})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.FieldErrors, "idempotency_key")
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSchedulerIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	s, store := newTestScheduler(t, WithIdempotencyStore(redisclient.NewIdempotencyStore(client, time.Hour)))

	in := newBooking("R1", "T1", at(9, 0), 30)
	in.IdempotencyKey = "retry-1"

	first, err := s.Create(ctx, in)
	require.NoError(t, err)
	second, err := s.Create(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Len())
}

func TestSchedulerIdempotencyKeyReleasedOnFailure(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	s, store := newTestScheduler(t, WithIdempotencyStore(redisclient.NewIdempotencyStore(client, time.Hour)))

	blocker, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)

	in := newBooking("R1", "T2", at(9, 0), 30)
	in.IdempotencyKey = "retry-2"
	_, err = s.Create(ctx, in)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.Remove(ctx, blocker.ID))
	created, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, blocker.ID, created.ID)
	assert.Equal(t, 1, store.Len())
}

func TestSchedulerIdempotencyInFlight(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	idem := redisclient.NewIdempotencyStore(client, time.Hour)
	s, _ := newTestScheduler(t, WithIdempotencyStore(idem))

	owner, err := idem.Reserve(ctx, "slow")
	require.NoError(t, err)
	require.Empty(t, owner)

	in := newBooking("R1", "T1", at(9, 0), 30)
	in.IdempotencyKey = "slow"
	_, err = s.Create(ctx, in)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestSchedulerResourceBusy(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	s, store := newTestScheduler(t, WithLocker(redisclient.NewRedisResourceLocker(client, 5*time.Second)))

	require.NoError(t, mr.Set("lock:room:R1", "someone-else"))

	_, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, ErrResourceBusy)
	assert.Zero(t, store.Len())

	mr.Del("lock:room:R1")
	_, err = s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:room:R1"))
	assert.False(t, mr.Exists("lock:therapist:T1"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metricLoop:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metricLoop
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestSchedulerRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	s, _ := newTestScheduler(t, WithMetrics(metrics.NewSchedulerMetrics(reg)))

	_, err := s.Create(ctx, newBooking("R1", "T1", at(9, 0), 30))
	require.NoError(t, err)
	_, err = s.Create(ctx, newBooking("R1", "T2", at(9, 0), 30))
	require.Error(t, err)

	ops := "clinic_agenda_operations_total"
	assert.Equal(t, 1.0, counterValue(t, reg, ops, map[string]string{"operation": "create", "outcome": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, reg, ops, map[string]string{"operation": "create", "outcome": "conflict"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "clinic_agenda_conflicts_total", map[string]string{"resource": "room"}))
}

// versionOnlyStore enforces versions but accepts overlapping writes, so only
// the scheduler stands between callers and a double booking.
type versionOnlyStore struct {
	mu    sync.Mutex
	appts map[string]Appointment
}

func newVersionOnlyStore() *versionOnlyStore {
	return &versionOnlyStore{appts: make(map[string]Appointment)}
}

func (v *versionOnlyStore) FetchAppointments(_ context.Context, rng DateRange, filters AgendaFilters) ([]Appointment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Appointment, 0)
	for _, a := range v.appts {
		if rng.Contains(a.Start) && filters.Matches(a) {
			out = append(out, a)
		}
	}
	SortByStart(out)
	return out, nil
}

func (v *versionOnlyStore) Get(_ context.Context, id string) (Appointment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.appts[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

func (v *versionOnlyStore) Save(_ context.Context, a Appointment) (Appointment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	stored, exists := v.appts[a.ID]
	if exists && stored.Version != a.Version || !exists && a.Version != 0 {
		return Appointment{}, ErrStaleWrite
	}
	a.Version++
	v.appts[a.ID] = a
	return a, nil
}

func (v *versionOnlyStore) Delete(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.appts[id]; !ok {
		return ErrNotFound
	}
	delete(v.appts, id)
	return nil
}

// randomBookingRun drives a seeded mix of creates, moves, resizes and
// cancellations, then checks the stored agenda for double bookings.
func randomBookingRun(t *testing.T, s *Scheduler, store Store) {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	rooms := []string{"R1", "R2"}
	therapists := []string{"T1", "T2", "T3"}
	day := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	var (
		ids       []string
		conflicts int
	)
	check := func(err error) {
		if errors.Is(err, ErrConflict) {
			conflicts++
		}
		assert.NotErrorIs(t, err, ErrOverlap, "the store had to catch an overlap")
	}
	for i := 0; i < 400; i++ {
		start := day.Add(time.Duration(rng.Intn(48)) * 15 * time.Minute)
		minutes := 15 * (1 + rng.Intn(8))

		switch op := rng.Intn(10); {
		case op < 5 || len(ids) == 0:
			a, err := s.Create(ctx, newBooking(rooms[rng.Intn(len(rooms))], therapists[rng.Intn(len(therapists))], start, minutes))
			check(err)
			if err == nil {
				ids = append(ids, a.ID)
			}
		case op < 8:
			_, err := s.Move(ctx, ids[rng.Intn(len(ids))], start, &minutes)
			check(err)
		case op < 9:
			_, err := s.Resize(ctx, ids[rng.Intn(len(ids))], minutes)
			check(err)
		default:
			_, err := s.ChangeStatus(ctx, ids[rng.Intn(len(ids))], StatusCancelled)
			check(err)
		}
	}
	assert.Positive(t, conflicts)

	all, err := store.FetchAppointments(ctx, DateRange{Start: day.AddDate(0, 0, -1), End: day.AddDate(0, 0, 2)}, AgendaFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, all)

	for i := range all {
		assert.Equal(t, all[i].Start.Add(time.Duration(all[i].DurationMinutes)*time.Minute), all[i].End())
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.Status == StatusCancelled || b.Status == StatusCancelled {
				continue
			}
			if a.RoomID != b.RoomID && a.TherapistID != b.TherapistID {
				continue
			}
			assert.False(t, a.Overlaps(b.Start, b.End()), "%s overlaps %s", a.ID, b.ID)
		}
	}
}

func TestSchedulerNeverDoubleBooks(t *testing.T) {
	s, store := newTestScheduler(t)
	randomBookingRun(t, s, store)
}

func TestSchedulerNeverDoubleBooksWithoutStoreConstraint(t *testing.T) {
	store := newVersionOnlyStore()
	ids := &sequentialIDs{}
	s := NewScheduler(store, WithIDGenerator(ids.next))
	randomBookingRun(t, s, store)
}

// flakyCommits fails the first n Commit calls and delegates everything else.
type flakyCommits struct {
	*redisclient.IdempotencyStore
	n     int
	calls int
}

func (f *flakyCommits) Commit(ctx context.Context, key, appointmentID string) error {
	f.calls++
	if f.calls <= f.n {
		return errors.New("connection reset")
	}
	return f.IdempotencyStore.Commit(ctx, key, appointmentID)
}

func TestSchedulerIdempotencyCommitRetried(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	idem := &flakyCommits{IdempotencyStore: redisclient.NewIdempotencyStore(client, time.Hour), n: 1}
	s, store := newTestScheduler(t, WithIdempotencyStore(idem))

	in := newBooking("R1", "T1", at(9, 0), 30)
	in.IdempotencyKey = "flaky-once"
	first, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, idem.calls)

	again, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, store.Len())
}

func TestSchedulerIdempotencyKeyReleasedWhenCommitFails(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	idem := &flakyCommits{IdempotencyStore: redisclient.NewIdempotencyStore(client, time.Hour), n: 2}
	s, store := newTestScheduler(t, WithIdempotencyStore(idem))

	in := newBooking("R1", "T1", at(9, 0), 30)
	in.IdempotencyKey = "flaky-twice"
	first, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
	assert.False(t, mr.Exists("idem:appointment:flaky-twice"))

	// The retry is no longer stuck on a pending key; it meets the booking itself.
	_, err = s.Create(ctx, in)
	require.NotErrorIs(t, err, ErrDuplicateRequest)
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, first.ID, cErr.BlockingID)
}

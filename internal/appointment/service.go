package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-agenda/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-agenda/internal/redis"
)

var schedulerTracer = otel.Tracer("clinic.agenda.scheduler")

// Scheduler mediates every booking mutation through the conflict resolver and
// the lifecycle engine. Each operation either commits fully or returns an
// error and leaves the store untouched.
type Scheduler struct {
	store   Store
	locker  redisclient.Locker
	idem    IdempotencyStore
	events  EventSink
	metrics *metrics.SchedulerMetrics
	logger  zerolog.Logger
	loc     *time.Location
	now     func() time.Time
	newID   func() string
}

type Option func(*Scheduler)

func WithLocker(l redisclient.Locker) Option { return func(s *Scheduler) { s.locker = l } }

func WithIdempotencyStore(i IdempotencyStore) Option { return func(s *Scheduler) { s.idem = i } }

func WithEventSink(e EventSink) Option { return func(s *Scheduler) { s.events = e } }

func WithMetrics(m *metrics.SchedulerMetrics) Option { return func(s *Scheduler) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithLocation sets the clinic time zone used to compute day windows.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Scheduler) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func NewScheduler(store Store, opts ...Option) *Scheduler {
	if store == nil {
		panic("appointment: store required")
	}
	s := &Scheduler{
		store:  store,
		logger: zerolog.Nop(),
		loc:    time.UTC,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create books a new appointment in status reservada.
func (s *Scheduler) Create(ctx context.Context, in NewAppointment) (Appointment, error) {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("agenda.room_id", in.RoomID),
		attribute.String("agenda.therapist_id", in.TherapistID),
	)

	began := time.Now()
	appt, err := s.create(ctx, in)
	s.finish(span, "create", appt.ID, began, err)
	return appt, err
}

func (s *Scheduler) create(ctx context.Context, in NewAppointment) (Appointment, error) {
	if err := validateNew(in); err != nil {
		return Appointment{}, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" && s.idem != nil {
		existingID, err := s.idem.Reserve(ctx, key)
		if errors.Is(err, redisclient.ErrInFlight) {
			return Appointment{}, ErrDuplicateRequest
		}
		if err != nil {
			return Appointment{}, &StoreError{Op: "reserve idempotency key", Err: err}
		}
		if existingID != "" {
			existing, err := s.store.Get(ctx, existingID)
			if err != nil {
				return Appointment{}, mapStoreError("get", existingID, err)
			}
			return existing, nil
		}

		committed := false
		defer func() {
			if !committed {
				_ = s.idem.Release(context.WithoutCancel(ctx), key)
			}
		}()

		appt, err := s.book(ctx, in)
		if err != nil {
			return Appointment{}, err
		}
		if err := s.commitKey(ctx, key, appt.ID); err != nil {
			// Left pending, the key would answer duplicate_request until it expires.
			s.logger.Warn().Err(err).Str("appointment_id", appt.ID).Msg("failed to commit idempotency key, releasing it")
			return appt, nil
		}
		committed = true
		return appt, nil
	}

	return s.book(ctx, in)
}

// commitKey records the booked id under key, retrying once on a fresh
// context when the first attempt fails.
func (s *Scheduler) commitKey(ctx context.Context, key, appointmentID string) error {
	err := s.idem.Commit(ctx, key, appointmentID)
	if err == nil {
		return nil
	}
	s.logger.Debug().Err(err).Str("key", key).Msg("retrying idempotency commit")
	return s.idem.Commit(context.WithoutCancel(ctx), key, appointmentID)
}

func (s *Scheduler) book(ctx context.Context, in NewAppointment) (Appointment, error) {
	now := s.now()
	appt := Appointment{
		ID:              s.newID(),
		PatientID:       in.PatientID,
		PatientName:     strings.TrimSpace(in.PatientName),
		TherapistID:     in.TherapistID,
		RoomID:          in.RoomID,
		Start:           in.Start,
		DurationMinutes: in.DurationMinutes,
		Status:          StatusReserved,
		Cost:            in.Cost,
		Paid:            in.Paid,
		Motive:          in.Motive,
		Notes:           in.Notes,
		IsVirtual:       in.IsVirtual,
		Location:        in.Location,
		MeetingLink:     in.MeetingLink,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var saved Appointment
	err := s.withLock(ctx, lockKeys(appt.RoomID, appt.TherapistID), func(ctx context.Context) error {
		existing, err := s.fetchWindow(ctx, conflictWindow(appt.Start, appt.End(), s.loc))
		if err != nil {
			return err
		}
		if res := CheckConflict(candidateOf(appt, ""), existing); res.Conflict() {
			return res.Err()
		}
		saved, err = s.store.Save(ctx, appt)
		if err != nil {
			return mapStoreError("save", appt.ID, err)
		}
		return nil
	})
	if err != nil {
		return Appointment{}, err
	}

	s.recordEvent(ctx, saved.ID, EventAppointmentCreated, map[string]any{
		"room_id":          saved.RoomID,
		"therapist_id":     saved.TherapistID,
		"start":            saved.Start,
		"duration_minutes": saved.DurationMinutes,
	})
	return saved, nil
}

// CreateSeries books every occurrence of rule or none of them.
func (s *Scheduler) CreateSeries(ctx context.Context, in NewAppointment, rule RecurrenceRule) ([]Appointment, error) {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.create_series")
	defer span.End()
	span.SetAttributes(attribute.String("agenda.frequency", string(rule.Frequency)))

	began := time.Now()
	series, err := s.createSeries(ctx, in, rule)
	seriesID := ""
	if len(series) > 0 {
		seriesID = series[0].SeriesID
	}
	s.finish(span, "create_series", seriesID, began, err)
	return series, err
}

func (s *Scheduler) createSeries(ctx context.Context, in NewAppointment, rule RecurrenceRule) ([]Appointment, error) {
	if err := validateNew(in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.IdempotencyKey) != "" {
		return nil, newValidationError("idempotency_key", "not supported for recurring series")
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	starts := rule.Occurrences(in.Start, s.loc)
	if len(starts) == 0 {
		return nil, newValidationError("until", "rule yields no occurrences")
	}

	now := s.now()
	seriesID := s.newID()
	planned := make([]Appointment, 0, len(starts))
	for _, start := range starts {
		planned = append(planned, Appointment{
			ID:              s.newID(),
			PatientID:       in.PatientID,
			PatientName:     strings.TrimSpace(in.PatientName),
			TherapistID:     in.TherapistID,
			RoomID:          in.RoomID,
			Start:           start,
			DurationMinutes: in.DurationMinutes,
			Status:          StatusReserved,
			Cost:            in.Cost,
			Paid:            in.Paid,
			Motive:          in.Motive,
			Notes:           in.Notes,
			IsVirtual:       in.IsVirtual,
			Location:        in.Location,
			MeetingLink:     in.MeetingLink,
			SeriesID:        seriesID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	first, last := planned[0], planned[len(planned)-1]
	window := DateRange{
		Start: conflictWindow(first.Start, first.End(), s.loc).Start,
		End:   conflictWindow(last.Start, last.End(), s.loc).End,
	}

	saved := make([]Appointment, 0, len(planned))
	err := s.withLock(ctx, lockKeys(in.RoomID, in.TherapistID), func(ctx context.Context) error {
		existing, err := s.fetchWindow(ctx, window)
		if err != nil {
			return err
		}
		for _, appt := range planned {
			if res := CheckConflict(candidateOf(appt, ""), existing); res.Conflict() {
				return res.Err()
			}
			existing = append(existing, appt)
		}

		for _, appt := range planned {
			stored, err := s.store.Save(ctx, appt)
			if err != nil {
				s.rollback(ctx, saved)
				saved = nil
				return mapStoreError("save", appt.ID, err)
			}
			saved = append(saved, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, appt := range saved {
		s.recordEvent(ctx, appt.ID, EventAppointmentCreated, map[string]any{
			"series_id":        seriesID,
			"room_id":          appt.RoomID,
			"therapist_id":     appt.TherapistID,
			"start":            appt.Start,
			"duration_minutes": appt.DurationMinutes,
		})
	}
	return saved, nil
}

func (s *Scheduler) rollback(ctx context.Context, saved []Appointment) {
	cleanupCtx := context.WithoutCancel(ctx)
	for _, appt := range saved {
		if err := s.store.Delete(cleanupCtx, appt.ID); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error().Err(err).Str("appointment_id", appt.ID).Msg("failed to roll back series occurrence")
		}
	}
}

// Move reschedules an appointment. newDuration is optional; when nil the
// current duration is kept. On failure nothing is written and the caller is
// expected to restore its own optimistic state.
func (s *Scheduler) Move(ctx context.Context, id string, newStart time.Time, newDuration *int) (Appointment, error) {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.move")
	defer span.End()
	span.SetAttributes(attribute.String("agenda.appointment_id", id))

	began := time.Now()
	appt, err := s.move(ctx, id, newStart, newDuration)
	s.finish(span, "move", id, began, err)
	return appt, err
}

// Resize changes the duration and keeps the start fixed.
func (s *Scheduler) Resize(ctx context.Context, id string, newDuration int) (Appointment, error) {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.resize")
	defer span.End()
	span.SetAttributes(attribute.String("agenda.appointment_id", id))

	began := time.Now()
	appt, err := s.move(ctx, id, time.Time{}, &newDuration)
	s.finish(span, "resize", id, began, err)
	return appt, err
}

func (s *Scheduler) move(ctx context.Context, id string, newStart time.Time, newDuration *int) (Appointment, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Appointment{}, mapStoreError("get", id, err)
	}
	if current.Status.Terminal() {
		return Appointment{}, newValidationError("status", fmt.Sprintf("cannot reschedule an appointment in status %s", current.Status))
	}

	updated := current
	if !newStart.IsZero() {
		updated.Start = newStart
	}
	if newDuration != nil {
		updated.DurationMinutes = *newDuration
	}
	if err := validateDuration(updated.DurationMinutes); err != nil {
		return Appointment{}, err
	}
	if updated.Start.Equal(current.Start) && updated.DurationMinutes == current.DurationMinutes {
		return current, nil
	}
	updated.UpdatedAt = s.now()

	oldWindow := conflictWindow(current.Start, current.End(), s.loc)
	newWindow := conflictWindow(updated.Start, updated.End(), s.loc)
	window := DateRange{Start: minTime(oldWindow.Start, newWindow.Start), End: maxTime(oldWindow.End, newWindow.End)}

	var saved Appointment
	err = s.withLock(ctx, lockKeys(updated.RoomID, updated.TherapistID), func(ctx context.Context) error {
		existing, err := s.fetchWindow(ctx, window)
		if err != nil {
			return err
		}
		if res := CheckConflict(candidateOf(updated, id), existing); res.Conflict() {
			return res.Err()
		}
		saved, err = s.store.Save(ctx, updated)
		if err != nil {
			return mapStoreError("save", id, err)
		}
		return nil
	})
	if err != nil {
		return Appointment{}, err
	}

	s.recordEvent(ctx, saved.ID, EventAppointmentRescheduled, map[string]any{
		"previous_start":            current.Start,
		"previous_duration_minutes": current.DurationMinutes,
		"start":                     saved.Start,
		"duration_minutes":          saved.DurationMinutes,
	})
	return saved, nil
}

// ChangeStatus applies a lifecycle transition.
func (s *Scheduler) ChangeStatus(ctx context.Context, id string, requested Status) (Appointment, error) {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.change_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("agenda.appointment_id", id),
		attribute.String("agenda.requested_status", string(requested)),
	)

	began := time.Now()
	appt, err := s.changeStatus(ctx, id, requested)
	s.finish(span, "change_status", id, began, err)
	return appt, err
}

func (s *Scheduler) changeStatus(ctx context.Context, id string, requested Status) (Appointment, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Appointment{}, mapStoreError("get", id, err)
	}

	next, err := Transition(current.Status, requested)
	if err != nil {
		return Appointment{}, err
	}
	if next == current.Status {
		return current, nil
	}

	updated := current
	updated.Status = next
	updated.UpdatedAt = s.now()

	saved, err := s.store.Save(ctx, updated)
	if err != nil {
		return Appointment{}, mapStoreError("save", id, err)
	}

	s.recordEvent(ctx, saved.ID, EventAppointmentStatusChanged, map[string]any{
		"from": current.Status,
		"to":   saved.Status,
	})
	return saved, nil
}

// Remove hard-deletes an appointment. Cancellation is a status change, not a removal.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	ctx, span := schedulerTracer.Start(ctx, "scheduler.remove")
	defer span.End()
	span.SetAttributes(attribute.String("agenda.appointment_id", id))

	began := time.Now()
	err := s.store.Delete(ctx, id)
	if err != nil {
		err = mapStoreError("delete", id, err)
	} else {
		s.recordEvent(ctx, id, EventAppointmentDeleted, map[string]any{})
	}
	s.finish(span, "remove", id, began, err)
	return err
}

func (s *Scheduler) withLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	ran := false
	err := s.locker.WithResourceLock(ctx, keys, func(lockCtx context.Context) error {
		ran = true
		return fn(lockCtx)
	})
	if err == nil || ran {
		return err
	}
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return &ConflictError{cause: ErrResourceBusy}
	}
	return &StoreError{Op: "lock", Err: err}
}

func (s *Scheduler) fetchWindow(ctx context.Context, rng DateRange) ([]Appointment, error) {
	existing, err := s.store.FetchAppointments(ctx, rng, AgendaFilters{})
	if err != nil {
		return nil, &StoreError{Op: "fetch", Err: err}
	}
	return existing, nil
}

func (s *Scheduler) recordEvent(ctx context.Context, appointmentID string, eventType EventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       payload,
		CreatedAt:     s.now(),
	}
	if err := s.events.RecordEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).
			Str("event_type", string(eventType)).
			Str("appointment_id", appointmentID).
			Msg("failed to record appointment event")
	}
}

func (s *Scheduler) finish(span trace.Span, op, appointmentID string, began time.Time, err error) {
	kind := ErrorKind(err)
	s.metrics.ObserveOperation(op, kind, time.Since(began).Seconds())
	if err == nil {
		return
	}

	var cErr *ConflictError
	if errors.As(err, &cErr) {
		s.metrics.ObserveConflict(string(cErr.Resource))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, kind)

	evt := s.logger.Warn()
	if kind == "store" || kind == "unexpected" {
		evt = s.logger.Error()
	}
	evt.Err(err).
		Str("operation", op).
		Str("error_kind", kind).
		Str("appointment_id", appointmentID).
		Msg("booking operation rejected")
}

func validateNew(in NewAppointment) error {
	vErr := &ValidationError{}
	if strings.TrimSpace(in.PatientID) == "" {
		vErr.add("patient_id", "patient_id is required")
	}
	if strings.TrimSpace(in.TherapistID) == "" {
		vErr.add("therapist_id", "therapist_id is required")
	}
	if strings.TrimSpace(in.RoomID) == "" {
		vErr.add("room_id", "room_id is required")
	}
	if in.Start.IsZero() {
		vErr.add("start", "start is required")
	}
	if err := validateDuration(in.DurationMinutes); err != nil {
		vErr.add("duration_minutes", err.(*ValidationError).FieldErrors["duration_minutes"])
	}
	if in.Cost.IsNegative() {
		vErr.add("cost", "cost cannot be negative")
	}
	if vErr.HasErrors() {
		return vErr
	}
	return nil
}

func validateDuration(minutes int) error {
	if minutes <= 0 {
		return newValidationError("duration_minutes", "duration must be positive")
	}
	if minutes > MaxDurationMinutes {
		return newValidationError("duration_minutes", "duration cannot exceed one day")
	}
	return nil
}

func candidateOf(a Appointment, excludeID string) Candidate {
	return Candidate{
		RoomID:          a.RoomID,
		TherapistID:     a.TherapistID,
		Start:           a.Start,
		DurationMinutes: a.DurationMinutes,
		ExcludeID:       excludeID,
	}
}

// conflictWindow covers every appointment that could overlap [start, end):
// durations are capped at one day, so nothing starting before the previous
// day can reach start.
func conflictWindow(start, end time.Time, loc *time.Location) DateRange {
	return DateRange{
		Start: StartOfDay(start, loc).AddDate(0, 0, -1),
		End:   StartOfDay(end, loc).AddDate(0, 0, 1),
	}
}

func lockKeys(roomID, therapistID string) []string {
	return []string{"room:" + roomID, "therapist:" + therapistID}
}

func mapStoreError(op, id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &NotFoundError{ID: id}
	case errors.Is(err, ErrOverlap), errors.Is(err, ErrStaleWrite):
		return &ConflictError{cause: err}
	}
	return &StoreError{Op: op, Err: err}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Package agenda is the caller-facing surface of the scheduling core. It
// bundles store reads with analytics, calendar projection and export, and
// forwards mutations to the appointment scheduler.
package agenda

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-agenda/internal/analytics"
	"github.com/hackgods/clinic-agenda/internal/appointment"
	"github.com/hackgods/clinic-agenda/internal/calendar"
	"github.com/hackgods/clinic-agenda/internal/export"
)

var tracer = otel.Tracer("clinic.agenda.service")

type Service struct {
	scheduler    *appointment.Scheduler
	store        appointment.Store
	rooms        appointment.RoomCatalog
	blocks       appointment.BlockSource
	logger       zerolog.Logger
	loc          *time.Location
	workingHours int
	now          func() time.Time
}

type Option func(*Service)

func WithBlockSource(b appointment.BlockSource) Option { return func(s *Service) { s.blocks = b } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithWorkingHours(hours int) Option {
	return func(s *Service) {
		if hours > 0 {
			s.workingHours = hours
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(scheduler *appointment.Scheduler, store appointment.Store, rooms appointment.RoomCatalog, opts ...Option) *Service {
	s := &Service{
		scheduler:    scheduler,
		store:        store,
		rooms:        rooms,
		logger:       zerolog.Nop(),
		loc:          time.UTC,
		workingHours: analytics.DefaultWorkingHoursPerDay,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location is the clinic time zone used for day boundaries.
func (s *Service) Location() *time.Location { return s.loc }

type Agenda struct {
	Appointments []appointment.Appointment `json:"appointments"`
	Stats        analytics.Stats           `json:"stats"`
}

// GetAgenda returns the filtered appointment set for filters.Range together
// with the analytics computed over exactly that set.
func (s *Service) GetAgenda(ctx context.Context, filters appointment.AgendaFilters) (Agenda, error) {
	ctx, span := tracer.Start(ctx, "agenda.get")
	defer span.End()
	span.SetAttributes(attribute.String("agenda.range", filters.Range.String()))

	appts, rooms, err := s.load(ctx, filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, appointment.ErrorKind(err))
		return Agenda{}, err
	}

	stats := analytics.Compute(appts, rooms, filters.Range, analytics.Options{
		WorkingHoursPerDay: s.workingHours,
		Location:           s.loc,
	})
	span.SetAttributes(attribute.Int("agenda.appointments", len(appts)))
	return Agenda{Appointments: appts, Stats: stats}, nil
}

type Calendar struct {
	View   appointment.CalendarView `json:"view"`
	Range  appointment.DateRange    `json:"range"`
	Events []calendar.Event         `json:"events"`
	Days   []calendar.DayBucket     `json:"days"`
}

// GetCalendar projects the appointments and blocked time of a calendar view.
// filters.Range is replaced by the view's window.
func (s *Service) GetCalendar(ctx context.Context, view appointment.CalendarView, filters appointment.AgendaFilters) (Calendar, error) {
	ctx, span := tracer.Start(ctx, "agenda.calendar")
	defer span.End()
	span.SetAttributes(attribute.String("agenda.view", string(view.Type)))

	if view.Date.IsZero() {
		view.Date = s.now()
	}
	rng := view.Range(s.loc)
	filters.Range = rng

	// Appointments starting up to one maximum duration earlier can still run
	// into the view; Project drops the ones that end before it.
	fetch := appointment.DateRange{
		Start: rng.Start.Add(-appointment.MaxDurationMinutes * time.Minute),
		End:   rng.End,
	}
	appts, err := s.store.FetchAppointments(ctx, fetch, filters)
	if err != nil {
		span.RecordError(err)
		return Calendar{}, &appointment.StoreError{Op: "fetch", Err: err}
	}

	var blocks []appointment.Block
	if s.blocks != nil {
		all, err := s.blocks.FetchBlocks(ctx, rng)
		if err != nil {
			span.RecordError(err)
			return Calendar{}, &appointment.StoreError{Op: "fetch blocks", Err: err}
		}
		for _, b := range all {
			if blockMatches(b, filters) {
				blocks = append(blocks, b)
			}
		}
	}

	events := calendar.Project(calendar.Entries(appts, blocks), view, s.loc)
	return Calendar{
		View:   view,
		Range:  rng,
		Events: events,
		Days:   calendar.Buckets(events, view, s.loc),
	}, nil
}

// Blocks without a room or therapist apply to everyone.
func blockMatches(b appointment.Block, f appointment.AgendaFilters) bool {
	if f.RoomID != "" && b.RoomID != "" && b.RoomID != f.RoomID {
		return false
	}
	if f.TherapistID != "" && b.TherapistID != "" && b.TherapistID != f.TherapistID {
		return false
	}
	return true
}

func (s *Service) CreateAppointment(ctx context.Context, in appointment.NewAppointment) (appointment.Appointment, error) {
	return s.scheduler.Create(ctx, in)
}

func (s *Service) CreateSeries(ctx context.Context, in appointment.NewAppointment, rule appointment.RecurrenceRule) ([]appointment.Appointment, error) {
	return s.scheduler.CreateSeries(ctx, in, rule)
}

// RescheduleAppointment moves an appointment; newDuration may be nil.
func (s *Service) RescheduleAppointment(ctx context.Context, id string, newStart time.Time, newDuration *int) (appointment.Appointment, error) {
	return s.scheduler.Move(ctx, id, newStart, newDuration)
}

func (s *Service) ResizeAppointment(ctx context.Context, id string, minutes int) (appointment.Appointment, error) {
	return s.scheduler.Resize(ctx, id, minutes)
}

func (s *Service) SetAppointmentStatus(ctx context.Context, id string, status appointment.Status) (appointment.Appointment, error) {
	return s.scheduler.ChangeStatus(ctx, id, status)
}

func (s *Service) DeleteAppointment(ctx context.Context, id string) error {
	return s.scheduler.Remove(ctx, id)
}

type Export struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ExportAgenda serializes the filtered set for filters.Range. The filename
// carries today's date in the clinic time zone.
func (s *Service) ExportAgenda(ctx context.Context, filters appointment.AgendaFilters, format export.Format) (Export, error) {
	ctx, span := tracer.Start(ctx, "agenda.export")
	defer span.End()
	span.SetAttributes(attribute.String("agenda.format", string(format)))

	appts, rooms, err := s.load(ctx, filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, appointment.ErrorKind(err))
		return Export{}, err
	}

	roomNames := make(map[string]string, len(rooms))
	for _, r := range rooms {
		roomNames[r.ID] = r.Name
	}

	out := Export{
		Filename:    export.Filename(format, s.now().In(s.loc)),
		ContentType: format.ContentType(),
	}
	switch format {
	case export.FormatCalendar:
		out.Body = export.ToCalendar(appts, export.CalendarOptions{RoomNames: roomNames})
	default:
		var buf bytes.Buffer
		if err := export.WriteCSV(&buf, export.ToTable(appts, export.TableOptions{RoomNames: roomNames, Location: s.loc})); err != nil {
			return Export{}, err
		}
		out.Body = buf.Bytes()
	}

	s.logger.Info().
		Str("format", string(format)).
		Int("appointments", len(appts)).
		Str("filename", out.Filename).
		Msg("agenda exported")
	return out, nil
}

func (s *Service) ListRooms(ctx context.Context) ([]appointment.ConsultingRoom, error) {
	if s.rooms == nil {
		return []appointment.ConsultingRoom{}, nil
	}
	rooms, err := s.rooms.ListRooms(ctx)
	if err != nil {
		return nil, &appointment.StoreError{Op: "list rooms", Err: err}
	}
	return rooms, nil
}

func (s *Service) load(ctx context.Context, filters appointment.AgendaFilters) ([]appointment.Appointment, []appointment.ConsultingRoom, error) {
	if err := filters.Range.Validate(); err != nil {
		return nil, nil, err
	}
	appts, err := s.store.FetchAppointments(ctx, filters.Range, filters)
	if err != nil {
		return nil, nil, &appointment.StoreError{Op: "fetch", Err: err}
	}
	appts = appointment.ApplyFilters(appts, filters)

	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return nil, nil, err
	}
	return appts, rooms, nil
}

package agenda

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-agenda/internal/appointment"
	"github.com/hackgods/clinic-agenda/internal/export"
)

var today = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *appointment.MemoryStore) {
	t.Helper()
	store := appointment.NewMemoryStore(
		appointment.ConsultingRoom{ID: "R1", Name: "Sala 1"},
		appointment.ConsultingRoom{ID: "R2", Name: "Sala 2"},
		appointment.ConsultingRoom{ID: "R3", Name: "Sala 3"},
	)
	clock := func() time.Time { return today }
	scheduler := appointment.NewScheduler(store, appointment.WithClock(clock), appointment.WithEventSink(store))
	svc := NewService(scheduler, store, store, WithBlockSource(store), WithClock(clock))
	return svc, store
}

func book(t *testing.T, svc *Service, room, therapist, patient string, start time.Time) appointment.Appointment {
	t.Helper()
	a, err := svc.CreateAppointment(context.Background(), appointment.NewAppointment{
		PatientID:       "P-" + patient,
		PatientName:     patient,
		TherapistID:     therapist,
		RoomID:          room,
		Start:           start,
		DurationMinutes: 30,
		Cost:            decimal.NewFromInt(40),
		Motive:          "Control",
	})
	require.NoError(t, err)
	return a
}

func week() appointment.DateRange {
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	return appointment.DateRange{Start: start, End: start.AddDate(0, 0, 5)}
}

func TestGetAgendaBundlesStats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	a := book(t, svc, "R1", "T1", "Ana", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	book(t, svc, "R2", "T2", "Bruno", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC))
	book(t, svc, "R1", "T1", "Anabel", time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC))

	for _, s := range []appointment.Status{appointment.StatusConfirmed, appointment.StatusCheckedIn, appointment.StatusCompleted} {
		_, err := svc.SetAppointmentStatus(ctx, a.ID, s)
		require.NoError(t, err)
	}

	got, err := svc.GetAgenda(ctx, appointment.AgendaFilters{Range: week()})
	require.NoError(t, err)
	require.Len(t, got.Appointments, 2)
	assert.Equal(t, 2, got.Stats.Counts.Total)
	assert.Equal(t, 1, got.Stats.Counts.Completed)
	assert.Equal(t, 300, got.Stats.TotalAvailableSlots)

	filtered, err := svc.GetAgenda(ctx, appointment.AgendaFilters{Range: week(), Search: "ana"})
	require.NoError(t, err)
	require.Len(t, filtered.Appointments, 1)
	assert.Equal(t, "Ana", filtered.Appointments[0].PatientName)
	assert.Equal(t, 1, filtered.Stats.Counts.Total)
}

func TestGetAgendaRequiresRange(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetAgenda(context.Background(), appointment.AgendaFilters{})
	var vErr *appointment.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestGetCalendarMergesBlocks(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	book(t, svc, "R1", "T1", "Ana", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	book(t, svc, "R2", "T2", "Bruno", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	store.AddBlock(appointment.Block{
		ID: "lunch", TherapistID: "T1", Title: "Almuerzo", Kind: appointment.BlockLunch,
		Start: time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC),
	})
	store.AddBlock(appointment.Block{
		ID: "leave", TherapistID: "T2", Title: "Vacaciones", Kind: appointment.BlockVacation,
		Start: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC),
	})

	view := appointment.CalendarView{Type: appointment.ViewWeek, Date: today}
	cal, err := svc.GetCalendar(ctx, view, appointment.AgendaFilters{TherapistID: "T1"})
	require.NoError(t, err)

	require.Len(t, cal.Events, 2)
	assert.Equal(t, "blocked-lunch", cal.Events[1].ID)
	assert.Len(t, cal.Days, 7)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), cal.Range.Start)
}

func TestGetCalendarShowsAppointmentFromPreviousDay(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	book(t, svc, "R1", "T1", "Ana", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	late, err := svc.CreateAppointment(ctx, appointment.NewAppointment{
		PatientID:       "P-Bruno",
		PatientName:     "Bruno",
		TherapistID:     "T2",
		RoomID:          "R2",
		Start:           time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC),
		DurationMinutes: 60,
		Cost:            decimal.NewFromInt(40),
		Motive:          "Control",
	})
	require.NoError(t, err)

	view := appointment.CalendarView{Type: appointment.ViewDay, Date: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}
	cal, err := svc.GetCalendar(ctx, view, appointment.AgendaFilters{})
	require.NoError(t, err)

	require.Len(t, cal.Events, 1)
	assert.Equal(t, "appointment-"+late.ID, cal.Events[0].ID)
	require.Len(t, cal.Days, 1)
	assert.Len(t, cal.Days[0].Events, 1)
}

func TestExportAgenda(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	book(t, svc, "R1", "T1", "Ana", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))

	csvOut, err := svc.ExportAgenda(ctx, appointment.AgendaFilters{Range: week()}, export.FormatTable)
	require.NoError(t, err)
	assert.Equal(t, "agenda-2024-03-06.csv", csvOut.Filename)
	assert.Equal(t, "text/csv; charset=utf-8", csvOut.ContentType)
	lines := strings.Split(strings.TrimSpace(string(csvOut.Body)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "Sala 1")

	icsOut, err := svc.ExportAgenda(ctx, appointment.AgendaFilters{Range: week()}, export.FormatCalendar)
	require.NoError(t, err)
	assert.Equal(t, "agenda-2024-03-06.ics", icsOut.Filename)
	assert.Equal(t, 1, strings.Count(string(icsOut.Body), "BEGIN:VEVENT"))

	empty, err := svc.ExportAgenda(ctx, appointment.AgendaFilters{Range: appointment.DateRange{
		Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}}, export.FormatTable)
	require.NoError(t, err)
	assert.Equal(t, "Patient,Room,Motive,Cost,Status,Date,Therapist\n", string(empty.Body))
}

func TestMutationsForwardToScheduler(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	a := book(t, svc, "R1", "T1", "Ana", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	b := book(t, svc, "R1", "T2", "Bruno", time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))

	_, err := svc.RescheduleAppointment(ctx, a.ID, b.Start, nil)
	var cErr *appointment.ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, b.ID, cErr.BlockingID)

	resized, err := svc.ResizeAppointment(ctx, a.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, b.Start, resized.End())

	series, err := svc.CreateSeries(ctx, appointment.NewAppointment{
		PatientID: "P9", PatientName: "Carla", TherapistID: "T3", RoomID: "R3",
		Start: time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC), DurationMinutes: 45,
	}, appointment.RecurrenceRule{Frequency: appointment.FrequencyWeekly, Count: 3})
	require.NoError(t, err)
	assert.Len(t, series, 3)

	require.NoError(t, svc.DeleteAppointment(ctx, b.ID))
	assert.True(t, errors.Is(svc.DeleteAppointment(ctx, b.ID), appointment.ErrNotFound))
	assert.Equal(t, 4, store.Len())
}

func TestListRooms(t *testing.T) {
	svc, _ := newTestService(t)
	rooms, err := svc.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Len(t, rooms, 3)
}

package analytics

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-agenda/internal/appointment"
)

var rooms = []appointment.ConsultingRoom{
	{ID: "R1", Name: "Sala 1"},
	{ID: "R2", Name: "Sala 2"},
	{ID: "R3", Name: "Sala 3"},
}

// Monday 2024-03-04.
func monday(hour int) time.Time {
	return time.Date(2024, 3, 4, hour, 0, 0, 0, time.UTC)
}

func workWeek() appointment.DateRange {
	return appointment.DateRange{Start: monday(0), End: monday(0).AddDate(0, 0, 5)}
}

func appt(id, room, therapist string, start time.Time, status appointment.Status, cost string, paid bool) appointment.Appointment {
	return appointment.Appointment{
		ID:              id,
		RoomID:          room,
		TherapistID:     therapist,
		Start:           start,
		DurationMinutes: 30,
		Status:          status,
		Cost:            decimal.RequireFromString(cost),
		Paid:            paid,
	}
}

func eightAppointments() []appointment.Appointment {
	return []appointment.Appointment{
		appt("1", "R1", "T1", monday(9), appointment.StatusCompleted, "50", true),
		appt("2", "R1", "T1", monday(10), appointment.StatusCompleted, "50", false),
		appt("3", "R2", "T2", monday(9), appointment.StatusCompleted, "30.50", true),
		appt("4", "R2", "T2", monday(9).AddDate(0, 0, 1), appointment.StatusCancelled, "40", true),
		appt("5", "R3", "T3", monday(11).AddDate(0, 0, 2), appointment.StatusNoShow, "40", false),
		appt("6", "R1", "T1", monday(18).AddDate(0, 0, 3), appointment.StatusConfirmed, "40", false),
		appt("7", "R3", "T2", monday(19).AddDate(0, 0, 4), appointment.StatusReserved, "40", false),
		appt("8", "R2", "T3", monday(7).AddDate(0, 0, 4), appointment.StatusCheckedIn, "40", false),
	}
}

func TestComputeOccupancyOverWorkWeek(t *testing.T) {
	stats := Compute(eightAppointments(), rooms, workWeek(), Options{})

	assert.Equal(t, 5, stats.WorkingDays)
	assert.Equal(t, 300, stats.TotalAvailableSlots)
	assert.InDelta(t, 2.67, stats.Rates.Occupancy, 0.01)
	assert.Equal(t, 8, stats.Counts.Total)
}

func TestComputeCountsAndRevenue(t *testing.T) {
	stats := Compute(eightAppointments(), rooms, workWeek(), Options{})

	assert.Equal(t, 3, stats.Counts.Completed)
	assert.Equal(t, 1, stats.Counts.Cancelled)
	assert.Equal(t, 1, stats.Counts.NoShow)
	assert.Equal(t, 3, stats.Counts.Active())

	assert.True(t, decimal.RequireFromString("80.50").Equal(stats.Revenue), stats.Revenue.String())
	assert.True(t, decimal.RequireFromString("26.83").Equal(stats.AverageSessionCost), stats.AverageSessionCost.String())

	assert.InDelta(t, 37.5, stats.Rates.Completion, 1e-9)
	assert.InDelta(t, 12.5, stats.Rates.Cancellation, 1e-9)
	assert.InDelta(t, 12.5, stats.Rates.NoShow, 1e-9)
	assert.InDelta(t, 30, stats.AverageDurationMinutes, 1e-9)
}

func TestComputeDistributions(t *testing.T) {
	stats := Compute(eightAppointments(), rooms, workWeek(), Options{})

	require.Len(t, stats.HourlyDistribution, HourBuckets)
	assert.Equal(t, HourCount{Hour: 8, Count: 0}, stats.HourlyDistribution[0])
	assert.Equal(t, HourCount{Hour: 9, Count: 3}, stats.HourlyDistribution[1])
	assert.Equal(t, HourCount{Hour: 19, Count: 1}, stats.HourlyDistribution[11])

	var bucketed int
	for _, h := range stats.HourlyDistribution {
		bucketed += h.Count
	}
	// The 07:00 appointment falls outside the working window.
	assert.Equal(t, 7, bucketed)

	require.Len(t, stats.RoomUtilization, 3)
	assert.Equal(t, RoomUtilization{RoomID: "R1", RoomName: "Sala 1", Count: 3, Utilization: 37.5}, stats.RoomUtilization[0])

	require.Len(t, stats.WeeklyHeatmap, 7)
	mondayRow := stats.WeeklyHeatmap[time.Monday]
	assert.Equal(t, time.Monday, mondayRow.Weekday)
	cell := mondayRow.Hours[1]
	assert.Equal(t, 9, cell.Hour)
	assert.Equal(t, 2, cell.Count)
	assert.InDelta(t, 2.0/3.0, cell.Intensity, 1e-9)
	assert.Equal(t, 3, cell.Tier)

	require.Len(t, stats.Therapists, 3)
	t1 := stats.Therapists[0]
	assert.Equal(t, "T1", t1.TherapistID)
	assert.Equal(t, 3, t1.Total)
	assert.Equal(t, 2, t1.Completed)
	assert.True(t, decimal.NewFromInt(50).Equal(t1.Revenue))
}

func TestComputeIgnoresAppointmentsOutsideRange(t *testing.T) {
	outside := appt("x", "R1", "T1", monday(9).AddDate(0, 0, 5), appointment.StatusCompleted, "100", true)
	stats := Compute(append(eightAppointments(), outside), rooms, workWeek(), Options{})
	assert.Equal(t, 8, stats.Counts.Total)
}

func TestComputeEmptyInputs(t *testing.T) {
	stats := Compute(nil, nil, workWeek(), Options{})

	assert.Zero(t, stats.Counts.Total)
	assert.Zero(t, stats.TotalAvailableSlots)
	assert.Zero(t, stats.Rates.Occupancy)
	assert.Zero(t, stats.Rates.Completion)
	assert.True(t, stats.AverageSessionCost.IsZero())
	assert.Empty(t, stats.RoomUtilization)
	assert.Len(t, stats.WeeklyHeatmap, 7)
	assert.Empty(t, stats.Therapists)
}

func TestComputeUsesLocation(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	// 08:30 UTC is 09:30 in Madrid in March (CET).
	a := appt("1", "R1", "T1", time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC), appointment.StatusReserved, "0", false)
	rng := appointment.DateRange{Start: time.Date(2024, 3, 4, 0, 0, 0, 0, madrid), End: time.Date(2024, 3, 5, 0, 0, 0, 0, madrid)}
	stats := Compute([]appointment.Appointment{a}, rooms, rng, Options{Location: madrid, WorkingHoursPerDay: 8})

	assert.Equal(t, 1, stats.HourlyDistribution[1].Count)
	assert.Equal(t, 1*8*3*2, stats.TotalAvailableSlots)
}

func TestComputeConservesTotals(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var appts []appointment.Appointment
	for i := 0; i < 500; i++ {
		start := monday(0).Add(time.Duration(rng.Intn(5*24)) * time.Hour)
		status := appointment.Statuses[rng.Intn(len(appointment.Statuses))]
		appts = append(appts, appt(fmt.Sprint(i), rooms[rng.Intn(3)].ID, "T1", start, status, "10", rng.Intn(2) == 0))
	}

	stats := Compute(appts, rooms, workWeek(), Options{})
	c := stats.Counts
	assert.Equal(t, c.Total, c.Completed+c.Cancelled+c.NoShow+c.Active())

	var roomTotal int
	for _, r := range stats.RoomUtilization {
		roomTotal += r.Count
	}
	assert.Equal(t, c.Total, roomTotal)
}

func TestIntensityAndTier(t *testing.T) {
	assert.Equal(t, 0.0, Intensity(0, 0))
	assert.Equal(t, 1.0, Intensity(2, 0))
	assert.Equal(t, 1.0, Intensity(5, 3))
	assert.Equal(t, 0.5, Intensity(1, 2))

	assert.Equal(t, 0, Tier(0))
	assert.Equal(t, 1, Tier(0.25))
	assert.Equal(t, 2, Tier(0.5))
	assert.Equal(t, 3, Tier(0.75))
	assert.Equal(t, 4, Tier(0.76))
}

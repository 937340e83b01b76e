// Package analytics derives agenda metrics from an appointment snapshot.
// Nothing is cached: every call recomputes from its input.
package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-agenda/internal/appointment"
)

const (
	DefaultWorkingHoursPerDay = 10
	SlotsPerHour              = 2

	// FirstHour and HourBuckets define the 08:00-19:00 working window.
	FirstHour   = 8
	HourBuckets = 12
)

type Options struct {
	WorkingHoursPerDay int
	Location           *time.Location
}

func (o Options) withDefaults() Options {
	if o.WorkingHoursPerDay <= 0 {
		o.WorkingHoursPerDay = DefaultWorkingHoursPerDay
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

type Counts struct {
	Total     int `json:"total"`
	Reserved  int `json:"reserved"`
	Confirmed int `json:"confirmed"`
	CheckedIn int `json:"checked_in"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	NoShow    int `json:"no_show"`
}

type Rates struct {
	Occupancy    float64 `json:"occupancy"`
	Completion   float64 `json:"completion"`
	Cancellation float64 `json:"cancellation"`
	NoShow       float64 `json:"no_show"`
}

type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type RoomUtilization struct {
	RoomID      string  `json:"room_id"`
	RoomName    string  `json:"room_name"`
	Count       int     `json:"count"`
	Utilization float64 `json:"utilization"`
}

type HeatCell struct {
	Hour      int     `json:"hour"`
	Count     int     `json:"count"`
	Intensity float64 `json:"intensity"`
	// Tier buckets intensity into 0..4 for display.
	Tier int `json:"tier"`
}

type HeatmapDay struct {
	Weekday time.Weekday `json:"weekday"`
	Hours   []HeatCell   `json:"hours"`
}

type TherapistStats struct {
	TherapistID string          `json:"therapist_id"`
	Total       int             `json:"total"`
	Completed   int             `json:"completed"`
	Cancelled   int             `json:"cancelled"`
	NoShow      int             `json:"no_show"`
	Revenue     decimal.Decimal `json:"revenue"`
}

type Stats struct {
	Range                  appointment.DateRange `json:"range"`
	Counts                 Counts                `json:"counts"`
	Revenue                decimal.Decimal       `json:"revenue"`
	AverageSessionCost     decimal.Decimal       `json:"average_session_cost"`
	WorkingDays            int                   `json:"working_days"`
	TotalAvailableSlots    int                   `json:"total_available_slots"`
	Rates                  Rates                 `json:"rates"`
	AverageDurationMinutes float64               `json:"average_duration_minutes"`
	HourlyDistribution     []HourCount           `json:"hourly_distribution"`
	RoomUtilization        []RoomUtilization     `json:"room_utilization"`
	WeeklyHeatmap          []HeatmapDay          `json:"weekly_heatmap"`
	Therapists             []TherapistStats      `json:"therapists"`
}

// Compute builds the metrics bundle for appointments starting inside rng.
// Appointments outside rng are ignored.
func Compute(appointments []appointment.Appointment, rooms []appointment.ConsultingRoom, rng appointment.DateRange, opts Options) Stats {
	opts = opts.withDefaults()
	loc := opts.Location

	in := make([]appointment.Appointment, 0, len(appointments))
	for _, a := range appointments {
		if rng.Contains(a.Start) {
			in = append(in, a)
		}
	}

	stats := Stats{
		Range:   rng,
		Revenue: decimal.Zero,
	}

	var totalMinutes int
	hourly := make([]int, HourBuckets)
	heat := [7][HourBuckets]int{}
	byRoom := make(map[string]int)
	byTherapist := make(map[string]*TherapistStats)

	for _, a := range in {
		stats.Counts.Total++
		switch a.Status {
		case appointment.StatusReserved:
			stats.Counts.Reserved++
		case appointment.StatusConfirmed:
			stats.Counts.Confirmed++
		case appointment.StatusCheckedIn:
			stats.Counts.CheckedIn++
		case appointment.StatusCompleted:
			stats.Counts.Completed++
		case appointment.StatusCancelled:
			stats.Counts.Cancelled++
		case appointment.StatusNoShow:
			stats.Counts.NoShow++
		}
		if a.RevenueEligible() {
			stats.Revenue = stats.Revenue.Add(a.Cost)
		}
		totalMinutes += a.DurationMinutes

		local := a.Start.In(loc)
		if b := local.Hour() - FirstHour; b >= 0 && b < HourBuckets {
			hourly[b]++
			heat[local.Weekday()][b]++
		}
		byRoom[a.RoomID]++

		ts, ok := byTherapist[a.TherapistID]
		if !ok {
			ts = &TherapistStats{TherapistID: a.TherapistID, Revenue: decimal.Zero}
			byTherapist[a.TherapistID] = ts
		}
		ts.Total++
		switch a.Status {
		case appointment.StatusCompleted:
			ts.Completed++
			if a.Paid {
				ts.Revenue = ts.Revenue.Add(a.Cost)
			}
		case appointment.StatusCancelled:
			ts.Cancelled++
		case appointment.StatusNoShow:
			ts.NoShow++
		}
	}

	total := stats.Counts.Total
	stats.AverageSessionCost = stats.Revenue.DivRound(decimal.NewFromInt(int64(maxInt(stats.Counts.Completed, 1))), 2)
	stats.WorkingDays = rng.WorkingDays(loc)
	stats.TotalAvailableSlots = stats.WorkingDays * opts.WorkingHoursPerDay * len(rooms) * SlotsPerHour
	if stats.TotalAvailableSlots > 0 {
		stats.Rates.Occupancy = percent(total, stats.TotalAvailableSlots)
	}
	stats.Rates.Completion = percent(stats.Counts.Completed, maxInt(total, 1))
	stats.Rates.Cancellation = percent(stats.Counts.Cancelled, maxInt(total, 1))
	stats.Rates.NoShow = percent(stats.Counts.NoShow, maxInt(total, 1))
	if total > 0 {
		stats.AverageDurationMinutes = float64(totalMinutes) / float64(total)
	}

	stats.HourlyDistribution = make([]HourCount, HourBuckets)
	for i, c := range hourly {
		stats.HourlyDistribution[i] = HourCount{Hour: FirstHour + i, Count: c}
	}

	stats.RoomUtilization = make([]RoomUtilization, 0, len(rooms))
	for _, room := range rooms {
		count := byRoom[room.ID]
		stats.RoomUtilization = append(stats.RoomUtilization, RoomUtilization{
			RoomID:      room.ID,
			RoomName:    room.Name,
			Count:       count,
			Utilization: percent(count, maxInt(total, 1)),
		})
	}

	stats.WeeklyHeatmap = make([]HeatmapDay, 7)
	for d := 0; d < 7; d++ {
		cells := make([]HeatCell, HourBuckets)
		for h := 0; h < HourBuckets; h++ {
			count := heat[d][h]
			intensity := Intensity(count, len(rooms))
			cells[h] = HeatCell{Hour: FirstHour + h, Count: count, Intensity: intensity, Tier: Tier(intensity)}
		}
		stats.WeeklyHeatmap[d] = HeatmapDay{Weekday: time.Weekday(d), Hours: cells}
	}

	stats.Therapists = make([]TherapistStats, 0, len(byTherapist))
	for _, ts := range byTherapist {
		stats.Therapists = append(stats.Therapists, *ts)
	}
	sort.Slice(stats.Therapists, func(i, j int) bool {
		return stats.Therapists[i].TherapistID < stats.Therapists[j].TherapistID
	})

	return stats
}

// Intensity normalises a heatmap count by room count, capped at 1. With no
// rooms any booking saturates the cell.
func Intensity(count, rooms int) float64 {
	if count <= 0 {
		return 0
	}
	if rooms <= 0 {
		return 1
	}
	v := float64(count) / float64(rooms)
	if v > 1 {
		return 1
	}
	return v
}

func Tier(intensity float64) int {
	switch {
	case intensity <= 0:
		return 0
	case intensity <= 0.25:
		return 1
	case intensity <= 0.5:
		return 2
	case intensity <= 0.75:
		return 3
	}
	return 4
}

// Active is the number of appointments not yet in a terminal status.
func (c Counts) Active() int {
	return c.Reserved + c.Confirmed + c.CheckedIn
}

func percent(n, d int) float64 {
	return float64(n) / float64(d) * 100
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

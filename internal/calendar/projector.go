// Package calendar turns appointments and blocked-time entries into display
// events for a calendar window. Everything here is pure and safe to call
// concurrently against the same snapshot.
package calendar

import (
	"sort"
	"time"

	"github.com/hackgods/clinic-agenda/internal/appointment"
)

type EntryKind string

const (
	KindAppointment EntryKind = "appointment"
	KindBlocked     EntryKind = "blocked"
)

// Entry is a tagged union: exactly one of Appointment or Block is set,
// selected by Kind.
type Entry struct {
	Kind        EntryKind
	Appointment *appointment.Appointment
	Block       *appointment.Block
}

func AppointmentEntry(a appointment.Appointment) Entry {
	return Entry{Kind: KindAppointment, Appointment: &a}
}

func BlockEntry(b appointment.Block) Entry {
	return Entry{Kind: KindBlocked, Block: &b}
}

// Entries merges appointments and blocks into one tagged slice.
func Entries(appointments []appointment.Appointment, blocks []appointment.Block) []Entry {
	out := make([]Entry, 0, len(appointments)+len(blocks))
	for _, a := range appointments {
		out = append(out, AppointmentEntry(a))
	}
	for _, b := range blocks {
		out = append(out, BlockEntry(b))
	}
	return out
}

type Event struct {
	ID              string                `json:"id"`
	Kind            EntryKind             `json:"kind"`
	Title           string                `json:"title"`
	Start           time.Time             `json:"start"`
	End             time.Time             `json:"end"`
	Color           string                `json:"color"`
	TextColor       string                `json:"text_color"`
	Status          appointment.Status    `json:"status,omitempty"`
	BlockKind       appointment.BlockKind `json:"block_kind,omitempty"`
	Motive          string                `json:"motive,omitempty"`
	IsVirtual       bool                  `json:"is_virtual"`
	RoomID          string                `json:"room_id,omitempty"`
	TherapistID     string                `json:"therapist_id,omitempty"`
	DurationMinutes int                   `json:"duration_minutes,omitempty"`
	// Day is the local midnight of the day the event starts on.
	Day time.Time `json:"day"`
}

const textColor = "#FFFFFF"

var statusColors = map[appointment.Status]string{
	appointment.StatusReserved:  "#3B82F6",
	appointment.StatusConfirmed: "#10B981",
	appointment.StatusCheckedIn: "#F59E0B",
	appointment.StatusCompleted: "#059669",
	appointment.StatusNoShow:    "#EF4444",
	appointment.StatusCancelled: "#6B7280",
}

var blockColors = map[appointment.BlockKind]string{
	appointment.BlockLunch:    "#8B5CF6",
	appointment.BlockVacation: "#EC4899",
	appointment.BlockAbsence:  "#F59E0B",
	appointment.BlockGeneric:  "#6B7280",
}

const fallbackColor = "#6B7280"

func StatusColor(s appointment.Status) string {
	if c, ok := statusColors[s]; ok {
		return c
	}
	return fallbackColor
}

func BlockColor(k appointment.BlockKind) string {
	if c, ok := blockColors[k]; ok {
		return c
	}
	return fallbackColor
}

// Project maps every entry that intersects the view window to one event.
// Output is ordered by start, then kind, then id, so repeated calls on the
// same input yield identical slices.
func Project(entries []Entry, view appointment.CalendarView, loc *time.Location) []Event {
	if loc == nil {
		loc = time.UTC
	}
	rng := view.Range(loc)

	events := make([]Event, 0, len(entries))
	for _, e := range entries {
		ev, ok := project(e, loc)
		if !ok {
			continue
		}
		if !ev.Start.Before(rng.End) || !rng.Start.Before(ev.End) {
			// Zero-length blocks still show when they sit inside the window.
			if !(ev.Start.Equal(ev.End) && rng.Contains(ev.Start)) {
				continue
			}
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Kind != b.Kind {
			return a.Kind == KindAppointment
		}
		return a.ID < b.ID
	})
	return events
}

func project(e Entry, loc *time.Location) (Event, bool) {
	switch e.Kind {
	case KindAppointment:
		if e.Appointment == nil {
			return Event{}, false
		}
		a := e.Appointment
		title := a.PatientName
		if title == "" {
			title = a.Motive
		}
		return Event{
			ID:              "appointment-" + a.ID,
			Kind:            KindAppointment,
			Title:           title,
			Start:           a.Start.In(loc),
			End:             a.End().In(loc),
			Color:           StatusColor(a.Status),
			TextColor:       textColor,
			Status:          a.Status,
			Motive:          a.Motive,
			IsVirtual:       a.IsVirtual,
			RoomID:          a.RoomID,
			TherapistID:     a.TherapistID,
			DurationMinutes: a.DurationMinutes,
			Day:             appointment.StartOfDay(a.Start, loc),
		}, true
	case KindBlocked:
		if e.Block == nil || e.Block.End.Before(e.Block.Start) {
			return Event{}, false
		}
		b := e.Block
		return Event{
			ID:          "blocked-" + b.ID,
			Kind:        KindBlocked,
			Title:       b.Title,
			Start:       b.Start.In(loc),
			End:         b.End.In(loc),
			Color:       BlockColor(b.Kind),
			TextColor:   textColor,
			BlockKind:   b.Kind,
			RoomID:      b.RoomID,
			TherapistID: b.TherapistID,
			Day:         appointment.StartOfDay(b.Start, loc),
		}, true
	}
	return Event{}, false
}

// DayBucket holds the events starting on one calendar day.
type DayBucket struct {
	Day    time.Time `json:"day"`
	Events []Event   `json:"events"`
}

// Buckets groups events by start day, emitting one bucket for every day of
// the view window including empty ones. Events starting before the window
// land in its first bucket.
func Buckets(events []Event, view appointment.CalendarView, loc *time.Location) []DayBucket {
	if loc == nil {
		loc = time.UTC
	}
	rng := view.Range(loc)

	var buckets []DayBucket
	index := make(map[time.Time]int)
	for d := rng.Start; d.Before(rng.End); d = d.AddDate(0, 0, 1) {
		index[d] = len(buckets)
		buckets = append(buckets, DayBucket{Day: d, Events: []Event{}})
	}
	if len(buckets) == 0 {
		return buckets
	}

	for _, ev := range events {
		i, ok := index[appointment.StartOfDay(ev.Start, loc)]
		if !ok {
			if ev.Start.Before(rng.Start) {
				i = 0
			} else {
				continue
			}
		}
		buckets[i].Events = append(buckets[i].Events, ev)
	}
	return buckets
}

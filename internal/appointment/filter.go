package appointment

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateRange is the half-open interval [Start, End).
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return newValidationError("range", "start and end are required")
	}
	if !r.Start.Before(r.End) {
		return newValidationError("range", "start must be before end")
	}
	return nil
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// WorkingDays counts the calendar days, in loc, touched by the range. A range
// from Monday 00:00 to Saturday 00:00 spans five days.
func (r DateRange) WorkingDays(loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	if !r.Start.Before(r.End) {
		return 0
	}
	first := StartOfDay(r.Start, loc)
	last := StartOfDay(r.End.Add(-time.Nanosecond), loc)
	days := 1
	for d := first; d.Before(last); d = d.AddDate(0, 0, 1) {
		days++
	}
	return days
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// AgendaFilters is the explicit query object passed into every agenda read.
type AgendaFilters struct {
	Statuses    []Status
	RoomID      string
	TherapistID string
	// Search is matched case-insensitively against the patient name.
	Search string
	Range  DateRange
}

// Matches reports whether a passes every filter. A zero Range matches any start.
func (f AgendaFilters) Matches(a Appointment) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RoomID != "" && a.RoomID != f.RoomID {
		return false
	}
	if f.TherapistID != "" && a.TherapistID != f.TherapistID {
		return false
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		if !strings.Contains(strings.ToLower(a.PatientName), strings.ToLower(term)) {
			return false
		}
	}
	if !f.Range.Start.IsZero() && !f.Range.End.IsZero() && !f.Range.Contains(a.Start) {
		return false
	}
	return true
}

// ApplyFilters returns the matching appointments ordered by start then id.
func ApplyFilters(appointments []Appointment, f AgendaFilters) []Appointment {
	out := make([]Appointment, 0, len(appointments))
	for _, a := range appointments {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	SortByStart(out)
	return out
}

func SortByStart(appointments []Appointment) {
	sort.SliceStable(appointments, func(i, j int) bool {
		if appointments[i].Start.Equal(appointments[j].Start) {
			return appointments[i].ID < appointments[j].ID
		}
		return appointments[i].Start.Before(appointments[j].Start)
	})
}

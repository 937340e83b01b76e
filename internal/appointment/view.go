package appointment

import (
	"fmt"
	"time"
)

type ViewType string

const (
	ViewDay   ViewType = "day"
	ViewWeek  ViewType = "week"
	ViewMonth ViewType = "month"
)

// CalendarView describes the visible window of the agenda.
type CalendarView struct {
	Type ViewType  `json:"type"`
	Date time.Time `json:"date"`
}

func ParseViewType(raw string) (ViewType, error) {
	switch ViewType(raw) {
	case ViewDay, ViewWeek, ViewMonth:
		return ViewType(raw), nil
	case "":
		return ViewWeek, nil
	}
	return "", fmt.Errorf("unknown calendar view %q", raw)
}

// Range returns the date range the view covers in loc. Weeks start on Monday.
func (v CalendarView) Range(loc *time.Location) DateRange {
	if loc == nil {
		loc = time.UTC
	}
	switch v.Type {
	case ViewDay:
		start := StartOfDay(v.Date, loc)
		return DateRange{Start: start, End: start.AddDate(0, 0, 1)}
	case ViewMonth:
		start := StartOfDay(v.Date, loc)
		start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, loc)
		return DateRange{Start: start, End: start.AddDate(0, 1, 0)}
	default:
		start := StartOfWeek(v.Date, loc)
		return DateRange{Start: start, End: start.AddDate(0, 0, 7)}
	}
}

func StartOfDay(t time.Time, loc *time.Location) time.Time {
	in := t.In(loc)
	return time.Date(in.Year(), in.Month(), in.Day(), 0, 0, 0, 0, loc)
}

func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	start := StartOfDay(t, loc)
	// Monday == 1, Sunday == 0.
	offset := (int(start.Weekday()) + 6) % 7
	return start.AddDate(0, 0, -offset)
}

// Package export renders appointment sets to offline interchange formats.
// Every function here is total: no appointment shape makes it fail, and
// missing optional fields render as empty values.
package export

import (
	"fmt"
	"strings"
	"time"
)

type Format string

const (
	FormatTable    Format = "csv"
	FormatCalendar Format = "ics"
)

// ParseFormat accepts the file extension or the logical name of a format.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "csv", "table", "":
		return FormatTable, nil
	case "ics", "ical", "calendar":
		return FormatCalendar, nil
	}
	return "", fmt.Errorf("unsupported export format %q", raw)
}

func (f Format) ContentType() string {
	if f == FormatCalendar {
		return "text/calendar; charset=utf-8"
	}
	return "text/csv; charset=utf-8"
}

// Filename returns agenda-<YYYY-MM-DD>.<ext> for the given date.
func Filename(f Format, date time.Time) string {
	ext := string(f)
	if ext == "" {
		ext = string(FormatTable)
	}
	return fmt.Sprintf("agenda-%s.%s", date.Format("2006-01-02"), ext)
}

package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/hackgods/clinic-agenda/internal/appointment"
)

// TableHeader is the fixed column order of the tabular export.
var TableHeader = []string{"Patient", "Room", "Motive", "Cost", "Status", "Date", "Therapist"}

const tableDateLayout = "2006-01-02 15:04"

type TableOptions struct {
	// RoomNames maps room ids to display names; unknown ids are written as-is.
	RoomNames map[string]string
	// TherapistNames maps therapist ids to display names.
	TherapistNames map[string]string
	Location       *time.Location
}

// ToTable returns the header row followed by one row per appointment.
func ToTable(appointments []appointment.Appointment, opts TableOptions) [][]string {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	rows := make([][]string, 0, len(appointments)+1)
	rows = append(rows, append([]string(nil), TableHeader...))
	for _, a := range appointments {
		date := ""
		if !a.Start.IsZero() {
			date = a.Start.In(loc).Format(tableDateLayout)
		}
		rows = append(rows, []string{
			a.PatientName,
			lookup(opts.RoomNames, a.RoomID),
			a.Motive,
			a.Cost.StringFixed(2),
			string(a.Status),
			date,
			lookup(opts.TherapistNames, a.TherapistID),
		})
	}
	return rows
}

// WriteCSV writes rows as RFC 4180 CSV. Fields containing commas, quotes or
// newlines are quoted and embedded quotes doubled.
func WriteCSV(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export csv: write record: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export csv: flush: %w", err)
	}
	return nil
}

func lookup(names map[string]string, id string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return id
}

package export

import (
	"strings"

	ics "github.com/arran4/golang-ical"

	"github.com/hackgods/clinic-agenda/internal/appointment"
)

const (
	defaultProdID    = "-//clinic-agenda//agenda export//ES"
	defaultUIDDomain = "clinic-agenda"
)

type CalendarOptions struct {
	ProdID    string
	UIDDomain string
	RoomNames map[string]string
}

// ToCalendar renders one VEVENT per appointment inside a VCALENDAR.
func ToCalendar(appointments []appointment.Appointment, opts CalendarOptions) []byte {
	prodID := opts.ProdID
	if prodID == "" {
		prodID = defaultProdID
	}
	domain := opts.UIDDomain
	if domain == "" {
		domain = defaultUIDDomain
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(prodID)

	for _, a := range appointments {
		ev := cal.AddEvent(a.ID + "@" + domain)

		stamp := a.UpdatedAt
		if stamp.IsZero() {
			stamp = a.Start
		}
		ev.SetDtStampTime(stamp.UTC())
		ev.SetStartAt(a.Start.UTC())
		ev.SetEndAt(a.End().UTC())
		ev.SetSummary(summary(a))
		if desc := description(a); desc != "" {
			ev.SetDescription(desc)
		}
		if where := location(a, opts.RoomNames); where != "" {
			ev.SetLocation(where)
		}
		ev.SetProperty(ics.ComponentPropertyStatus, icsStatus(a.Status))
	}

	return []byte(cal.Serialize())
}

func summary(a appointment.Appointment) string {
	switch {
	case a.PatientName != "" && a.Motive != "":
		return a.PatientName + " - " + a.Motive
	case a.PatientName != "":
		return a.PatientName
	}
	return a.Motive
}

func description(a appointment.Appointment) string {
	var parts []string
	if a.Notes != "" {
		parts = append(parts, a.Notes)
	}
	if a.IsVirtual && a.MeetingLink != "" {
		parts = append(parts, "Enlace: "+a.MeetingLink)
	}
	if a.Status != "" {
		parts = append(parts, "Estado: "+string(a.Status))
	}
	return strings.Join(parts, "\n")
}

func location(a appointment.Appointment, rooms map[string]string) string {
	if a.IsVirtual {
		if a.MeetingLink != "" {
			return a.MeetingLink
		}
		return a.Location
	}
	if a.Location != "" {
		return a.Location
	}
	if a.RoomID == "" {
		return ""
	}
	return lookup(rooms, a.RoomID)
}

func icsStatus(s appointment.Status) string {
	switch s {
	case appointment.StatusCancelled:
		return "CANCELLED"
	case appointment.StatusReserved:
		return "TENTATIVE"
	}
	return "CONFIRMED"
}

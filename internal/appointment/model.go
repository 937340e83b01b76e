package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusReserved  Status = "reservada"
	StatusConfirmed Status = "confirmada"
	StatusCheckedIn Status = "check-in"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no-show"
	StatusCancelled Status = "cancelada"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusReserved,
	StatusConfirmed,
	StatusCheckedIn,
	StatusCompleted,
	StatusNoShow,
	StatusCancelled,
}

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus accepts a status value case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown appointment status %q", raw)
	}
	return s, nil
}

// MaxDurationMinutes bounds a single appointment to one day so that conflict
// windows never need to look back further than the previous day.
const MaxDurationMinutes = 24 * 60

type Appointment struct {
	ID              string
	PatientID       string
	PatientName     string
	TherapistID     string
	RoomID          string
	Start           time.Time
	DurationMinutes int
	Status          Status
	Cost            decimal.Decimal
	Paid            bool
	Motive          string
	Notes           string
	IsVirtual       bool
	Location        string
	MeetingLink     string
	SeriesID        string
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// End is always derived from Start and DurationMinutes.
func (a Appointment) End() time.Time {
	return a.Start.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Overlaps reports half-open overlap between a and the interval [start, end).
func (a Appointment) Overlaps(start, end time.Time) bool {
	return start.Before(a.End()) && a.Start.Before(end)
}

// RevenueEligible reports whether the appointment's cost counts as revenue.
func (a Appointment) RevenueEligible() bool {
	return a.Paid && a.Status == StatusCompleted
}

type ConsultingRoom struct {
	ID   string
	Name string
}

// NewAppointment carries the caller supplied fields for a booking.
type NewAppointment struct {
	PatientID       string
	PatientName     string
	TherapistID     string
	RoomID          string
	Start           time.Time
	DurationMinutes int
	Cost            decimal.Decimal
	Paid            bool
	Motive          string
	Notes           string
	IsVirtual       bool
	Location        string
	MeetingLink     string
	// IdempotencyKey lets a client retry a timed out create without booking twice.
	IdempotencyKey string
}

// Candidate is a proposed interval/resource pair handed to the conflict resolver.
type Candidate struct {
	RoomID          string
	TherapistID     string
	Start           time.Time
	DurationMinutes int
	ExcludeID       string
}

func (c Candidate) End() time.Time {
	return c.Start.Add(time.Duration(c.DurationMinutes) * time.Minute)
}

type BlockKind string

const (
	BlockLunch    BlockKind = "almuerzo"
	BlockVacation BlockKind = "vacaciones"
	BlockAbsence  BlockKind = "ausencia"
	BlockGeneric  BlockKind = "bloqueo"
)

// Block is a non-appointment interval shown on the calendar (lunch, leave, ...).
type Block struct {
	ID          string
	TherapistID string
	RoomID      string
	Title       string
	Kind        BlockKind
	Start       time.Time
	End         time.Time
}

type EventType string

const (
	EventAppointmentCreated       EventType = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled   EventType = "APPOINTMENT_RESCHEDULED"
	EventAppointmentStatusChanged EventType = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentDeleted       EventType = "APPOINTMENT_DELETED"
)

type EventLog struct {
	ID            int64
	EventType     EventType
	AppointmentID string
	Payload       map[string]any
	CreatedAt     time.Time
}

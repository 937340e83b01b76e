package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/analytics"
	"github.com/hackgods/clinic-agenda/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID       string          `json:"patient_id"`
	PatientName     string          `json:"patient_name"`
	TherapistID     string          `json:"therapist_id"`
	RoomID          string          `json:"room_id"`
	Start           time.Time       `json:"start"`
	DurationMinutes int             `json:"duration_minutes"`
	Cost            decimal.Decimal `json:"cost"`
	Paid            bool            `json:"paid"`
	Motive          string          `json:"motive"`
	Notes           string          `json:"notes"`
	IsVirtual       bool            `json:"is_virtual"`
	Location        string          `json:"location"`
	MeetingLink     string          `json:"meeting_link"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

func (r CreateAppointmentRequest) toNew() appointment.NewAppointment {
	return appointment.NewAppointment{
		PatientID:       r.PatientID,
		PatientName:     r.PatientName,
		TherapistID:     r.TherapistID,
		RoomID:          r.RoomID,
		Start:           r.Start,
		DurationMinutes: r.DurationMinutes,
		Cost:            r.Cost,
		Paid:            r.Paid,
		Motive:          r.Motive,
		Notes:           r.Notes,
		IsVirtual:       r.IsVirtual,
		Location:        r.Location,
		MeetingLink:     r.MeetingLink,
		IdempotencyKey:  r.IdempotencyKey,
	}
}

type RecurrenceRequest struct {
	Frequency string    `json:"frequency"`
	Interval  int       `json:"interval"`
	Count     int       `json:"count"`
	Until     time.Time `json:"until"`
}

type CreateSeriesRequest struct {
	CreateAppointmentRequest
	Recurrence RecurrenceRequest `json:"recurrence"`
}

type RescheduleRequest struct {
	Start           time.Time `json:"start"`
	DurationMinutes *int      `json:"duration_minutes,omitempty"`
}

type ResizeRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type AppointmentResponse struct {
	ID              string          `json:"id"`
	PatientID       string          `json:"patient_id"`
	PatientName     string          `json:"patient_name"`
	TherapistID     string          `json:"therapist_id"`
	RoomID          string          `json:"room_id"`
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	DurationMinutes int             `json:"duration_minutes"`
	Status          string          `json:"status"`
	Cost            decimal.Decimal `json:"cost"`
	Paid            bool            `json:"paid"`
	Motive          string          `json:"motive"`
	Notes           string          `json:"notes,omitempty"`
	IsVirtual       bool            `json:"is_virtual"`
	Location        string          `json:"location,omitempty"`
	MeetingLink     string          `json:"meeting_link,omitempty"`
	SeriesID        string          `json:"series_id,omitempty"`
	Version         int             `json:"version"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		PatientName:     a.PatientName,
		TherapistID:     a.TherapistID,
		RoomID:          a.RoomID,
		Start:           a.Start,
		End:             a.End(),
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		Cost:            a.Cost,
		Paid:            a.Paid,
		Motive:          a.Motive,
		Notes:           a.Notes,
		IsVirtual:       a.IsVirtual,
		Location:        a.Location,
		MeetingLink:     a.MeetingLink,
		SeriesID:        a.SeriesID,
		Version:         a.Version,
	}
}

func toAppointmentResponses(appts []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentResponse(a))
	}
	return out
}

type AgendaResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Stats        analytics.Stats       `json:"stats"`
}

func toAgendaResponse(a agenda.Agenda) AgendaResponse {
	return AgendaResponse{
		Appointments: toAppointmentResponses(a.Appointments),
		Stats:        a.Stats,
	}
}

type RoomResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	// BlockingAppointmentID lets the UI snap a dragged appointment back.
	BlockingAppointmentID string `json:"blocking_appointment_id,omitempty"`
	Resource              string `json:"resource,omitempty"`
}

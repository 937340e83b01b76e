package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/appointment"
	"github.com/hackgods/clinic-agenda/internal/export"
)

const (
	maxBodyBytes         = 1 << 20
	idempotencyKeyHeader = "Idempotency-Key"
	dateLayout           = "2006-01-02"
)

func listRoomsHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := svc.ListRooms(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		resp := make([]RoomResponse, 0, len(rooms))
		for _, room := range rooms {
			resp = append(resp, RoomResponse{ID: room.ID, Name: room.Name})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAgendaHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters, err := parseFilters(r, svc.Location())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		result, err := svc.GetAgenda(r.Context(), filters)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAgendaResponse(result))
	}
}

func getCalendarHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := parseView(r, svc.Location())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		filters, err := parseFilters(r, svc.Location())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		cal, err := svc.GetCalendar(r.Context(), view, filters)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cal)
	}
}

func exportAgendaHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_format", Details: err.Error()})
			return
		}
		filters, err := parseFilters(r, svc.Location())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		out, err := svc.ExportAgenda(r.Context(), filters, format)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", out.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.Body)
	}
}

func createAppointmentHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = r.Header.Get(idempotencyKeyHeader)
		}

		appt, err := svc.CreateAppointment(r.Context(), req.toNew())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func createSeriesHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSeriesRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = r.Header.Get(idempotencyKeyHeader)
		}

		rule := appointment.RecurrenceRule{
			Frequency: appointment.Frequency(strings.ToLower(req.Recurrence.Frequency)),
			Interval:  req.Recurrence.Interval,
			Count:     req.Recurrence.Count,
			Until:     req.Recurrence.Until,
		}
		appts, err := svc.CreateSeries(r.Context(), req.toNew(), rule)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponses(appts))
	}
}

func rescheduleAppointmentHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RescheduleRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.RescheduleAppointment(r.Context(), chi.URLParam(r, "id"), req.Start, req.DurationMinutes)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func resizeAppointmentHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResizeRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.ResizeAppointment(r.Context(), chi.URLParam(r, "id"), req.DurationMinutes)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func setStatusHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status, err := appointment.ParseStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorResponse{
				Error:  "validation_failed",
				Fields: map[string]string{"status": err.Error()},
			})
			return
		}

		appt, err := svc.SetAppointmentStatus(r.Context(), chi.URLParam(r, "id"), status)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func deleteAppointmentHandler(svc *agenda.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteAppointment(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request_body", Details: "could not parse JSON"})
		return false
	}
	return true
}

// parseFilters reads start, end, status, room_id, therapist_id and search.
// When start and end are both absent a view/date pair supplies the range.
func parseFilters(r *http.Request, loc *time.Location) (appointment.AgendaFilters, error) {
	q := r.URL.Query()
	vErr := &appointment.ValidationError{FieldErrors: map[string]string{}}

	filters := appointment.AgendaFilters{
		RoomID:      q.Get("room_id"),
		TherapistID: q.Get("therapist_id"),
		Search:      q.Get("search"),
	}

	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			s, err := appointment.ParseStatus(part)
			if err != nil {
				vErr.FieldErrors["status"] = err.Error()
				continue
			}
			filters.Statuses = append(filters.Statuses, s)
		}
	}

	startRaw, endRaw := q.Get("start"), q.Get("end")
	switch {
	case startRaw == "" && endRaw == "" && q.Get("view") != "":
		view, err := parseView(r, loc)
		if err != nil {
			return filters, err
		}
		filters.Range = view.Range(loc)
	default:
		start, err := parseTime(startRaw, loc)
		if err != nil {
			vErr.FieldErrors["start"] = err.Error()
		}
		end, err := parseTime(endRaw, loc)
		if err != nil {
			vErr.FieldErrors["end"] = err.Error()
		}
		filters.Range = appointment.DateRange{Start: start, End: end}
	}

	if vErr.HasErrors() {
		return filters, vErr
	}
	return filters, nil
}

func parseView(r *http.Request, loc *time.Location) (appointment.CalendarView, error) {
	q := r.URL.Query()
	viewType, err := appointment.ParseViewType(q.Get("view"))
	if err != nil {
		return appointment.CalendarView{}, &appointment.ValidationError{FieldErrors: map[string]string{"view": err.Error()}}
	}
	date, err := parseTime(q.Get("date"), loc)
	if err != nil {
		return appointment.CalendarView{}, &appointment.ValidationError{FieldErrors: map[string]string{"date": err.Error()}}
	}
	return appointment.CalendarView{Type: viewType, Date: date}, nil
}

// parseTime accepts RFC 3339 or a bare date, which is local midnight in loc.
// An empty value yields the zero time.
func parseTime(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: appointment.ErrorKind(err), Details: err.Error()}
	status := http.StatusInternalServerError

	switch resp.Error {
	case "validation":
		status = http.StatusBadRequest
		resp.Error = "validation_failed"
		var vErr *appointment.ValidationError
		if errors.As(err, &vErr) {
			resp.Fields = vErr.FieldErrors
		}
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
		var cErr *appointment.ConflictError
		if errors.As(err, &cErr) {
			resp.BlockingAppointmentID = cErr.BlockingID
			resp.Resource = string(cErr.Resource)
		}
		if errors.Is(err, appointment.ErrResourceBusy) {
			resp.Error = "resource_busy"
		}
	case "illegal_transition", "duplicate_request":
		status = http.StatusConflict
	case "store":
		status = http.StatusServiceUnavailable
		resp.Details = "storage is temporarily unavailable"
	default:
		resp.Error = "internal_error"
		resp.Details = "unexpected error"
	}

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

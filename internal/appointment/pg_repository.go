package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// pgxDB is the subset of *pgxpool.Pool the repository needs.
type pgxDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgRepository implements Store, RoomCatalog, BlockSource and EventSink on Postgres.
type PgRepository struct {
	db pgxDB
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

func NewPgRepositoryWithDB(db pgxDB) *PgRepository {
	return &PgRepository{db: db}
}

const appointmentColumns = `id::text, patient_id, patient_name, therapist_id, room_id, starts_at, duration_minutes,
	status, cost::text, paid, motive, notes, is_virtual, location, meeting_link, COALESCE(series_id::text, ''), version,
	created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (Appointment, error) {
	var (
		a      Appointment
		status string
		cost   string
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.PatientName,
		&a.TherapistID,
		&a.RoomID,
		&a.Start,
		&a.DurationMinutes,
		&status,
		&cost,
		&a.Paid,
		&a.Motive,
		&a.Notes,
		&a.IsVirtual,
		&a.Location,
		&a.MeetingLink,
		&a.SeriesID,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, err
	}

	a.Status = Status(status)
	a.Cost, err = decimal.NewFromString(cost)
	if err != nil {
		return Appointment{}, fmt.Errorf("parse cost %q: %w", cost, err)
	}
	return a, nil
}

func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation:
			return fmt.Errorf("%w: %s", ErrOverlap, pgErr.ConstraintName)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrStaleWrite, pgErr.ConstraintName)
		}
	}
	return err
}

// knownID reports whether id can name a row at all. appointments.id is a UUID
// column, so anything else would come back as SQLSTATE 22P02.
func knownID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Store

func (r *PgRepository) FetchAppointments(ctx context.Context, rng DateRange, filters AgendaFilters) ([]Appointment, error) {
	var (
		where = []string{"starts_at >= $1", "starts_at < $2"}
		args  = []any{rng.Start, rng.End}
	)
	next := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if len(filters.Statuses) > 0 {
		statuses := make([]string, 0, len(filters.Statuses))
		for _, s := range filters.Statuses {
			statuses = append(statuses, string(s))
		}
		next("status = ANY($%d)", statuses)
	}
	if filters.RoomID != "" {
		next("room_id = $%d", filters.RoomID)
	}
	if filters.TherapistID != "" {
		next("therapist_id = $%d", filters.TherapistID)
	}
	if term := strings.TrimSpace(filters.Search); term != "" {
		next("patient_name ILIKE '%%' || $%d || '%%'", term)
	}

	query := "SELECT " + appointmentColumns + "\n\t\tFROM appointments\n\t\tWHERE " +
		strings.Join(where, " AND ") + "\n\t\tORDER BY starts_at, id"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	result := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) Get(ctx context.Context, id string) (Appointment, error) {
	if !knownID(id) {
		return Appointment{}, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// Save inserts when a.Version is zero and otherwise performs a compare-and-set
// update on version. ends_at is written only to back the exclusion constraints.
func (r *PgRepository) Save(ctx context.Context, a Appointment) (Appointment, error) {
	var seriesID *string
	if a.SeriesID != "" {
		seriesID = &a.SeriesID
	}

	if a.Version == 0 {
		row := r.db.QueryRow(ctx, `
			INSERT INTO appointments (
				id, patient_id, patient_name, therapist_id, room_id, starts_at, duration_minutes, ends_at,
				status, cost, paid, motive, notes, is_virtual, location, meeting_link, series_id, version,
				created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $18)
			RETURNING `+appointmentColumns,
			a.ID, a.PatientID, a.PatientName, a.TherapistID, a.RoomID, a.Start.UTC(), a.DurationMinutes,
			a.End().UTC(), string(a.Status), a.Cost.String(), a.Paid, a.Motive, a.Notes, a.IsVirtual,
			a.Location, a.MeetingLink, seriesID, timestampOrNow(a.CreatedAt),
		)
		saved, err := scanAppointment(row)
		if err != nil {
			return Appointment{}, translatePgError(err)
		}
		return saved, nil
	}

	if !knownID(a.ID) {
		return Appointment{}, ErrNotFound
	}

	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET starts_at = $2,
		    duration_minutes = $3,
		    ends_at = $4,
		    status = $5,
		    cost = $6,
		    paid = $7,
		    motive = $8,
		    notes = $9,
		    is_virtual = $10,
		    location = $11,
		    meeting_link = $12,
		    version = version + 1,
		    updated_at = $13
		WHERE id = $1
		  AND version = $14
		RETURNING `+appointmentColumns,
		a.ID, a.Start.UTC(), a.DurationMinutes, a.End().UTC(), string(a.Status), a.Cost.String(), a.Paid,
		a.Motive, a.Notes, a.IsVirtual, a.Location, a.MeetingLink, timestampOrNow(a.UpdatedAt), a.Version,
	)
	saved, err := scanAppointment(row)
	if errors.Is(err, ErrNotFound) {
		// Either the row is gone or someone else bumped the version.
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return Appointment{}, fmt.Errorf("check appointment exists: %w", err)
		}
		if exists {
			return Appointment{}, ErrStaleWrite
		}
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, translatePgError(err)
	}
	return saved, nil
}

func (r *PgRepository) Delete(ctx context.Context, id string) error {
	if !knownID(id) {
		return ErrNotFound
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RoomCatalog

func (r *PgRepository) ListRooms(ctx context.Context) ([]ConsultingRoom, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name
		FROM consulting_rooms
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []ConsultingRoom
	for rows.Next() {
		var room ConsultingRoom
		if err := rows.Scan(&room.ID, &room.Name); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// SaveRoom creates the room or renames it when the id already exists.
func (r *PgRepository) SaveRoom(ctx context.Context, room ConsultingRoom) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO consulting_rooms (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, room.ID, room.Name)
	if err != nil {
		return fmt.Errorf("save room: %w", err)
	}
	return nil
}

// BlockSource

func (r *PgRepository) FetchBlocks(ctx context.Context, rng DateRange) ([]Block, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, COALESCE(therapist_id, ''), COALESCE(room_id, ''), title, kind, starts_at, ends_at
		FROM blocked_times
		WHERE starts_at < $2
		  AND ends_at > $1
		ORDER BY starts_at, id
	`, rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("query blocked times: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var (
			b    Block
			kind string
		)
		if err := rows.Scan(&b.ID, &b.TherapistID, &b.RoomID, &b.Title, &kind, &b.Start, &b.End); err != nil {
			return nil, err
		}
		b.Kind = BlockKind(kind)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (r *PgRepository) SaveBlock(ctx context.Context, b Block) error {
	var therapistID, roomID *string
	if b.TherapistID != "" {
		therapistID = &b.TherapistID
	}
	if b.RoomID != "" {
		roomID = &b.RoomID
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO blocked_times (id, therapist_id, room_id, title, kind, starts_at, ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, therapistID, roomID, b.Title, string(b.Kind), b.Start.UTC(), b.End.UTC())
	if err != nil {
		return fmt.Errorf("save blocked time: %w", err)
	}
	return nil
}

// EventSink

func (r *PgRepository) RecordEvent(ctx context.Context, ev EventLog) error {
	var appID *string
	if ev.AppointmentID != "" {
		appID = &ev.AppointmentID
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, string(ev.EventType), appID, ev.Payload, timestampOrNow(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

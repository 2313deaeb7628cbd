package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// Querier is the subset of *pgxpool.Pool the repository uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

type PgRepository struct {
	db Querier
}

func NewPgRepository(db Querier) *PgRepository {
	if db == nil {
		panic("schedule: postgres querier required")
	}
	return &PgRepository{db: db}
}

var (
	_ Repository      = (*PgRepository)(nil)
	_ DirectoryWriter = (*PgRepository)(nil)
)

// Helpers

const appointmentColumns = `id, patient_id, practitioner_id, start_time, duration_minutes, status, modality, fee_cents, expires_at, created_at, updated_at`

const waitlistColumns = `id, patient_id, practitioner_id, preferred_date, preferred_time_of_day, status, notified_at, fulfilled_appointment_id, created_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner
	err := row.Scan(&p.ID, &p.Name, &p.Specialty, &p.Rating, &p.AcceptingPatients, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPractitionerNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAvailability(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var day int16
	var start, end pgtype.Time

	if err := row.Scan(&w.ID, &w.PractitionerID, &day, &start, &end, &w.Active, &w.CreatedAt); err != nil {
		return nil, err
	}

	w.Weekday = time.Weekday(day)
	w.Start = clockFromPG(start)
	w.End = clockFromPG(end)
	return &w, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var minutes int32

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.PractitionerID,
		&a.StartTime,
		&minutes,
		&a.Status,
		&a.Modality,
		&a.FeeCents,
		&a.ExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Duration = time.Duration(minutes) * time.Minute
	return &a, nil
}

func scanReservation(row pgx.Row) (*ResourceReservation, error) {
	var r ResourceReservation
	if err := row.Scan(&r.ID, &r.ResourceID, &r.AppointmentID, &r.Date, &r.StartTime, &r.EndTime, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanWaitlistEntry(row pgx.Row) (*WaitlistEntry, error) {
	var e WaitlistEntry
	var bucket *string

	err := row.Scan(
		&e.ID,
		&e.PatientID,
		&e.PractitionerID,
		&e.PreferredDate,
		&bucket,
		&e.Status,
		&e.NotifiedAt,
		&e.FulfilledAppointmentID,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWaitlistEntryNotFound
		}
		return nil, err
	}

	if bucket != nil {
		tod := TimeOfDay(*bucket)
		e.PreferredTimeOfDay = &tod
	}
	return &e, nil
}

func clockFromPG(t pgtype.Time) Clock {
	return Clock(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func clockToPG(c Clock) pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * int64(time.Minute/time.Microsecond), Valid: true}
}

// mapWriteError turns a uniqueness or exclusion violation into the store's
// conflict sentinel so callers never see driver types.
func mapWriteError(err error, taken error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgUniqueViolation || pgErr.Code == pgExclusionViolation) {
		return fmt.Errorf("%w (%s)", taken, pgErr.ConstraintName)
	}
	return err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Directory

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, rating, accepting_patients, created_at, updated_at
		FROM practitioners
		WHERE id = $1
	`, id)
	return scanPractitioner(row)
}

func (r *PgRepository) GetResourceByID(ctx context.Context, id uuid.UUID) (*Resource, error) {
	var res Resource
	err := r.db.QueryRow(ctx, `
		SELECT id, kind, name, created_at
		FROM resources
		WHERE id = $1
	`, id).Scan(&res.ID, &res.Kind, &res.Name, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResourceNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (r *PgRepository) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING created_at, updated_at
	`, p.ID, p.Name, p.Email, p.Phone).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *PgRepository) CreatePractitioner(ctx context.Context, p *Practitioner) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO practitioners (id, name, specialty, rating, accepting_patients, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING created_at, updated_at
	`, p.ID, p.Name, p.Specialty, p.Rating, p.AcceptingPatients).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert practitioner: %w", err)
	}
	return nil
}

func (r *PgRepository) CreateResource(ctx context.Context, res *Resource) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO resources (id, kind, name, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING created_at
	`, res.ID, string(res.Kind), res.Name).Scan(&res.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (r *PgRepository) ListPractitionersBySpecialty(ctx context.Context, specialty string) ([]Practitioner, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, specialty, rating, accepting_patients, created_at, updated_at
		FROM practitioners
		WHERE lower(specialty) = lower($1) AND accepting_patients
		ORDER BY rating DESC, id
	`, specialty)
	if err != nil {
		return nil, fmt.Errorf("list practitioners: %w", err)
	}
	return collect(rows, scanPractitioner)
}

// Calendar

func (r *PgRepository) ListAvailability(ctx context.Context, practitionerID uuid.UUID) ([]AvailabilityWindow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, practitioner_id, day_of_week, start_time, end_time, active, created_at
		FROM availability_windows
		WHERE practitioner_id = $1 AND active
		ORDER BY day_of_week, start_time
	`, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	return collect(rows, scanAvailability)
}

func (r *PgRepository) CreateAvailability(ctx context.Context, w *AvailabilityWindow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO availability_windows (id, practitioner_id, day_of_week, start_time, end_time, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING created_at
	`, w.ID, w.PractitionerID, int16(w.Weekday), clockToPG(w.Start), clockToPG(w.End), w.Active).Scan(&w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert availability: %w", err)
	}
	return nil
}

func (r *PgRepository) ListActiveAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1
		  AND status IN ('pending', 'confirmed')
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, practitionerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) ListReservations(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]ResourceReservation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, resource_id, appointment_id, reservation_date, start_time, end_time, created_at
		FROM resource_reservations
		WHERE resource_id = $1
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, resourceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return collect(rows, scanReservation)
}

// Booking writes

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, practitioner_id, start_time, end_time, duration_minutes,
		                          status, modality, fee_cents, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.PatientID, a.PractitionerID, a.StartTime, a.EndTime(), int32(a.Duration/time.Minute),
		a.Status, a.Modality, a.FeeCents, a.ExpiresAt).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return mapWriteError(err, ErrPractitionerTaken)
	}
	return nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time DESC, id
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, to, from)

	appt, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, getErr := r.GetAppointmentByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusChanged
	}
	return appt, err
}

func (r *PgRepository) FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) CreateReservation(ctx context.Context, res *ResourceReservation) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO resource_reservations (id, resource_id, appointment_id, reservation_date, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING created_at
	`, res.ID, res.ResourceID, res.AppointmentID, res.Date, res.StartTime, res.EndTime).Scan(&res.CreatedAt)
	if err != nil {
		return mapWriteError(err, ErrResourceTaken)
	}
	return nil
}

func (r *PgRepository) DeleteReservation(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM resource_reservations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

func (r *PgRepository) ListReservationsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]ResourceReservation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, resource_id, appointment_id, reservation_date, start_time, end_time, created_at
		FROM resource_reservations
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list reservations by appointment: %w", err)
	}
	return collect(rows, scanReservation)
}

func (r *PgRepository) DeleteReservationsByAppointment(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM resource_reservations WHERE appointment_id = $1`, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("delete reservations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) DeleteStaleReservations(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM resource_reservations rr
		USING appointments a
		WHERE rr.appointment_id = a.id
		  AND a.status NOT IN ('pending', 'confirmed')
	`)
	if err != nil {
		return 0, fmt.Errorf("delete stale reservations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Waitlist

func (r *PgRepository) CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = WaitlistWaiting
	}
	var bucket *string
	if e.PreferredTimeOfDay != nil {
		s := string(*e.PreferredTimeOfDay)
		bucket = &s
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO waitlist_entries (id, patient_id, practitioner_id, preferred_date, preferred_time_of_day, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, clock_timestamp())
		RETURNING created_at
	`, e.ID, e.PatientID, e.PractitionerID, e.PreferredDate, bucket, e.Status).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

func (r *PgRepository) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE id = $1
	`, id)
	return scanWaitlistEntry(row)
}

func (r *PgRepository) ListWaiting(ctx context.Context, practitionerID uuid.UUID) ([]WaitlistEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE practitioner_id = $1 AND status = 'waiting'
		ORDER BY created_at ASC, id ASC
	`, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}
	return collect(rows, scanWaitlistEntry)
}

func (r *PgRepository) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'notified',
		    notified_at = $2
		WHERE id = $1 AND status = 'waiting'
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) MarkFulfilled(ctx context.Context, id, appointmentID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'fulfilled',
		    fulfilled_appointment_id = $2
		WHERE id = $1 AND status IN ('waiting', 'notified')
	`, id, appointmentID)
	if err != nil {
		return fmt.Errorf("mark fulfilled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetWaitlistEntry(ctx, id); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

func (r *PgRepository) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from []WaitlistStatus, to WaitlistStatus) (*WaitlistEntry, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	row := r.db.QueryRow(ctx, `
		UPDATE waitlist_entries
		SET status = $2::text,
		    notified_at = CASE WHEN $2::text = 'waiting' THEN NULL ELSE notified_at END
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+waitlistColumns, id, string(to), allowed)

	entry, err := scanWaitlistEntry(row)
	if errors.Is(err, ErrWaitlistEntryNotFound) {
		if _, getErr := r.GetWaitlistEntry(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusChanged
	}
	return entry, err
}

func (r *PgRepository) RecordNotificationFailure(ctx context.Context, f NotificationFailure) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_failures (id, waitlist_entry_id, appointment_id, channel, error, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, f.ID, f.WaitlistEntryID, f.AppointmentID, f.Channel, f.Error)
	if err != nil {
		return fmt.Errorf("insert notification failure: %w", err)
	}
	return nil
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound       = errors.New("patient not found")
	ErrPractitionerNotFound  = errors.New("practitioner not found")
	ErrResourceNotFound      = errors.New("resource not found")
	ErrAppointmentNotFound   = errors.New("appointment not found")
	ErrWaitlistEntryNotFound = errors.New("waitlist entry not found")

	// Raised by the store itself when a write would break an exclusivity rule.
	// These are the final authority on double booking.
	ErrPractitionerTaken = errors.New("practitioner already booked for an overlapping interval")
	ErrResourceTaken     = errors.New("resource already reserved for an overlapping interval")

	// ErrStatusChanged means a conditional status update found the row in another state.
	ErrStatusChanged = errors.New("status changed concurrently")

	ErrInvalidInput = errors.New("invalid input")
)

// Invalid builds a validation error that unwraps to ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsNotFound matches every not-found sentinel of the store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrPractitionerNotFound) ||
		errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrWaitlistEntryNotFound)
}

type DirectoryReader interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetResourceByID(ctx context.Context, id uuid.UUID) (*Resource, error)
	// ListPractitionersBySpecialty returns practitioners accepting patients.
	ListPractitionersBySpecialty(ctx context.Context, specialty string) ([]Practitioner, error)
}

// CalendarReader is what slot generation needs. All interval queries are
// half-open and return rows overlapping [from, to).
type CalendarReader interface {
	ListAvailability(ctx context.Context, practitionerID uuid.UUID) ([]AvailabilityWindow, error)
	ListActiveAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Appointment, error)
	ListReservations(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]ResourceReservation, error)
}

type BookingStore interface {
	// CreateAppointment returns ErrPractitionerTaken when a non-terminal
	// appointment of the same practitioner overlaps.
	CreateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListAppointmentsByPatient returns the newest appointments first.
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error)

	// CreateReservation returns ErrResourceTaken on overlap.
	CreateReservation(ctx context.Context, r *ResourceReservation) error
	DeleteReservation(ctx context.Context, id uuid.UUID) error
	ListReservationsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]ResourceReservation, error)
	DeleteReservationsByAppointment(ctx context.Context, appointmentID uuid.UUID) (int, error)
	// DeleteStaleReservations drops reservations whose appointment no longer
	// holds capacity.
	DeleteStaleReservations(ctx context.Context) (int, error)
}

type WaitlistStore interface {
	CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error
	GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error)
	// ListWaiting returns waiting entries oldest first.
	ListWaiting(ctx context.Context, practitionerID uuid.UUID) ([]WaitlistEntry, error)
	// MarkNotified moves a waiting entry to notified. It reports false when
	// the entry was no longer waiting.
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkFulfilled(ctx context.Context, id, appointmentID uuid.UUID) error
	UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from []WaitlistStatus, to WaitlistStatus) (*WaitlistEntry, error)
	RecordNotificationFailure(ctx context.Context, f NotificationFailure) error
}

// DirectoryWriter registers the people and things bookings refer to.
type DirectoryWriter interface {
	CreatePatient(ctx context.Context, p *Patient) error
	CreatePractitioner(ctx context.Context, p *Practitioner) error
	CreateResource(ctx context.Context, r *Resource) error
}

type AvailabilityWriter interface {
	CreateAvailability(ctx context.Context, w *AvailabilityWindow) error
}

type EventWriter interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all store interactions of the scheduling core.
type Repository interface {
	DirectoryReader
	CalendarReader
	BookingStore
	WaitlistStore
	AvailabilityWriter
	EventWriter
}

package booking

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ConflictKind string

const (
	ConflictPractitioner ConflictKind = "practitioner_conflict"
	ConflictRoom         ConflictKind = "room_conflict"
	ConflictEquipment    ConflictKind = "equipment_conflict"
)

var (
	// ErrConflict matches every ConflictError.
	ErrConflict = errors.New("booking conflict")

	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAppointmentExpired = errors.New("appointment hold has expired")
)

// ConflictError is returned when a practitioner or resource is already held
// for an overlapping interval, whether found by the pre-check or by the store.
type ConflictError struct {
	Kind           ConflictKind
	PractitionerID uuid.UUID
	ResourceID     uuid.UUID
	Err            error
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictPractitioner:
		return fmt.Sprintf("%s: practitioner %s is already booked", e.Kind, e.PractitionerID)
	default:
		return fmt.Sprintf("%s: resource %s is already reserved", e.Kind, e.ResourceID)
	}
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.Err }

// ConflictOf extracts the typed conflict from err, if any.
func ConflictOf(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func practitionerConflict(id uuid.UUID, cause error) *ConflictError {
	return &ConflictError{Kind: ConflictPractitioner, PractitionerID: id, Err: cause}
}

func resourceConflict(kind ConflictKind, id uuid.UUID, cause error) *ConflictError {
	return &ConflictError{Kind: kind, ResourceID: id, Err: cause}
}

package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

type JoinRequest struct {
	PatientID          uuid.UUID
	PractitionerID     uuid.UUID
	PreferredDate      *time.Time
	PreferredTimeOfDay *schedule.TimeOfDay
}

// Join queues a patient for a practitioner. Arrival time fixes FIFO order.
func (m *Matcher) Join(ctx context.Context, req JoinRequest) (*schedule.WaitlistEntry, error) {
	if req.PatientID == uuid.Nil || req.PractitionerID == uuid.Nil {
		return nil, schedule.Invalid("patient_id and practitioner_id are required")
	}
	if req.PreferredTimeOfDay != nil {
		if _, _, ok := req.PreferredTimeOfDay.Hours(); !ok {
			return nil, schedule.Invalid("preferred_time_of_day must be morning, afternoon or evening")
		}
	}

	if _, err := m.store.GetPatientByID(ctx, req.PatientID); err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := m.store.GetPractitionerByID(ctx, req.PractitionerID); err != nil {
		return nil, fmt.Errorf("load practitioner: %w", err)
	}

	entry := &schedule.WaitlistEntry{
		ID:                 uuid.New(),
		PatientID:          req.PatientID,
		PractitionerID:     req.PractitionerID,
		PreferredTimeOfDay: req.PreferredTimeOfDay,
		Status:             schedule.WaitlistWaiting,
	}
	if req.PreferredDate != nil {
		y, mo, d := req.PreferredDate.Date()
		date := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
		entry.PreferredDate = &date
	}

	if err := m.store.CreateWaitlistEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create waitlist entry: %w", err)
	}
	return entry, nil
}

func (m *Matcher) Get(ctx context.Context, id uuid.UUID) (*schedule.WaitlistEntry, error) {
	entry, err := m.store.GetWaitlistEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get waitlist entry: %w", err)
	}
	return entry, nil
}

// Requeue puts a notified entry back in line at its original position.
func (m *Matcher) Requeue(ctx context.Context, id uuid.UUID) (*schedule.WaitlistEntry, error) {
	return m.transition(ctx, id, []schedule.WaitlistStatus{schedule.WaitlistNotified}, schedule.WaitlistWaiting)
}

func (m *Matcher) Expire(ctx context.Context, id uuid.UUID) (*schedule.WaitlistEntry, error) {
	return m.transition(ctx, id, []schedule.WaitlistStatus{schedule.WaitlistWaiting, schedule.WaitlistNotified}, schedule.WaitlistExpired)
}

func (m *Matcher) transition(ctx context.Context, id uuid.UUID, from []schedule.WaitlistStatus, to schedule.WaitlistStatus) (*schedule.WaitlistEntry, error) {
	entry, err := m.store.UpdateWaitlistStatus(ctx, id, from, to)
	if errors.Is(err, schedule.ErrStatusChanged) {
		return nil, fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, to)
	}
	if err != nil {
		return nil, fmt.Errorf("update waitlist entry: %w", err)
	}
	return entry, nil
}

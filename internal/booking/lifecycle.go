package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

// Get returns the appointment and the reservations it owns.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Result, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	reservations, err := s.repo.ListReservationsByAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return &Result{Appointment: *appt, Reservations: reservations}, nil
}

// ListByPatient pages through a patient's appointments, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]schedule.Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	appts, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

// Confirm moves a pending appointment to confirmed. A pending hold whose
// expiry has passed is released instead and ErrAppointmentExpired returned.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*schedule.Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if appt.Status != schedule.StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, schedule.StatusConfirmed)
	}

	if appt.ExpiresAt != nil && appt.ExpiresAt.Before(s.now()) {
		if _, err := s.release(ctx, *appt, EventAppointmentExpired, "confirm_after_expiry"); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.logger.Error("failed to release expired appointment during confirm", "appointment_id", appt.ID, "error", err)
		}
		return nil, ErrAppointmentExpired
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, schedule.StatusPending, schedule.StatusConfirmed)
	if errors.Is(err, schedule.ErrStatusChanged) {
		return nil, fmt.Errorf("%w: appointment changed concurrently", ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentConfirmed, map[string]any{})
	return updated, nil
}

// Cancel releases a pending or confirmed appointment and its reservations,
// then offers the freed time to the waitlist.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*schedule.Appointment, error) {
	if reason == "" {
		reason = "cancelled"
	}

	// One retry covers a concurrent pending -> confirmed move.
	for attempt := 0; attempt < 2; attempt++ {
		appt, err := s.repo.GetAppointmentByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load appointment: %w", err)
		}
		if !appt.Status.HoldsCapacity() {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, schedule.StatusCancelled)
		}

		updated, err := s.release(ctx, *appt, EventAppointmentCancelled, reason)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("%w: appointment changed concurrently", ErrInvalidTransition)
}

// Transition applies an externally driven status change.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to schedule.AppointmentStatus, reason string) (*schedule.Appointment, error) {
	if !to.Valid() {
		return nil, schedule.Invalid("unknown status %q", to)
	}

	switch to {
	case schedule.StatusConfirmed:
		return s.Confirm(ctx, id)
	case schedule.StatusCancelled:
		return s.Cancel(ctx, id, reason)
	case schedule.StatusCompleted, schedule.StatusNoShow:
	default:
		return nil, fmt.Errorf("%w: cannot move back to %s", ErrInvalidTransition, to)
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, schedule.StatusConfirmed, to)
	if errors.Is(err, schedule.ErrStatusChanged) {
		return nil, fmt.Errorf("%w: only confirmed appointments can become %s", ErrInvalidTransition, to)
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	event := EventAppointmentCompleted
	if to == schedule.StatusNoShow {
		event = EventAppointmentNoShow
	}
	s.logEvent(ctx, updated.ID, event, map[string]any{"reason": reason})
	return updated, nil
}

// ExpirePending releases pending holds past their expiry. It is called by
// the worker periodically and returns how many were released.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	expired, err := s.repo.FindExpiredPending(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("find expired pending appointments: %w", err)
	}

	released := 0
	for _, appt := range expired {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		if _, err := s.release(ctx, appt, EventAppointmentExpired, "worker"); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			s.logger.Error("failed to expire appointment", "appointment_id", appt.ID, "error", err)
			continue
		}
		released++
	}

	// Reservations left behind by a release that failed half way.
	swept, err := s.repo.DeleteStaleReservations(ctx)
	if err != nil {
		return released, fmt.Errorf("sweep stale reservations: %w", err)
	}
	if swept > 0 {
		s.logger.Warn("stale reservations released", "count", swept)
	}

	return released, nil
}

// release cancels appt from its current status, drops its reservations and
// hands the freed interval to the waitlist.
func (s *Service) release(ctx context.Context, appt schedule.Appointment, eventType, reason string) (*schedule.Appointment, error) {
	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, schedule.StatusCancelled)
	if errors.Is(err, schedule.ErrStatusChanged) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	n, err := s.repo.DeleteReservationsByAppointment(ctx, appt.ID)
	if err != nil {
		s.logger.Error("failed to release reservations", "severity", "critical", "appointment_id", appt.ID, "error", err)
		return updated, fmt.Errorf("release reservations: %w", err)
	}

	s.logEvent(ctx, appt.ID, eventType, map[string]any{
		"reason":                reason,
		"previous_status":       appt.Status,
		"released_reservations": n,
	})
	s.logger.Info("appointment released", "appointment_id", appt.ID, "event", eventType, "reason", reason)

	s.notifyCapacityFreed(ctx, *updated)
	return updated, nil
}

package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow    = "APPOINTMENT_NO_SHOW"
	EventBookingCompensated   = "BOOKING_COMPENSATED"
)

const (
	defaultModality       = "in_person"
	waitlistRunTimeout    = time.Minute
	failureRecordTimeout  = 5 * time.Second
	channelBookingConfirm = "booking_confirmation"
)

var tracer = otel.Tracer("clinic/booking")

// Notifier is the external reminder channel called after a successful booking.
type Notifier interface {
	NotifyBooked(ctx context.Context, appointmentID, patientID, practitionerID uuid.UUID, start time.Time) error
}

// CapacityListener hears about practitioner time released by a cancellation or expiry.
type CapacityListener interface {
	CapacityFreed(ctx context.Context, practitionerID uuid.UUID, start, end time.Time) error
}

type Deps struct {
	Notifier Notifier
	Waitlist CapacityListener
	Metrics  *metrics.SchedulingMetrics
	Logger   *logging.Logger
}

type Service struct {
	repo     schedule.Repository
	locker   redisclient.Locker
	cfg      config.Config
	notifier Notifier
	waitlist CapacityListener
	metrics  *metrics.SchedulingMetrics
	logger   *logging.Logger
	now      func() time.Time

	bg sync.WaitGroup
}

// NewService wires the booking transaction. locker may be nil, in which case
// the store constraints alone arbitrate concurrent bookings.
func NewService(repo schedule.Repository, locker redisclient.Locker, cfg config.Config, deps Deps) *Service {
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 15 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		cfg:      cfg,
		notifier: deps.Notifier,
		waitlist: deps.Waitlist,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

type Request struct {
	PatientID       uuid.UUID
	PractitionerID  uuid.UUID
	StartTime       time.Time
	Duration        time.Duration
	Modality        string
	FeeCents        int64
	RoomID          *uuid.UUID
	EquipmentIDs    []uuid.UUID
	WaitlistEntryID *uuid.UUID
}

func (r Request) EndTime() time.Time { return r.StartTime.Add(r.Duration) }

func (r Request) validate() error {
	if r.PatientID == uuid.Nil {
		return schedule.Invalid("patient_id is required")
	}
	if r.PractitionerID == uuid.Nil {
		return schedule.Invalid("practitioner_id is required")
	}
	if r.StartTime.IsZero() {
		return schedule.Invalid("start_time is required")
	}
	if r.Duration <= 0 || r.Duration%time.Minute != 0 {
		return schedule.Invalid("duration must be a positive number of minutes")
	}
	if r.FeeCents < 0 {
		return schedule.Invalid("fee must not be negative")
	}
	if r.RoomID != nil && *r.RoomID == uuid.Nil {
		return schedule.Invalid("room_id must not be empty")
	}
	for i, id := range r.EquipmentIDs {
		if id == uuid.Nil {
			return schedule.Invalid("equipment id must not be empty")
		}
		if slices.Contains(r.EquipmentIDs[:i], id) {
			return schedule.Invalid("equipment %s listed twice", id)
		}
		if r.RoomID != nil && *r.RoomID == id {
			return schedule.Invalid("resource %s requested as both room and equipment", id)
		}
	}
	return nil
}

// Result is a committed booking: the pending appointment plus every
// reservation held for it.
type Result struct {
	Appointment  schedule.Appointment
	Reservations []schedule.ResourceReservation
}

func (r Result) ResourceIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Reservations))
	for _, res := range r.Reservations {
		ids = append(ids, res.ResourceID)
	}
	return ids
}

// Book reserves the practitioner's time and every requested resource as one
// unit. Either all rows exist afterwards or none do.
func (s *Service) Book(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		s.metrics.ObserveBooking(outcomeOf(err))
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "booking.Book")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.practitioner_id", req.PractitionerID.String()),
		attribute.String("booking.start", req.StartTime.Format(time.RFC3339)),
		attribute.Int("booking.equipment", len(req.EquipmentIDs)),
		attribute.Bool("booking.room", req.RoomID != nil),
	)

	result, err := s.book(ctx, req)
	s.metrics.ObserveBooking(outcomeOf(err))
	if err != nil {
		span.RecordError(err)
		if ce, ok := ConflictOf(err); ok {
			s.logger.Info("booking conflict", "kind", ce.Kind, "practitioner_id", req.PractitionerID, "resource_id", ce.ResourceID, "start", req.StartTime)
		}
		return nil, err
	}

	appt := result.Appointment

	if req.WaitlistEntryID != nil {
		if err := s.repo.MarkFulfilled(ctx, *req.WaitlistEntryID, appt.ID); err != nil {
			s.logger.Warn("failed to mark waitlist entry fulfilled", "waitlist_entry_id", *req.WaitlistEntryID, "appointment_id", appt.ID, "error", err)
		}
	}

	s.logEvent(ctx, appt.ID, EventAppointmentCreated, map[string]any{
		"patient_id":      appt.PatientID.String(),
		"practitioner_id": appt.PractitionerID.String(),
		"start_time":      appt.StartTime,
		"duration_min":    int(appt.Duration / time.Minute),
		"resource_ids":    result.ResourceIDs(),
		"expires_at":      appt.ExpiresAt,
	})
	s.logger.Info("booking created", "appointment_id", appt.ID, "practitioner_id", appt.PractitionerID, "start", appt.StartTime, "reservations", len(result.Reservations))

	s.dispatchNotification(ctx, appt)

	return result, nil
}

func (s *Service) book(ctx context.Context, req Request) (*Result, error) {
	if err := s.checkParticipants(ctx, req); err != nil {
		return nil, err
	}

	var result *Result
	key := fmt.Sprintf("booking:%s:%d", req.PractitionerID, req.StartTime.Unix())

	err := s.withLock(ctx, key, func(lockCtx context.Context) error {
		if err := s.precheck(lockCtx, req); err != nil {
			return err
		}
		res, err := s.reserve(lockCtx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, practitionerConflict(req.PractitionerID, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLock(ctx, key, fn)
}

// checkParticipants verifies that everyone and everything named exists and
// that resources are used in their declared role.
func (s *Service) checkParticipants(ctx context.Context, req Request) error {
	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetPractitionerByID(ctx, req.PractitionerID); err != nil {
		return fmt.Errorf("load practitioner: %w", err)
	}
	if req.RoomID != nil {
		if err := s.checkResource(ctx, *req.RoomID, schedule.ResourceRoom); err != nil {
			return err
		}
	}
	for _, id := range req.EquipmentIDs {
		if err := s.checkResource(ctx, id, schedule.ResourceEquipment); err != nil {
			return err
		}
	}
	if req.WaitlistEntryID != nil {
		return s.checkWaitlistEntry(ctx, *req.WaitlistEntryID, req)
	}
	return nil
}

// checkWaitlistEntry ensures a booking only fulfils an open entry of the same
// patient and practitioner.
func (s *Service) checkWaitlistEntry(ctx context.Context, id uuid.UUID, req Request) error {
	entry, err := s.repo.GetWaitlistEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("load waitlist entry: %w", err)
	}
	if entry.PatientID != req.PatientID || entry.PractitionerID != req.PractitionerID {
		return schedule.Invalid("waitlist entry %s belongs to another patient or practitioner", id)
	}
	if entry.Status != schedule.WaitlistWaiting && entry.Status != schedule.WaitlistNotified {
		return schedule.Invalid("waitlist entry %s is %s", id, entry.Status)
	}
	return nil
}

func (s *Service) checkResource(ctx context.Context, id uuid.UUID, kind schedule.ResourceKind) error {
	res, err := s.repo.GetResourceByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load resource %s: %w", id, err)
	}
	if res.Kind != kind {
		return schedule.Invalid("resource %s is a %s, not a %s", id, res.Kind, kind)
	}
	return nil
}

// precheck is the optimistic conflict check. Nothing is written.
func (s *Service) precheck(ctx context.Context, req Request) error {
	start, end := req.StartTime, req.EndTime()

	appts, err := s.repo.ListActiveAppointments(ctx, req.PractitionerID, start, end)
	if err != nil {
		return fmt.Errorf("check practitioner calendar: %w", err)
	}
	if len(appts) > 0 {
		return practitionerConflict(req.PractitionerID, nil)
	}

	if req.RoomID != nil {
		if err := s.checkResourceFree(ctx, *req.RoomID, ConflictRoom, start, end); err != nil {
			return err
		}
	}
	for _, id := range req.EquipmentIDs {
		if err := s.checkResourceFree(ctx, id, ConflictEquipment, start, end); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkResourceFree(ctx context.Context, id uuid.UUID, kind ConflictKind, start, end time.Time) error {
	held, err := s.repo.ListReservations(ctx, id, start, end)
	if err != nil {
		return fmt.Errorf("check resource %s: %w", id, err)
	}
	if len(held) > 0 {
		return resourceConflict(kind, id, nil)
	}
	return nil
}

// reserve inserts the appointment, then the room, then each equipment item.
// Any failure after the appointment insert is compensated before returning.
func (s *Service) reserve(ctx context.Context, req Request) (*Result, error) {
	modality := req.Modality
	if modality == "" {
		modality = defaultModality
	}

	appt := &schedule.Appointment{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		PractitionerID: req.PractitionerID,
		StartTime:      req.StartTime,
		Duration:       req.Duration,
		Status:         schedule.StatusPending,
		Modality:       modality,
		FeeCents:       req.FeeCents,
	}
	if s.cfg.AppointmentTTL > 0 {
		expiresAt := s.now().Add(s.cfg.AppointmentTTL)
		appt.ExpiresAt = &expiresAt
	}

	if err := s.repo.CreateAppointment(ctx, appt); err != nil {
		if errors.Is(err, schedule.ErrPractitionerTaken) {
			return nil, practitionerConflict(req.PractitionerID, err)
		}
		// The insert may have landed before the failure surfaced.
		return nil, s.compensate(ctx, appt.ID, nil, fmt.Errorf("insert appointment: %w", err))
	}

	result := &Result{Appointment: *appt}
	var attempted []uuid.UUID
	date := schedule.DateOf(req.StartTime, s.cfg.Location())

	hold := func(resourceID uuid.UUID, kind ConflictKind) error {
		r := &schedule.ResourceReservation{
			ID:            uuid.New(),
			ResourceID:    resourceID,
			AppointmentID: appt.ID,
			Date:          date,
			StartTime:     req.StartTime,
			EndTime:       req.EndTime(),
		}
		attempted = append(attempted, r.ID)

		if err := s.repo.CreateReservation(ctx, r); err != nil {
			if errors.Is(err, schedule.ErrResourceTaken) {
				err = resourceConflict(kind, resourceID, err)
			} else {
				err = fmt.Errorf("reserve resource %s: %w", resourceID, err)
			}
			return s.compensate(ctx, appt.ID, attempted, err)
		}
		result.Reservations = append(result.Reservations, *r)
		return nil
	}

	if req.RoomID != nil {
		if err := hold(*req.RoomID, ConflictRoom); err != nil {
			return nil, err
		}
	}
	for _, id := range req.EquipmentIDs {
		if err := hold(id, ConflictEquipment); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// compensate undoes a partial booking in reverse insert order. It runs on a
// context detached from the caller so a client abort cannot leave a partial
// booking behind. The returned error always wraps cause.
func (s *Service) compensate(ctx context.Context, appointmentID uuid.UUID, reservationIDs []uuid.UUID, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
	defer cancel()

	var errs []error
	for i := len(reservationIDs) - 1; i >= 0; i-- {
		if err := s.repo.DeleteReservation(cctx, reservationIDs[i]); err != nil {
			errs = append(errs, fmt.Errorf("delete reservation %s: %w", reservationIDs[i], err))
		}
	}
	if err := s.repo.DeleteAppointment(cctx, appointmentID); err != nil {
		errs = append(errs, fmt.Errorf("delete appointment %s: %w", appointmentID, err))
	}

	if len(errs) > 0 {
		rollbackErr := errors.Join(errs...)
		s.metrics.ObserveCompensation(false)
		s.logger.Error("booking compensation failed",
			"severity", "critical",
			"appointment_id", appointmentID,
			"reservation_ids", reservationIDs,
			"cause", cause,
			"error", rollbackErr,
		)
		return fmt.Errorf("%w; rollback incomplete: %w", cause, rollbackErr)
	}

	s.metrics.ObserveCompensation(true)
	s.logger.Warn("booking rolled back", "appointment_id", appointmentID, "reservations", len(reservationIDs), "cause", cause)
	s.logEvent(cctx, appointmentID, EventBookingCompensated, map[string]any{
		"cause":        cause.Error(),
		"reservations": len(reservationIDs),
	})
	return cause
}

func (s *Service) dispatchNotification(ctx context.Context, appt schedule.Appointment) {
	if s.notifier == nil {
		return
	}
	s.background(ctx, s.cfg.NotifyTimeout, func(ctx context.Context) {
		err := s.notifier.NotifyBooked(ctx, appt.ID, appt.PatientID, appt.PractitionerID, appt.StartTime)
		if err == nil {
			return
		}
		s.logger.Warn("booking notification failed", "appointment_id", appt.ID, "error", err)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
		defer cancel()
		apptID := appt.ID
		if recErr := s.repo.RecordNotificationFailure(rctx, schedule.NotificationFailure{
			AppointmentID: &apptID,
			Channel:       channelBookingConfirm,
			Error:         err.Error(),
		}); recErr != nil {
			s.logger.Error("failed to record notification failure", "appointment_id", appt.ID, "error", recErr)
		}
	})
}

func (s *Service) notifyCapacityFreed(ctx context.Context, appt schedule.Appointment) {
	if s.waitlist == nil {
		return
	}
	s.background(ctx, waitlistRunTimeout, func(ctx context.Context) {
		if err := s.waitlist.CapacityFreed(ctx, appt.PractitionerID, appt.StartTime, appt.EndTime()); err != nil {
			s.logger.Warn("waitlist match after release failed", "appointment_id", appt.ID, "practitioner_id", appt.PractitionerID, "error", err)
		}
	})
}

// background runs fn detached from the caller, bounded by timeout.
func (s *Service) background(ctx context.Context, timeout time.Duration, fn func(context.Context)) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked", "panic", r)
			}
		}()
		fn(bctx)
	}()
}

// Wait blocks until notifications and waitlist runs started so far are done.
func (s *Service) Wait() {
	s.bg.Wait()
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	apptID := appointmentID
	ev := schedule.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to insert event log", "event_type", eventType, "appointment_id", appointmentID, "error", err)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	if ce, ok := ConflictOf(err); ok {
		return string(ce.Kind)
	}
	switch {
	case errors.Is(err, schedule.ErrInvalidInput):
		return "invalid"
	case schedule.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}

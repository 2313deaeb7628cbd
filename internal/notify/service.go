package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/waitlist"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

// ErrNoContact means the patient has no email address on file.
var ErrNoContact = errors.New("patient has no email address")

const timeLayout = "Monday, Jan 2 2006 at 15:04 MST"

// Service turns scheduling events into patient emails.
type Service struct {
	dir    schedule.DirectoryReader
	sender Sender
	loc    *time.Location
	logger *logging.Logger
}

func NewService(dir schedule.DirectoryReader, sender Sender, loc *time.Location, logger *logging.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{dir: dir, sender: sender, loc: loc, logger: logger}
}

// NotifyBooked sends the booking confirmation.
func (s *Service) NotifyBooked(ctx context.Context, appointmentID, patientID, practitionerID uuid.UUID, start time.Time) error {
	patient, practitioner, err := s.participants(ctx, patientID, practitionerID)
	if err != nil {
		return err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\n\n", patient.Name)
	fmt.Fprintf(&body, "Your appointment with %s on %s is reserved.\n", practitioner.Name, start.In(s.loc).Format(timeLayout))
	fmt.Fprintf(&body, "Please confirm it soon, unconfirmed holds are released automatically.\n\n")
	fmt.Fprintf(&body, "Reference: %s\n", appointmentID)

	return s.send(ctx, Message{
		To:      *patient.Email,
		ToName:  patient.Name,
		Subject: "Your appointment is reserved",
		Body:    body.String(),
	})
}

// NotifyWaitlist tells a waiting patient that time has opened up.
func (s *Service) NotifyWaitlist(ctx context.Context, entry schedule.WaitlistEntry, slot *waitlist.Slot) error {
	patient, practitioner, err := s.participants(ctx, entry.PatientID, entry.PractitionerID)
	if err != nil {
		return err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\n\n", patient.Name)
	if slot != nil {
		fmt.Fprintf(&body, "A slot with %s opened up on %s.\n", practitioner.Name, slot.Start.In(s.loc).Format(timeLayout))
	} else {
		fmt.Fprintf(&body, "%s has new availability.\n", practitioner.Name)
	}
	fmt.Fprintf(&body, "Book soon, other patients on the waitlist may be notified as well.\n")

	return s.send(ctx, Message{
		To:      *patient.Email,
		ToName:  patient.Name,
		Subject: "An appointment slot is available",
		Body:    body.String(),
	})
}

func (s *Service) participants(ctx context.Context, patientID, practitionerID uuid.UUID) (*schedule.Patient, *schedule.Practitioner, error) {
	patient, err := s.dir.GetPatientByID(ctx, patientID)
	if err != nil {
		return nil, nil, fmt.Errorf("load patient: %w", err)
	}
	if patient.Email == nil || strings.TrimSpace(*patient.Email) == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoContact, patientID)
	}
	practitioner, err := s.dir.GetPractitionerByID(ctx, practitionerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load practitioner: %w", err)
	}
	return patient, practitioner, nil
}

func (s *Service) send(ctx context.Context, msg Message) error {
	if s.sender == nil {
		return errors.New("notify: no sender configured")
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		return err
	}
	s.logger.Info("notification sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

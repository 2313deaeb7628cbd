package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// HoldsCapacity reports whether an appointment in this status still occupies
// the practitioner's time.
func (s AppointmentStatus) HoldsCapacity() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type ResourceKind string

const (
	ResourceRoom      ResourceKind = "room"
	ResourceEquipment ResourceKind = "equipment"
)

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistNotified  WaitlistStatus = "notified"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistFulfilled WaitlistStatus = "fulfilled"
)

// TimeOfDay is a coarse waitlist preference bucket.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
)

// Hours returns the [from, to) clock range of the bucket.
func (t TimeOfDay) Hours() (from, to Clock, ok bool) {
	switch t {
	case Morning:
		return 8 * 60, 12 * 60, true
	case Afternoon:
		return 12 * 60, 17 * 60, true
	case Evening:
		return 17 * 60, 21 * 60, true
	}
	return 0, 0, false
}

// Contains reports whether a wall clock time falls inside the bucket.
func (t TimeOfDay) Contains(c Clock) bool {
	from, to, ok := t.Hours()
	return ok && c >= from && c < to
}

// Clock is a wall clock time expressed in minutes after midnight.
type Clock int

func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// ParseClock accepts "15:04".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: clock %q must be HH:MM", ErrInvalidInput, s)
	}
	return ClockOf(t), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On places the clock on the calendar day of date, in date's location.
func (c Clock) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, date.Location())
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Practitioner struct {
	ID                uuid.UUID
	Name              string
	Specialty         *string
	Rating            float64
	AcceptingPatients bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Resource struct {
	ID        uuid.UUID
	Kind      ResourceKind
	Name      string
	CreatedAt time.Time
}

// AvailabilityWindow is a recurring weekly block in which a practitioner sees patients.
type AvailabilityWindow struct {
	ID             uuid.UUID
	PractitionerID uuid.UUID
	Weekday        time.Weekday
	Start          Clock
	End            Clock
	Active         bool
	CreatedAt      time.Time
}

func (w AvailabilityWindow) Validate() error {
	if w.PractitionerID == uuid.Nil {
		return Invalid("practitioner_id is required")
	}
	if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
		return Invalid("day_of_week must be between 0 and 6")
	}
	if w.Start < 0 || w.End > 24*60 {
		return Invalid("window must lie within one day")
	}
	if w.Start >= w.End {
		return Invalid("window start %s must be before end %s", w.Start, w.End)
	}
	return nil
}

type Appointment struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	PractitionerID uuid.UUID
	StartTime      time.Time
	Duration       time.Duration
	Status         AppointmentStatus
	Modality       string
	FeeCents       int64
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a Appointment) EndTime() time.Time {
	return a.StartTime.Add(a.Duration)
}

// ResourceReservation holds a room or piece of equipment for one appointment.
type ResourceReservation struct {
	ID            uuid.UUID
	ResourceID    uuid.UUID
	AppointmentID uuid.UUID
	Date          time.Time
	StartTime     time.Time
	EndTime       time.Time
	CreatedAt     time.Time
}

type WaitlistEntry struct {
	ID                     uuid.UUID
	PatientID              uuid.UUID
	PractitionerID         uuid.UUID
	PreferredDate          *time.Time
	PreferredTimeOfDay     *TimeOfDay
	Status                 WaitlistStatus
	NotifiedAt             *time.Time
	FulfilledAppointmentID *uuid.UUID
	CreatedAt              time.Time
}

// HasPreferences is false for entries that accept any freed capacity.
func (e WaitlistEntry) HasPreferences() bool {
	return e.PreferredDate != nil || e.PreferredTimeOfDay != nil
}

// NotificationFailure is kept for an external retry process.
type NotificationFailure struct {
	ID              uuid.UUID
	WaitlistEntryID *uuid.UUID
	AppointmentID   *uuid.UUID
	Channel         string
	Error           string
	CreatedAt       time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// DateOf truncates t to midnight in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/booking"
	"github.com/hackgods/clinic-scheduling-core/internal/recommend"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/waitlist"
)

const dateLayout = "2006-01-02"

type SlotSearchRequest struct {
	PractitionerIDs []uuid.UUID `json:"practitioner_ids"`
	DateFrom        string      `json:"date_from"`
	DateTo          string      `json:"date_to"`
	DurationMinutes int         `json:"duration_minutes"`
	ResourceIDs     []uuid.UUID `json:"resource_ids,omitempty"`
	Limit           int         `json:"limit,omitempty"`
	NotBefore       *time.Time  `json:"not_before,omitempty"`
	NotAfter        *time.Time  `json:"not_after,omitempty"`
}

type SlotResponse struct {
	Start           time.Time   `json:"start"`
	End             time.Time   `json:"end"`
	PractitionerIDs []uuid.UUID `json:"practitioner_ids"`
}

type SlotSearchResponse struct {
	Slots []SlotResponse `json:"slots"`
	Count int            `json:"count"`
}

type BookingRequest struct {
	PatientID       uuid.UUID   `json:"patient_id"`
	PractitionerID  uuid.UUID   `json:"practitioner_id"`
	StartTime       time.Time   `json:"start_time"`
	DurationMinutes int         `json:"duration_minutes"`
	Modality        string      `json:"modality,omitempty"`
	FeeCents        int64       `json:"fee_cents,omitempty"`
	RoomID          *uuid.UUID  `json:"room_id,omitempty"`
	EquipmentIDs    []uuid.UUID `json:"equipment_ids,omitempty"`
	WaitlistEntryID *uuid.UUID  `json:"waitlist_entry_id,omitempty"`
}

type ReservationResponse struct {
	ID         uuid.UUID `json:"id"`
	ResourceID uuid.UUID `json:"resource_id"`
	Date       string    `json:"date"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

type AppointmentResponse struct {
	ID              uuid.UUID             `json:"id"`
	PatientID       uuid.UUID             `json:"patient_id"`
	PractitionerID  uuid.UUID             `json:"practitioner_id"`
	StartTime       time.Time             `json:"start_time"`
	EndTime         time.Time             `json:"end_time"`
	DurationMinutes int                   `json:"duration_minutes"`
	Status          string                `json:"status"`
	Modality        string                `json:"modality"`
	FeeCents        int64                 `json:"fee_cents"`
	ExpiresAt       *time.Time            `json:"expires_at,omitempty"`
	Reservations    []ReservationResponse `json:"reservations,omitempty"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type StatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type RecommendationRequest struct {
	PractitionerID  uuid.UUID `json:"practitioner_id"`
	RequestedTime   time.Time `json:"requested_time"`
	Specialty       string    `json:"specialty,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
}

type RecommendationResponse struct {
	Alternatives []recommend.Candidate `json:"alternatives"`
}

type WaitlistJoinRequest struct {
	PatientID          uuid.UUID `json:"patient_id"`
	PractitionerID     uuid.UUID `json:"practitioner_id"`
	PreferredDate      *string   `json:"preferred_date,omitempty"`
	PreferredTimeOfDay *string   `json:"preferred_time_of_day,omitempty"`
}

type WaitlistEntryResponse struct {
	ID                     uuid.UUID  `json:"id"`
	PatientID              uuid.UUID  `json:"patient_id"`
	PractitionerID         uuid.UUID  `json:"practitioner_id"`
	PreferredDate          *string    `json:"preferred_date,omitempty"`
	PreferredTimeOfDay     *string    `json:"preferred_time_of_day,omitempty"`
	Status                 string     `json:"status"`
	NotifiedAt             *time.Time `json:"notified_at,omitempty"`
	FulfilledAppointmentID *uuid.UUID `json:"fulfilled_appointment_id,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

type WaitlistMatchRequest struct {
	PractitionerID uuid.UUID       `json:"practitioner_id"`
	Slots          []waitlist.Slot `json:"slots,omitempty"`
}

type AvailabilityRequest struct {
	DayOfWeek int    `json:"day_of_week"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Active    *bool  `json:"active,omitempty"`
}

type AvailabilityResponse struct {
	ID             uuid.UUID       `json:"id"`
	PractitionerID uuid.UUID       `json:"practitioner_id"`
	DayOfWeek      int             `json:"day_of_week"`
	StartTime      string          `json:"start_time"`
	EndTime        string          `json:"end_time"`
	Active         bool            `json:"active"`
	Waitlist       waitlist.Result `json:"waitlist"`
}

type ErrorResponse struct {
	Error          string     `json:"error"`
	Details        string     `json:"details,omitempty"`
	PractitionerID *uuid.UUID `json:"practitioner_id,omitempty"`
	ResourceID     *uuid.UUID `json:"resource_id,omitempty"`
}

func toAppointmentResponse(a schedule.Appointment, reservations []schedule.ResourceReservation) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		PractitionerID:  a.PractitionerID,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime(),
		DurationMinutes: int(a.Duration / time.Minute),
		Status:          string(a.Status),
		Modality:        a.Modality,
		FeeCents:        a.FeeCents,
		ExpiresAt:       a.ExpiresAt,
	}
	for _, r := range reservations {
		resp.Reservations = append(resp.Reservations, ReservationResponse{
			ID:         r.ID,
			ResourceID: r.ResourceID,
			Date:       r.Date.Format(dateLayout),
			StartTime:  r.StartTime,
			EndTime:    r.EndTime,
		})
	}
	return resp
}

func toResultResponse(r *booking.Result) AppointmentResponse {
	return toAppointmentResponse(r.Appointment, r.Reservations)
}

func toWaitlistResponse(e *schedule.WaitlistEntry) WaitlistEntryResponse {
	resp := WaitlistEntryResponse{
		ID:                     e.ID,
		PatientID:              e.PatientID,
		PractitionerID:         e.PractitionerID,
		Status:                 string(e.Status),
		NotifiedAt:             e.NotifiedAt,
		FulfilledAppointmentID: e.FulfilledAppointmentID,
		CreatedAt:              e.CreatedAt,
	}
	if e.PreferredDate != nil {
		d := e.PreferredDate.Format(dateLayout)
		resp.PreferredDate = &d
	}
	if e.PreferredTimeOfDay != nil {
		b := string(*e.PreferredTimeOfDay)
		resp.PreferredTimeOfDay = &b
	}
	return resp
}

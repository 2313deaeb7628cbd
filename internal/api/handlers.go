package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/booking"
	"github.com/hackgods/clinic-scheduling-core/internal/recommend"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/slots"
	"github.com/hackgods/clinic-scheduling-core/internal/waitlist"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

type BookingService interface {
	Book(ctx context.Context, req booking.Request) (*booking.Result, error)
	Get(ctx context.Context, id uuid.UUID) (*booking.Result, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]schedule.Appointment, error)
	Confirm(ctx context.Context, id uuid.UUID) (*schedule.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*schedule.Appointment, error)
	Transition(ctx context.Context, id uuid.UUID, to schedule.AppointmentStatus, reason string) (*schedule.Appointment, error)
}

type SlotSearcher interface {
	Generate(ctx context.Context, req slots.Request) ([]slots.Candidate, error)
	Location() *time.Location
}

type Recommender interface {
	Recommend(ctx context.Context, req recommend.Request) ([]recommend.Candidate, error)
}

type WaitlistService interface {
	Join(ctx context.Context, req waitlist.JoinRequest) (*schedule.WaitlistEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*schedule.WaitlistEntry, error)
	Match(ctx context.Context, practitionerID uuid.UUID, freed []waitlist.Slot) (waitlist.Result, error)
	AvailabilityAdded(ctx context.Context, w schedule.AvailabilityWindow) (waitlist.Result, error)
	Requeue(ctx context.Context, id uuid.UUID) (*schedule.WaitlistEntry, error)
	Expire(ctx context.Context, id uuid.UUID) (*schedule.WaitlistEntry, error)
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func searchSlotsHandler(engine SlotSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SlotSearchRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		loc := engine.Location()
		from, err := time.ParseInLocation(dateLayout, req.DateFrom, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_from", "date_from must be YYYY-MM-DD")
			return
		}
		to, err := time.ParseInLocation(dateLayout, req.DateTo, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_to", "date_to must be YYYY-MM-DD")
			return
		}

		sreq := slots.Request{
			PractitionerIDs: req.PractitionerIDs,
			From:            from,
			To:              to,
			Duration:        time.Duration(req.DurationMinutes) * time.Minute,
			ResourceIDs:     req.ResourceIDs,
			Limit:           req.Limit,
		}
		if req.NotBefore != nil {
			sreq.NotBefore = *req.NotBefore
		}
		if req.NotAfter != nil {
			sreq.NotAfter = *req.NotAfter
		}

		candidates, err := engine.Generate(r.Context(), sreq)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		resp := SlotSearchResponse{Slots: make([]SlotResponse, 0, len(candidates)), Count: len(candidates)}
		for _, c := range candidates {
			resp.Slots = append(resp.Slots, SlotResponse(c))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createBookingHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookingRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		res, err := svc.Book(r.Context(), booking.Request{
			PatientID:       req.PatientID,
			PractitionerID:  req.PractitionerID,
			StartTime:       req.StartTime,
			Duration:        time.Duration(req.DurationMinutes) * time.Minute,
			Modality:        req.Modality,
			FeeCents:        req.FeeCents,
			RoomID:          req.RoomID,
			EquipmentIDs:    req.EquipmentIDs,
			WaitlistEntryID: req.WaitlistEntryID,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toResultResponse(res))
	}
}

func getAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		res, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResultResponse(res))
	}
}

func listPatientAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_patient_id")
		if !ok {
			return
		}
		limit, offset := 20, 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = n
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
				return
			}
			offset = n
		}

		appts, err := svc.ListByPatient(r.Context(), id, limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp := AppointmentListResponse{Appointments: make([]AppointmentResponse, 0, len(appts)), Limit: limit, Offset: offset}
		for _, a := range appts {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(a, nil))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func confirmAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		appt, err := svc.Confirm(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, nil))
	}
}

func cancelAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		var req CancelRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		appt, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, nil))
	}
}

func updateStatusHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		var req StatusRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		appt, err := svc.Transition(r.Context(), id, schedule.AppointmentStatus(req.Status), req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt, nil))
	}
}

func recommendHandler(rec Recommender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RecommendationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		out, err := rec.Recommend(r.Context(), recommend.Request{
			PractitionerID: req.PractitionerID,
			RequestedTime:  req.RequestedTime,
			Specialty:      req.Specialty,
			Duration:       time.Duration(req.DurationMinutes) * time.Minute,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RecommendationResponse{Alternatives: out})
	}
}

func joinWaitlistHandler(wl WaitlistService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WaitlistJoinRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		jreq := waitlist.JoinRequest{PatientID: req.PatientID, PractitionerID: req.PractitionerID}
		if req.PreferredDate != nil {
			d, err := time.Parse(dateLayout, *req.PreferredDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_preferred_date", "preferred_date must be YYYY-MM-DD")
				return
			}
			jreq.PreferredDate = &d
		}
		if req.PreferredTimeOfDay != nil {
			b := schedule.TimeOfDay(*req.PreferredTimeOfDay)
			jreq.PreferredTimeOfDay = &b
		}

		entry, err := wl.Join(r.Context(), jreq)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toWaitlistResponse(entry))
	}
}

func getWaitlistEntryHandler(wl WaitlistService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_waitlist_entry_id")
		if !ok {
			return
		}
		entry, err := wl.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWaitlistResponse(entry))
	}
}

func matchWaitlistHandler(wl WaitlistService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req WaitlistMatchRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := wl.Match(r.Context(), req.PractitionerID, req.Slots)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func waitlistTransitionHandler(apply func(context.Context, uuid.UUID) (*schedule.WaitlistEntry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id", "invalid_waitlist_entry_id")
		if !ok {
			return
		}
		entry, err := apply(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWaitlistResponse(entry))
	}
}

// AvailabilityStore adds weekly windows for known practitioners.
type AvailabilityStore interface {
	schedule.AvailabilityWriter
	GetPractitionerByID(ctx context.Context, id uuid.UUID) (*schedule.Practitioner, error)
}

func addAvailabilityHandler(store AvailabilityStore, wl WaitlistService, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		practitionerID, ok := uuidParam(w, r, "id", "invalid_practitioner_id")
		if !ok {
			return
		}
		var req AvailabilityRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		start, err := schedule.ParseClock(req.StartTime)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		// 24:00 is a valid window end but not a parseable clock.
		end := schedule.Clock(24 * 60)
		if req.EndTime != "24:00" {
			if end, err = schedule.ParseClock(req.EndTime); err != nil {
				writeServiceError(w, err)
				return
			}
		}

		window := schedule.AvailabilityWindow{
			ID:             uuid.New(),
			PractitionerID: practitionerID,
			Weekday:        time.Weekday(req.DayOfWeek),
			Start:          start,
			End:            end,
			Active:         req.Active == nil || *req.Active,
		}
		if err := window.Validate(); err != nil {
			writeServiceError(w, err)
			return
		}
		if _, err := store.GetPractitionerByID(r.Context(), practitionerID); err != nil {
			writeServiceError(w, err)
			return
		}
		if err := store.CreateAvailability(r.Context(), &window); err != nil {
			writeServiceError(w, err)
			return
		}

		resp := AvailabilityResponse{
			ID:             window.ID,
			PractitionerID: window.PractitionerID,
			DayOfWeek:      int(window.Weekday),
			StartTime:      window.Start.String(),
			EndTime:        window.End.String(),
			Active:         window.Active,
			Waitlist:       waitlist.Result{MatchedEntryIDs: []uuid.UUID{}},
		}
		// The window is stored; a failed waitlist pass does not undo it.
		if window.Active {
			res, err := wl.AvailabilityAdded(r.Context(), window)
			if err != nil {
				logger.Error("waitlist match after availability failed",
					"practitioner_id", practitionerID,
					"window_id", window.ID,
					"request_id", GetRequestID(r.Context()),
					"error", err,
				)
			} else {
				resp.Waitlist = res
			}
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

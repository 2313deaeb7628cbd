package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/booking"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/recommend"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/slots"
	"github.com/hackgods/clinic-scheduling-core/internal/waitlist"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

// 2030-01-07 is a Monday.
var monday = time.Date(2030, time.January, 7, 0, 0, 0, 0, time.UTC)

func clock() time.Time { return monday.AddDate(0, 0, -6) }

type testServer struct {
	handler      http.Handler
	store        *schedule.MemoryStore
	bookings     *booking.Service
	matcher      *waitlist.Matcher
	patient      uuid.UUID
	practitioner uuid.UUID
	peer         uuid.UUID
	room         uuid.UUID
}

func newTestServer(t *testing.T, deps ...Dependency) *testServer {
	t.Helper()

	store := schedule.NewMemoryStore()
	s := &testServer{
		store:        store,
		patient:      uuid.New(),
		practitioner: uuid.New(),
		peer:         uuid.New(),
		room:         uuid.New(),
	}
	specialty := "dermatology"
	store.AddPatient(schedule.Patient{ID: s.patient, Name: "Ada"})
	store.AddPractitioner(schedule.Practitioner{ID: s.practitioner, Name: "Dr P", Specialty: &specialty, Rating: 4.5, AcceptingPatients: true})
	store.AddPractitioner(schedule.Practitioner{ID: s.peer, Name: "Dr Q", Specialty: &specialty, Rating: 4.8, AcceptingPatients: true})
	store.AddResource(schedule.Resource{ID: s.room, Kind: schedule.ResourceRoom, Name: "Room 1"})

	ctx := context.Background()
	for _, pid := range []uuid.UUID{s.practitioner, s.peer} {
		require.NoError(t, store.CreateAvailability(ctx, &schedule.AvailabilityWindow{
			PractitionerID: pid, Weekday: time.Monday, Start: 9 * 60, End: 10 * 60, Active: true,
		}))
	}

	reg := prometheus.NewRegistry()
	sm := metrics.NewSchedulingMetrics(reg)
	logger := logging.Discard()

	engine := slots.NewEngine(store, slots.Options{Location: time.UTC, Now: clock, Metrics: sm, Logger: logger})
	s.matcher = waitlist.NewMatcher(store, nil, waitlist.Options{Location: time.UTC, Now: clock, Metrics: sm, Logger: logger})
	s.bookings = booking.NewService(store, redisclient.NewLocalLocker(), config.Config{AppointmentTTL: 10 * time.Minute}, booking.Deps{
		Waitlist: s.matcher,
		Metrics:  sm,
		Logger:   logger,
	})
	rec := recommend.NewRecommender(engine, store, recommend.Options{Cache: recommend.NewMemoryCache(), Metrics: sm, Logger: logger, Now: clock})

	s.handler = NewRouter(RouterConfig{
		Bookings:     s.bookings,
		Slots:        engine,
		Recommender:  rec,
		Waitlist:     s.matcher,
		Availability: store,
		Health:       NewHealthHandler("test", "v0", deps...),
		Logger:       logger,
		HTTPMetrics:  metrics.NewHTTPMetrics(reg),
		Gatherer:     reg,
	})
	t.Cleanup(func() {
		s.bookings.Wait()
		s.matcher.Wait()
	})
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) book(t *testing.T, start time.Time, room *uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/bookings", BookingRequest{
		PatientID:       s.patient,
		PractitionerID:  s.practitioner,
		StartTime:       start,
		DurationMinutes: 30,
		RoomID:          room,
	})
}

func TestSearchSlots(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/slots/search", SlotSearchRequest{
		PractitionerIDs: []uuid.UUID{s.practitioner},
		DateFrom:        "2030-01-07",
		DateTo:          "2030-01-07",
		DurationMinutes: 30,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SlotSearchResponse](t, rec)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, monday.Add(9*time.Hour), resp.Slots[0].Start)
	assert.Equal(t, monday.Add(9*time.Hour+30*time.Minute), resp.Slots[1].Start)

	rec = s.do(t, http.MethodPost, "/slots/search", SlotSearchRequest{
		PractitionerIDs: []uuid.UUID{s.practitioner},
		DateFrom:        "07/01/2030",
		DateTo:          "2030-01-07",
		DurationMinutes: 30,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/slots/search", SlotSearchRequest{DateFrom: "2030-01-07", DateTo: "2030-01-07", DurationMinutes: 30})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode[ErrorResponse](t, rec).Error)
}

func TestBookingConflicts(t *testing.T) {
	s := newTestServer(t)
	start := monday.Add(9 * time.Hour)

	rec := s.book(t, start, &s.room)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "pending", created.Status)
	require.Len(t, created.Reservations, 1)
	assert.Equal(t, "2030-01-07", created.Reservations[0].Date)

	rec = s.book(t, start.Add(15*time.Minute), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[ErrorResponse](t, rec)
	assert.Equal(t, "practitioner_conflict", conflict.Error)
	require.NotNil(t, conflict.PractitionerID)
	assert.Equal(t, s.practitioner, *conflict.PractitionerID)

	rec = s.do(t, http.MethodPost, "/bookings", BookingRequest{
		PatientID:       s.patient,
		PractitionerID:  s.peer,
		StartTime:       start,
		DurationMinutes: 30,
		RoomID:          &s.room,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict = decode[ErrorResponse](t, rec)
	assert.Equal(t, "room_conflict", conflict.Error)
	require.NotNil(t, conflict.ResourceID)
	assert.Equal(t, s.room, *conflict.ResourceID)

	assert.Len(t, s.store.Appointments(), 1)
}

func TestBookingRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(`{"patient_id":"nope"}`))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_body", decode[ErrorResponse](t, rec).Error)

	req = httptest.NewRequest(http.MethodPost, "/bookings", strings.NewReader(`{"surprise":true}`))
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/bookings", BookingRequest{
		PatientID:       uuid.New(),
		PractitionerID:  s.practitioner,
		StartTime:       monday.Add(9 * time.Hour),
		DurationMinutes: 30,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "patient_not_found", decode[ErrorResponse](t, rec).Error)
}

func TestAppointmentLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.book(t, monday.Add(9*time.Hour), &s.room)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[AppointmentResponse](t, rec).ID

	rec = s.do(t, http.MethodGet, "/appointments/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[AppointmentResponse](t, rec).Reservations, 1)

	rec = s.do(t, http.MethodPost, "/appointments/"+id.String()+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode[AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/appointments/"+id.String()+"/status", StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decode[AppointmentResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/appointments/"+id.String()+"/cancel", CancelRequest{Reason: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_status_transition", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, http.MethodGet, "/patients/"+s.patient.String()+"/appointments?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[AppointmentListResponse](t, rec)
	require.Len(t, list.Appointments, 1)
	assert.Equal(t, 5, list.Limit)

	rec = s.do(t, http.MethodGet, "/appointments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "appointment_not_found", decode[ErrorResponse](t, rec).Error)
}

func TestCancelFreesTimeForWaitlist(t *testing.T) {
	s := newTestServer(t)

	rec := s.book(t, monday.Add(9*time.Hour), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[AppointmentResponse](t, rec).ID

	rec = s.do(t, http.MethodPost, "/waitlist", WaitlistJoinRequest{PatientID: s.patient, PractitionerID: s.practitioner})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[WaitlistEntryResponse](t, rec)
	assert.Equal(t, "waiting", entry.Status)

	rec = s.do(t, http.MethodPost, "/appointments/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[AppointmentResponse](t, rec).Status)

	s.bookings.Wait()
	s.matcher.Wait()

	rec = s.do(t, http.MethodGet, "/waitlist/"+entry.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "notified", decode[WaitlistEntryResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/waitlist/"+entry.ID.String()+"/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting", decode[WaitlistEntryResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/waitlist/"+entry.ID.String()+"/expire", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "expired", decode[WaitlistEntryResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/waitlist/"+entry.ID.String()+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWaitlistMatchAndAvailability(t *testing.T) {
	s := newTestServer(t)

	morning := "morning"
	date := "2030-01-14"
	rec := s.do(t, http.MethodPost, "/waitlist", WaitlistJoinRequest{
		PatientID: s.patient, PractitionerID: s.practitioner, PreferredDate: &date, PreferredTimeOfDay: &morning,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[WaitlistEntryResponse](t, rec)
	require.NotNil(t, entry.PreferredDate)
	assert.Equal(t, date, *entry.PreferredDate)

	rec = s.do(t, http.MethodPost, "/waitlist/match", WaitlistMatchRequest{PractitionerID: s.practitioner})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[waitlist.Result](t, rec).Notified)

	rec = s.do(t, http.MethodPost, "/practitioners/"+s.practitioner.String()+"/availability", AvailabilityRequest{
		DayOfWeek: int(time.Monday), StartTime: "10:00", EndTime: "11:30",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	avail := decode[AvailabilityResponse](t, rec)
	assert.Equal(t, "10:00", avail.StartTime)
	assert.Equal(t, "11:30", avail.EndTime)
	assert.Equal(t, []uuid.UUID{entry.ID}, avail.Waitlist.MatchedEntryIDs)

	rec = s.do(t, http.MethodPost, "/practitioners/"+s.practitioner.String()+"/availability", AvailabilityRequest{
		DayOfWeek: int(time.Monday), StartTime: "12:00", EndTime: "11:00",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := "night"
	rec = s.do(t, http.MethodPost, "/waitlist", WaitlistJoinRequest{PatientID: s.patient, PractitionerID: s.practitioner, PreferredTimeOfDay: &bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecommendations(t *testing.T) {
	s := newTestServer(t)

	rec := s.book(t, monday.Add(9*time.Hour), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/recommendations", RecommendationRequest{
		PractitionerID: s.practitioner,
		RequestedTime:  monday.Add(9 * time.Hour),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RecommendationResponse](t, rec)
	require.Len(t, resp.Alternatives, 2)
	// The peer is free at the exact time; the same practitioner only later.
	assert.Equal(t, s.peer, resp.Alternatives[0].PractitionerID)
	assert.Equal(t, recommend.ReasonEquivalentSpecialist, resp.Alternatives[0].Reason)
	assert.Equal(t, s.practitioner, resp.Alternatives[1].PractitionerID)
	assert.Equal(t, 30, resp.Alternatives[1].DistanceMinutes)

	rec = s.do(t, http.MethodPost, "/recommendations", RecommendationRequest{PractitionerID: uuid.New(), RequestedTime: monday})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t,
		Dependency{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }},
		Dependency{Name: "redis", Ping: func(context.Context) error { return errors.New("down") }},
	)

	rec := s.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[LivenessResponse](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "down"}, ready.Dependencies)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `clinic_http_requests_total{method="GET",route="/health/ready",status="200"} 1`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadinessFailsOnCriticalDependency(t *testing.T) {
	s := newTestServer(t, Dependency{Name: "postgres", Critical: true, Ping: func(context.Context) error { return errors.New("refused") }})

	rec := s.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "error", decode[ReadinessResponse](t, rec).Status)
}

func TestAvailabilityRequiresKnownPractitioner(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/practitioners/"+uuid.NewString()+"/availability", AvailabilityRequest{
		DayOfWeek: int(time.Tuesday), StartTime: "09:00", EndTime: "12:00",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "practitioner_not_found", decode[ErrorResponse](t, rec).Error)
}

type failingWaitlist struct {
	WaitlistService
}

func (failingWaitlist) AvailabilityAdded(context.Context, schedule.AvailabilityWindow) (waitlist.Result, error) {
	return waitlist.Result{}, errors.New("waitlist store unavailable")
}

func TestAvailabilityStoredWhenWaitlistPassFails(t *testing.T) {
	s := newTestServer(t)
	var logs bytes.Buffer
	handler := NewRouter(RouterConfig{
		Waitlist:     failingWaitlist{WaitlistService: s.matcher},
		Availability: s.store,
		Logger:       logging.NewWithWriter(&logs, "info"),
	})

	body, err := json.Marshal(AvailabilityRequest{DayOfWeek: int(time.Wednesday), StartTime: "13:00", EndTime: "17:00"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/practitioners/"+s.practitioner.String()+"/availability", bytes.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[AvailabilityResponse](t, rec)
	assert.Empty(t, resp.Waitlist.MatchedEntryIDs)
	assert.Contains(t, logs.String(), "waitlist store unavailable")

	windows, err := s.store.ListAvailability(context.Background(), s.practitioner)
	require.NoError(t, err)
	var stored bool
	for _, w := range windows {
		stored = stored || w.ID == resp.ID
	}
	assert.True(t, stored)
}

func TestInternalErrorsStayOutOfResponses(t *testing.T) {
	var logs bytes.Buffer
	handler := LoggingMiddleware(logging.NewWithWriter(&logs, "info"), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeServiceError(w, errors.New("insert appointment: read tcp 10.0.0.7:5432: connection reset by peer"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal_error", resp.Error)
	assert.Equal(t, "internal server error", resp.Details)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")
	assert.Contains(t, logs.String(), "connection reset by peer")
	assert.Contains(t, logs.String(), "http request failed")
}

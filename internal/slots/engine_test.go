package slots

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

// 2030-01-07 is a Monday.
var monday = time.Date(2030, time.January, 7, 0, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return monday.AddDate(0, 0, -7) }

func at(day time.Time, hh, mm int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, day.Location())
}

func addWindow(t *testing.T, store *schedule.MemoryStore, pract uuid.UUID, day time.Weekday, from, to string) {
	t.Helper()
	start, err := schedule.ParseClock(from)
	require.NoError(t, err)
	end, err := schedule.ParseClock(to)
	require.NoError(t, err)
	require.NoError(t, store.CreateAvailability(context.Background(), &schedule.AvailabilityWindow{
		PractitionerID: pract,
		Weekday:        day,
		Start:          start,
		End:            end,
		Active:         true,
	}))
}

func addAppointment(t *testing.T, store *schedule.MemoryStore, pract uuid.UUID, start time.Time, d time.Duration, status schedule.AppointmentStatus) {
	t.Helper()
	require.NoError(t, store.CreateAppointment(context.Background(), &schedule.Appointment{
		ID:             uuid.New(),
		PatientID:      uuid.New(),
		PractitionerID: pract,
		StartTime:      start,
		Duration:       d,
		Status:         status,
	}))
}

func starts(cands []Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Start.Format("Mon 15:04"))
	}
	return out
}

func newEngine(store schedule.CalendarReader) *Engine {
	return NewEngine(store, Options{Location: time.UTC, Now: fixedNow})
}

func TestGenerateSkipsBookedInterval(t *testing.T) {
	store := schedule.NewMemoryStore()
	pract := uuid.New()
	addWindow(t, store, pract, time.Monday, "09:00", "12:00")
	addAppointment(t, store, pract, at(monday, 10, 0), 30*time.Minute, schedule.StatusPending)

	got, err := newEngine(store).Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{pract},
		From:            monday,
		To:              monday,
		Duration:        30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 09:00", "Mon 09:30", "Mon 10:30", "Mon 11:00", "Mon 11:30"}, starts(got))
	for _, c := range got {
		assert.Equal(t, 30*time.Minute, c.End.Sub(c.Start))
		assert.Equal(t, []uuid.UUID{pract}, c.PractitionerIDs)
	}
}

func TestGenerateCollapsesOverlappingWindows(t *testing.T) {
	store := schedule.NewMemoryStore()
	pract := uuid.New()
	addWindow(t, store, pract, time.Monday, "09:00", "11:00")
	addWindow(t, store, pract, time.Monday, "10:00", "12:00")
	addWindow(t, store, pract, time.Monday, "09:30", "10:30")

	got, err := newEngine(store).Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{pract},
		From:            monday,
		To:              monday,
		Duration:        time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 09:00", "Mon 10:00", "Mon 11:00"}, starts(got))
}

func TestGenerateRequiresAllPractitionersFree(t *testing.T) {
	store := schedule.NewMemoryStore()
	p1, p2 := uuid.New(), uuid.New()
	addWindow(t, store, p1, time.Monday, "09:00", "12:00")
	addWindow(t, store, p2, time.Monday, "10:00", "13:00")
	addAppointment(t, store, p2, at(monday, 11, 0), 30*time.Minute, schedule.StatusConfirmed)

	got, err := newEngine(store).Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{p1, p2, p1},
		From:            monday,
		To:              monday,
		Duration:        30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 10:00", "Mon 10:30", "Mon 11:30"}, starts(got))
	require.NotEmpty(t, got)
	assert.Equal(t, []uuid.UUID{p1, p2}, got[0].PractitionerIDs)
}

func TestGenerateHonoursResourceReservations(t *testing.T) {
	store := schedule.NewMemoryStore()
	pract, room := uuid.New(), uuid.New()
	addWindow(t, store, pract, time.Monday, "09:00", "11:00")
	require.NoError(t, store.CreateReservation(context.Background(), &schedule.ResourceReservation{
		ResourceID:    room,
		AppointmentID: uuid.New(),
		Date:          monday,
		StartTime:     at(monday, 9, 15),
		EndTime:       at(monday, 9, 45),
	}))

	got, err := newEngine(store).Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{pract},
		ResourceIDs:     []uuid.UUID{room},
		From:            monday,
		To:              monday,
		Duration:        30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 10:00", "Mon 10:30"}, starts(got))
}

func TestGenerateIgnoresTerminalAppointments(t *testing.T) {
	store := schedule.NewMemoryStore()
	pract := uuid.New()
	addWindow(t, store, pract, time.Monday, "09:00", "10:00")
	addAppointment(t, store, pract, at(monday, 9, 0), time.Hour, schedule.StatusCancelled)

	got, err := newEngine(store).Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{pract},
		From:            monday,
		To:              monday,
		Duration:        time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 09:00"}, starts(got))
}

func TestGenerateSpansDaysAndCapsResults(t *testing.T) {
	store := schedule.NewMemoryStore()
	pract := uuid.New()
	addWindow(t, store, pract, time.Monday, "09:00", "10:00")
	addWindow(t, store, pract, time.Wednesday, "14:00", "16:00")

	engine := newEngine(store)
	got, err := engine.Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{pract},
		From:            monday,
		To:              monday.AddDate(0, 0, 6),
		Duration:        30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 09:00", "Mon 09:30", "Wed 14:00", "Wed 14:30", "Wed 15:00", "Wed 15:30"}, starts(got))

	capped, err := engine.Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{pract},
		From:            monday,
		To:              monday.AddDate(0, 0, 6),
		Duration:        30 * time.Minute,
		Limit:           3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 09:00", "Mon 09:30", "Wed 14:00"}, starts(capped))
}

func TestGenerateSkipsPastAndClipsBounds(t *testing.T) {
	store := schedule.NewMemoryStore()
	pract := uuid.New()
	addWindow(t, store, pract, time.Monday, "09:00", "12:00")

	engine := NewEngine(store, Options{Now: func() time.Time { return at(monday, 10, 15) }})
	got, err := engine.Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{pract},
		From:            monday,
		To:              monday,
		Duration:        30 * time.Minute,
		NotAfter:        at(monday, 11, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mon 10:30", "Mon 11:00"}, starts(got))
}

func TestGenerateEmptyIsNotAnError(t *testing.T) {
	store := schedule.NewMemoryStore()

	got, err := newEngine(store).Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{uuid.New()},
		From:            monday,
		To:              monday,
		Duration:        30 * time.Minute,
	})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGenerateRejectsMalformedInput(t *testing.T) {
	engine := newEngine(schedule.NewMemoryStore())
	pract := []uuid.UUID{uuid.New()}

	cases := []struct {
		name string
		req  Request
	}{
		{"no practitioners", Request{From: monday, To: monday, Duration: time.Hour}},
		{"missing duration", Request{PractitionerIDs: pract, From: monday, To: monday}},
		{"fractional minutes", Request{PractitionerIDs: pract, From: monday, To: monday, Duration: 90 * time.Second}},
		{"end before start", Request{PractitionerIDs: pract, From: monday, To: monday.AddDate(0, 0, -1), Duration: time.Hour}},
		{"range too long", Request{PractitionerIDs: pract, From: monday, To: monday.AddDate(0, 0, MaxRangeDays), Duration: time.Hour}},
		{"missing dates", Request{PractitionerIDs: pract, Duration: time.Hour}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := engine.Generate(context.Background(), c.req)
			if !errors.Is(err, schedule.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestGenerateInterpretsAvailabilityInLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	store := schedule.NewMemoryStore()
	pract := uuid.New()
	addWindow(t, store, pract, time.Monday, "09:00", "10:00")

	engine := NewEngine(store, Options{Location: loc, Now: fixedNow})
	got, err := engine.Generate(context.Background(), Request{
		PractitionerIDs: []uuid.UUID{pract},
		From:            time.Date(2030, time.January, 7, 0, 0, 0, 0, loc),
		To:              time.Date(2030, time.January, 7, 0, 0, 0, 0, loc),
		Duration:        time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2030, time.January, 7, 14, 0, 0, 0, time.UTC), got[0].Start.UTC())
}

func TestIsFree(t *testing.T) {
	store := schedule.NewMemoryStore()
	pract := uuid.New()
	addWindow(t, store, pract, time.Monday, "09:00", "12:00")
	addAppointment(t, store, pract, at(monday, 10, 0), 30*time.Minute, schedule.StatusPending)

	engine := newEngine(store)
	cases := []struct {
		start time.Time
		want  bool
	}{
		{at(monday, 10, 15), false},
		{at(monday, 10, 45), true},
		{at(monday, 9, 0), true},
		{at(monday, 11, 45), false},
		{at(monday, 8, 30), false},
		{at(monday.AddDate(0, 0, 1), 10, 0), false},
	}

	for _, c := range cases {
		free, err := engine.IsFree(context.Background(), []uuid.UUID{pract}, nil, c.start, 30*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, c.want, free, "start %s", c.start.Format("Mon 15:04"))
	}
}

func TestIntervalHelpers(t *testing.T) {
	merged := mergeSpans([]clockRange{{600, 660}, {540, 600}, {700, 720}})
	assert.Equal(t, []clockRange{{540, 660}, {700, 720}}, merged)

	joint := intersectSpans([]clockRange{{540, 720}}, []clockRange{{480, 600}, {660, 780}})
	assert.Equal(t, []clockRange{{540, 600}, {660, 720}}, joint)

	tl := newTimeline([]interval{
		{at(monday, 10, 0), at(monday, 10, 30)},
		{at(monday, 10, 30), at(monday, 11, 0)},
	})
	assert.Len(t, tl, 1)
	assert.True(t, tl.overlaps(at(monday, 10, 45), at(monday, 11, 15)))
	assert.False(t, tl.overlaps(at(monday, 11, 0), at(monday, 11, 30)))
	assert.False(t, tl.overlaps(at(monday, 9, 30), at(monday, 10, 0)))
}

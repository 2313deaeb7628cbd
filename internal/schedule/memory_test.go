package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday = time.Date(2030, time.January, 7, 0, 0, 0, 0, time.UTC)

func newAppointment(practitionerID uuid.UUID, start time.Time, d time.Duration) *Appointment {
	return &Appointment{
		ID:             uuid.New(),
		PatientID:      uuid.New(),
		PractitionerID: practitionerID,
		StartTime:      start,
		Duration:       d,
		Status:         StatusPending,
	}
}

func TestMemoryStoreRejectsOverlappingAppointments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pract := uuid.New()

	require.NoError(t, store.CreateAppointment(ctx, newAppointment(pract, monday.Add(10*time.Hour), 30*time.Minute)))

	err := store.CreateAppointment(ctx, newAppointment(pract, monday.Add(10*time.Hour+15*time.Minute), 30*time.Minute))
	assert.ErrorIs(t, err, ErrPractitionerTaken)

	// Adjacent half-open intervals do not overlap.
	assert.NoError(t, store.CreateAppointment(ctx, newAppointment(pract, monday.Add(10*time.Hour+30*time.Minute), 30*time.Minute)))

	// Another practitioner is unaffected.
	assert.NoError(t, store.CreateAppointment(ctx, newAppointment(uuid.New(), monday.Add(10*time.Hour), 30*time.Minute)))
}

func TestMemoryStoreCancelledAppointmentsFreeCapacity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pract := uuid.New()

	first := newAppointment(pract, monday.Add(9*time.Hour), time.Hour)
	require.NoError(t, store.CreateAppointment(ctx, first))

	_, err := store.UpdateAppointmentStatus(ctx, first.ID, StatusPending, StatusCancelled)
	require.NoError(t, err)

	assert.NoError(t, store.CreateAppointment(ctx, newAppointment(pract, monday.Add(9*time.Hour), time.Hour)))

	active, err := store.ListActiveAppointments(ctx, pract, monday, monday.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestMemoryStoreConditionalStatusUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	appt := newAppointment(uuid.New(), monday, 30*time.Minute)
	require.NoError(t, store.CreateAppointment(ctx, appt))

	_, err := store.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusCompleted)
	assert.ErrorIs(t, err, ErrStatusChanged)

	_, err = store.UpdateAppointmentStatus(ctx, uuid.New(), StatusPending, StatusConfirmed)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestMemoryStoreReservationExclusivity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	room := uuid.New()

	res := &ResourceReservation{
		ResourceID:    room,
		AppointmentID: uuid.New(),
		Date:          monday,
		StartTime:     monday.Add(10 * time.Hour),
		EndTime:       monday.Add(10*time.Hour + 30*time.Minute),
	}
	require.NoError(t, store.CreateReservation(ctx, res))

	clash := *res
	clash.ID = uuid.Nil
	clash.StartTime = monday.Add(10*time.Hour + 20*time.Minute)
	clash.EndTime = monday.Add(11 * time.Hour)
	assert.ErrorIs(t, store.CreateReservation(ctx, &clash), ErrResourceTaken)

	n, err := store.DeleteReservationsByAppointment(ctx, res.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, store.CreateReservation(ctx, &clash))
}

func TestMemoryStoreConcurrentInsertsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pract := uuid.New()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := monday.Add(10*time.Hour + time.Duration(i%3)*10*time.Minute)
			if err := store.CreateAppointment(ctx, newAppointment(pract, start, 30*time.Minute)); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStoreWaitlistTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pract := uuid.New()

	older := &WaitlistEntry{PatientID: uuid.New(), PractitionerID: pract, CreatedAt: monday}
	newer := &WaitlistEntry{PatientID: uuid.New(), PractitionerID: pract, CreatedAt: monday.Add(time.Minute)}
	require.NoError(t, store.CreateWaitlistEntry(ctx, newer))
	require.NoError(t, store.CreateWaitlistEntry(ctx, older))

	waiting, err := store.ListWaiting(ctx, pract)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, older.ID, waiting[0].ID)

	ok, err := store.MarkNotified(ctx, older.ID, monday)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkNotified(ctx, older.ID, monday)
	require.NoError(t, err)
	assert.False(t, ok, "second notify must not transition again")

	entry, err := store.UpdateWaitlistStatus(ctx, older.ID, []WaitlistStatus{WaitlistNotified}, WaitlistWaiting)
	require.NoError(t, err)
	assert.Nil(t, entry.NotifiedAt)

	require.NoError(t, store.MarkFulfilled(ctx, older.ID, uuid.New()))
	assert.ErrorIs(t, store.MarkFulfilled(ctx, older.ID, uuid.New()), ErrStatusChanged)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.CreateAppointment(ctx, newAppointment(uuid.New(), monday, time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Appointments())
}

func TestMemoryDeleteStaleReservations(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	live := newAppointment(uuid.New(), monday.Add(9*time.Hour), 30*time.Minute)
	dead := newAppointment(uuid.New(), monday.Add(10*time.Hour), 30*time.Minute)
	require.NoError(t, m.CreateAppointment(ctx, live))
	require.NoError(t, m.CreateAppointment(ctx, dead))

	room := uuid.New()
	for _, a := range []*Appointment{live, dead} {
		require.NoError(t, m.CreateReservation(ctx, &ResourceReservation{
			ResourceID: room, AppointmentID: a.ID, Date: monday, StartTime: a.StartTime, EndTime: a.EndTime(),
		}))
	}
	_, err := m.UpdateAppointmentStatus(ctx, dead.ID, StatusPending, StatusCancelled)
	require.NoError(t, err)

	n, err := m.DeleteStaleReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, m.Reservations(), 1)
	assert.Equal(t, live.ID, m.Reservations()[0].AppointmentID)
}

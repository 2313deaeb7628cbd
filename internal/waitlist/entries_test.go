package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

func TestJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	date := time.Date(2030, time.January, 9, 23, 0, 0, 0, loc)

	entry, err := f.matcher.Join(ctx, JoinRequest{
		PatientID:          f.patient,
		PractitionerID:     f.practitioner,
		PreferredDate:      &date,
		PreferredTimeOfDay: ptr(schedule.Evening),
	})
	require.NoError(t, err)
	assert.Equal(t, schedule.WaitlistWaiting, entry.Status)
	require.NotNil(t, entry.PreferredDate)
	assert.Equal(t, time.Date(2030, time.January, 9, 0, 0, 0, 0, time.UTC), *entry.PreferredDate)

	stored, err := f.matcher.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, stored.ID)
}

func TestJoinRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  JoinRequest
		want error
	}{
		{"missing ids", JoinRequest{}, schedule.ErrInvalidInput},
		{"unknown bucket", JoinRequest{PatientID: f.patient, PractitionerID: f.practitioner, PreferredTimeOfDay: ptr(schedule.TimeOfDay("night"))}, schedule.ErrInvalidInput},
		{"unknown patient", JoinRequest{PatientID: uuid.New(), PractitionerID: f.practitioner}, schedule.ErrPatientNotFound},
		{"unknown practitioner", JoinRequest{PatientID: f.patient, PractitionerID: uuid.New()}, schedule.ErrPractitionerNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.matcher.Join(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRequeueAndExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addEntry(t, nil, nil)

	_, err := f.matcher.Requeue(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.matcher.Match(ctx, f.practitioner, nil)
	require.NoError(t, err)
	f.matcher.Wait()

	entry, err := f.matcher.Requeue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schedule.WaitlistWaiting, entry.Status)

	entry, err = f.matcher.Expire(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schedule.WaitlistExpired, entry.Status)

	_, err = f.matcher.Expire(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.matcher.Expire(ctx, uuid.New())
	assert.ErrorIs(t, err, schedule.ErrWaitlistEntryNotFound)
}

package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/waitlist"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

type mockSender struct {
	sent []Message
	err  error
}

func (m *mockSender) Send(_ context.Context, msg Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type directory struct {
	store        *schedule.MemoryStore
	patient      uuid.UUID
	noEmail      uuid.UUID
	practitioner uuid.UUID
}

func newDirectory() *directory {
	d := &directory{
		store:        schedule.NewMemoryStore(),
		patient:      uuid.New(),
		noEmail:      uuid.New(),
		practitioner: uuid.New(),
	}
	email := "ada@example.com"
	d.store.AddPatient(schedule.Patient{ID: d.patient, Name: "Ada", Email: &email})
	d.store.AddPatient(schedule.Patient{ID: d.noEmail, Name: "Bob"})
	d.store.AddPractitioner(schedule.Practitioner{ID: d.practitioner, Name: "Dr Grey", AcceptingPatients: true})
	return d
}

func TestNotifyBooked(t *testing.T) {
	d := newDirectory()
	sender := &mockSender{}
	svc := NewService(d.store, sender, time.UTC, logging.Discard())

	apptID := uuid.New()
	start := time.Date(2030, time.January, 8, 10, 0, 0, 0, time.UTC)
	require.NoError(t, svc.NotifyBooked(context.Background(), apptID, d.patient, d.practitioner, start))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Equal(t, "Ada", msg.ToName)
	assert.Contains(t, msg.Body, "Dr Grey")
	assert.Contains(t, msg.Body, "Tuesday, Jan 8 2030 at 10:00 UTC")
	assert.Contains(t, msg.Body, apptID.String())
}

func TestNotifyWaitlist(t *testing.T) {
	d := newDirectory()
	sender := &mockSender{}
	svc := NewService(d.store, sender, time.UTC, logging.Discard())
	entry := schedule.WaitlistEntry{ID: uuid.New(), PatientID: d.patient, PractitionerID: d.practitioner}

	slot := &waitlist.Slot{Start: time.Date(2030, time.January, 7, 14, 0, 0, 0, time.UTC)}
	require.NoError(t, svc.NotifyWaitlist(context.Background(), entry, slot))
	require.NoError(t, svc.NotifyWaitlist(context.Background(), entry, nil))

	require.Len(t, sender.sent, 2)
	assert.Contains(t, sender.sent[0].Body, "Monday, Jan 7 2030 at 14:00 UTC")
	assert.True(t, strings.Contains(sender.sent[1].Body, "new availability"))
}

func TestNotifyFailures(t *testing.T) {
	d := newDirectory()
	ctx := context.Background()
	start := time.Date(2030, time.January, 8, 10, 0, 0, 0, time.UTC)

	svc := NewService(d.store, &mockSender{}, time.UTC, logging.Discard())
	err := svc.NotifyBooked(ctx, uuid.New(), d.noEmail, d.practitioner, start)
	assert.ErrorIs(t, err, ErrNoContact)

	err = svc.NotifyBooked(ctx, uuid.New(), uuid.New(), d.practitioner, start)
	assert.ErrorIs(t, err, schedule.ErrPatientNotFound)

	boom := errors.New("provider down")
	svc = NewService(d.store, &mockSender{err: boom}, time.UTC, logging.Discard())
	err = svc.NotifyBooked(ctx, uuid.New(), d.patient, d.practitioner, start)
	assert.ErrorIs(t, err, boom)

	svc = NewService(d.store, nil, time.UTC, logging.Discard())
	assert.Error(t, svc.NotifyBooked(ctx, uuid.New(), d.patient, d.practitioner, start))
}

func TestNewSendGridSender(t *testing.T) {
	assert.Nil(t, NewSendGridSender(SendGridConfig{FromEmail: "clinic@example.com"}, nil))

	sender := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "clinic@example.com"}, nil)
	require.NotNil(t, sender)
	assert.Equal(t, "Clinic Scheduling", sender.fromName)

	var unset *SendGridSender
	assert.Error(t, unset.Send(context.Background(), Message{To: "a@example.com"}))
}

func TestStubSender(t *testing.T) {
	assert.NoError(t, NewStubSender(nil).Send(context.Background(), Message{To: "a@example.com", Subject: "hi"}))
}

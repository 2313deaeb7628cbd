package schedule

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository. It applies the same exclusivity
// rules as the Postgres constraints, checked and written under one lock, so it
// is a faithful stand-in for concurrency tests and single-node demos.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	patients      map[uuid.UUID]Patient
	practitioners map[uuid.UUID]Practitioner
	resources     map[uuid.UUID]Resource
	availability  map[uuid.UUID][]AvailabilityWindow
	appointments  map[uuid.UUID]Appointment
	reservations  map[uuid.UUID]ResourceReservation
	waitlist      map[uuid.UUID]WaitlistEntry
	failures      []NotificationFailure
	events        []EventLog
	seq           int64
}

var (
	_ Repository      = (*MemoryStore)(nil)
	_ DirectoryWriter = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		patients:      make(map[uuid.UUID]Patient),
		practitioners: make(map[uuid.UUID]Practitioner),
		resources:     make(map[uuid.UUID]Resource),
		availability:  make(map[uuid.UUID][]AvailabilityWindow),
		appointments:  make(map[uuid.UUID]Appointment),
		reservations:  make(map[uuid.UUID]ResourceReservation),
		waitlist:      make(map[uuid.UUID]WaitlistEntry),
	}
}

// Seeding helpers, used by tests and the memory backend.

func (m *MemoryStore) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryStore) AddPractitioner(p Practitioner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.practitioners[p.ID] = p
}

func (m *MemoryStore) AddResource(r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r
}

// Appointments returns a snapshot of every stored appointment.
func (m *MemoryStore) Appointments() []Appointment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Appointment, 0, len(m.appointments))
	for _, a := range m.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Reservations returns a snapshot of every stored reservation.
func (m *MemoryStore) Reservations() []ResourceReservation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ResourceReservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m *MemoryStore) NotificationFailures() []NotificationFailure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.failures)
}

func (m *MemoryStore) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}

// Directory

func (m *MemoryStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.practitioners[id]
	if !ok {
		return nil, ErrPractitionerNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetResourceByID(ctx context.Context, id uuid.UUID) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return &r, nil
}

func (m *MemoryStore) CreatePatient(ctx context.Context, p *Patient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.AddPatient(*p)
	return nil
}

func (m *MemoryStore) CreatePractitioner(ctx context.Context, p *Practitioner) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.AddPractitioner(*p)
	return nil
}

func (m *MemoryStore) CreateResource(ctx context.Context, r *Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = m.now()
	m.AddResource(*r)
	return nil
}

func (m *MemoryStore) ListPractitionersBySpecialty(ctx context.Context, specialty string) ([]Practitioner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Practitioner
	for _, p := range m.practitioners {
		if p.AcceptingPatients && p.Specialty != nil && strings.EqualFold(*p.Specialty, specialty) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Calendar

func (m *MemoryStore) ListAvailability(ctx context.Context, practitionerID uuid.UUID) ([]AvailabilityWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AvailabilityWindow
	for _, w := range m.availability[practitionerID] {
		if w.Active {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateAvailability(ctx context.Context, w *AvailabilityWindow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = m.now()
	m.availability[w.PractitionerID] = append(m.availability[w.PractitionerID], *w)
	return nil
}

func (m *MemoryStore) ListActiveAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Appointment
	for _, a := range m.appointments {
		if a.PractitionerID == practitionerID && a.Status.HoldsCapacity() && Overlaps(a.StartTime, a.EndTime(), from, to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) ListReservations(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]ResourceReservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ResourceReservation
	for _, r := range m.reservations {
		if r.ResourceID == resourceID && Overlaps(r.StartTime, r.EndTime, from, to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// Booking writes

func (m *MemoryStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Status.HoldsCapacity() {
		for _, existing := range m.appointments {
			if existing.PractitionerID != a.PractitionerID || !existing.Status.HoldsCapacity() {
				continue
			}
			if Overlaps(existing.StartTime, existing.EndTime(), a.StartTime, a.EndTime()) {
				return ErrPractitionerTaken
			}
		}
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := m.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.appointments[a.ID] = *a
	return nil
}

func (m *MemoryStore) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.appointments, id)
	return nil
}

func (m *MemoryStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryStore) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Appointment
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusChanged
	}
	a.Status = to
	a.UpdatedAt = m.now()
	m.appointments[id] = a
	return &a, nil
}

func (m *MemoryStore) FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Appointment
	for _, a := range m.appointments {
		if a.Status == StatusPending && a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateReservation(ctx context.Context, r *ResourceReservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.reservations {
		if existing.ResourceID == r.ResourceID && Overlaps(existing.StartTime, existing.EndTime, r.StartTime, r.EndTime) {
			return ErrResourceTaken
		}
	}

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = m.now()
	m.reservations[r.ID] = *r
	return nil
}

func (m *MemoryStore) DeleteReservation(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, id)
	return nil
}

func (m *MemoryStore) ListReservationsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]ResourceReservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ResourceReservation
	for _, r := range m.reservations {
		if r.AppointmentID == appointmentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteReservationsByAppointment(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, r := range m.reservations {
		if r.AppointmentID == appointmentID {
			delete(m.reservations, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteStaleReservations(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, r := range m.reservations {
		if a, ok := m.appointments[r.AppointmentID]; ok && !a.Status.HoldsCapacity() {
			delete(m.reservations, id)
			n++
		}
	}
	return n, nil
}

// Waitlist

func (m *MemoryStore) CreateWaitlistEntry(ctx context.Context, e *WaitlistEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = WaitlistWaiting
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.waitlist[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.waitlist[id]
	if !ok {
		return nil, ErrWaitlistEntryNotFound
	}
	return &e, nil
}

func (m *MemoryStore) ListWaiting(ctx context.Context, practitionerID uuid.UUID) ([]WaitlistEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []WaitlistEntry
	for _, e := range m.waitlist {
		if e.PractitionerID == practitionerID && e.Status == WaitlistWaiting {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryStore) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.waitlist[id]
	if !ok || e.Status != WaitlistWaiting {
		return false, nil
	}
	e.Status = WaitlistNotified
	e.NotifiedAt = &at
	m.waitlist[id] = e
	return true, nil
}

func (m *MemoryStore) MarkFulfilled(ctx context.Context, id, appointmentID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.waitlist[id]
	if !ok {
		return ErrWaitlistEntryNotFound
	}
	if e.Status != WaitlistWaiting && e.Status != WaitlistNotified {
		return ErrStatusChanged
	}
	e.Status = WaitlistFulfilled
	e.FulfilledAppointmentID = &appointmentID
	m.waitlist[id] = e
	return nil
}

func (m *MemoryStore) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, from []WaitlistStatus, to WaitlistStatus) (*WaitlistEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.waitlist[id]
	if !ok {
		return nil, ErrWaitlistEntryNotFound
	}
	if !slices.Contains(from, e.Status) {
		return nil, ErrStatusChanged
	}
	e.Status = to
	if to == WaitlistWaiting {
		e.NotifiedAt = nil
	}
	m.waitlist[id] = e
	return &e, nil
}

func (m *MemoryStore) RecordNotificationFailure(ctx context.Context, f NotificationFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = m.now()
	m.failures = append(m.failures, f)
	return nil
}

// Events

func (m *MemoryStore) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ev.ID = m.seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.events = append(m.events, ev)
	return nil
}

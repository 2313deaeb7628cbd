package waitlist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/clinic-scheduling-core/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

const (
	channelWaitlist      = "waitlist"
	failureRecordTimeout = 5 * time.Second

	// How far ahead a new weekly window is offered to the waitlist.
	availabilityHorizon = 28 * 24 * time.Hour

	DefaultSlotDuration = 30 * time.Minute
)

var ErrInvalidTransition = errors.New("invalid waitlist transition")

var tracer = otel.Tracer("clinic/waitlist")

// Slot is a freed [Start, End) interval.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Notifier delivers the "a slot opened up" message. slot is nil when the
// match was against general availability.
type Notifier interface {
	NotifyWaitlist(ctx context.Context, entry schedule.WaitlistEntry, slot *Slot) error
}

type Store interface {
	schedule.DirectoryReader
	schedule.WaitlistStore
}

type Result struct {
	Notified        int         `json:"notified"`
	MatchedEntryIDs []uuid.UUID `json:"matched_entry_ids"`
}

type Options struct {
	Location      *time.Location
	NotifyTimeout time.Duration
	// SlotDuration is the size new availability is cut into before matching.
	SlotDuration time.Duration
	Metrics      *metrics.SchedulingMetrics
	Logger       *logging.Logger
	Now          func() time.Time
}

type Matcher struct {
	store         Store
	notifier      Notifier
	loc           *time.Location
	notifyTimeout time.Duration
	slotDuration  time.Duration
	metrics       *metrics.SchedulingMetrics
	logger        *logging.Logger
	now           func() time.Time

	bg sync.WaitGroup
}

func NewMatcher(store Store, notifier Notifier, opts Options) *Matcher {
	m := &Matcher{
		store:         store,
		notifier:      notifier,
		loc:           opts.Location,
		notifyTimeout: opts.NotifyTimeout,
		slotDuration:  opts.SlotDuration,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.notifyTimeout <= 0 {
		m.notifyTimeout = 10 * time.Second
	}
	if m.slotDuration <= 0 {
		m.slotDuration = DefaultSlotDuration
	}
	if m.logger == nil {
		m.logger = logging.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Match walks the practitioner's waiting entries oldest first and notifies
// each one whose preferences fit a freed slot. Every slot serves at most one
// entry. With no slots, only entries without preferences match.
func (m *Matcher) Match(ctx context.Context, practitionerID uuid.UUID, freed []Slot) (Result, error) {
	result := Result{MatchedEntryIDs: []uuid.UUID{}}
	if practitionerID == uuid.Nil {
		return result, schedule.Invalid("practitioner_id is required")
	}

	ctx, span := tracer.Start(ctx, "waitlist.Match")
	defer span.End()
	span.SetAttributes(
		attribute.String("waitlist.practitioner_id", practitionerID.String()),
		attribute.Int("waitlist.freed_slots", len(freed)),
	)

	entries, err := m.store.ListWaiting(ctx, practitionerID)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("list waitlist: %w", err)
	}

	general := len(freed) == 0
	remaining := slices.Clone(freed)
	sort.SliceStable(remaining, func(i, j int) bool { return remaining[i].Start.Before(remaining[j].Start) })

	for _, entry := range entries {
		if !general && len(remaining) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var slot *Slot
		idx := -1
		if general {
			if entry.HasPreferences() {
				continue
			}
		} else {
			idx = m.firstFit(entry, remaining)
			if idx < 0 {
				continue
			}
			s := remaining[idx]
			slot = &s
		}

		claimed, err := m.store.MarkNotified(ctx, entry.ID, m.now())
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("mark entry %s notified: %w", entry.ID, err)
		}
		if !claimed {
			// Another matcher got there first; the slot stays available.
			continue
		}
		if idx >= 0 {
			remaining = slices.Delete(remaining, idx, idx+1)
		}

		m.dispatch(ctx, entry, slot)
		result.Notified++
		result.MatchedEntryIDs = append(result.MatchedEntryIDs, entry.ID)
	}

	if result.Notified > 0 {
		m.logger.Info("waitlist entries notified", "practitioner_id", practitionerID, "notified", result.Notified, "freed_slots", len(freed))
	}
	return result, nil
}

// CapacityFreed offers one released interval to the waitlist.
func (m *Matcher) CapacityFreed(ctx context.Context, practitionerID uuid.UUID, start, end time.Time) error {
	_, err := m.Match(ctx, practitionerID, []Slot{{Start: start, End: end}})
	return err
}

// AvailabilityAdded offers the upcoming occurrences of a new weekly window,
// cut into appointment-sized slots so one window can serve several entries.
func (m *Matcher) AvailabilityAdded(ctx context.Context, w schedule.AvailabilityWindow) (Result, error) {
	return m.Match(ctx, w.PractitionerID, Split(Occurrences(w, m.now(), availabilityHorizon, m.loc), m.slotDuration))
}

// Occurrences lists the concrete intervals of a weekly window that start
// after from and before from+horizon.
func Occurrences(w schedule.AvailabilityWindow, from time.Time, horizon time.Duration, loc *time.Location) []Slot {
	if !w.Active || w.Start >= w.End {
		return nil
	}
	until := from.Add(horizon)
	var out []Slot
	for day := schedule.DateOf(from, loc); day.Before(until); day = day.AddDate(0, 0, 1) {
		if day.Weekday() != w.Weekday {
			continue
		}
		start := w.Start.On(day)
		if start.Before(from) || !start.Before(until) {
			continue
		}
		out = append(out, Slot{Start: start, End: w.End.On(day)})
	}
	return out
}

// Split cuts every interval into consecutive slots of length d. A trailing
// remainder shorter than d is dropped.
func Split(in []Slot, d time.Duration) []Slot {
	if d <= 0 {
		return in
	}
	var out []Slot
	for _, s := range in {
		for start := s.Start; !start.Add(d).After(s.End); start = start.Add(d) {
			out = append(out, Slot{Start: start, End: start.Add(d)})
		}
	}
	return out
}

func (m *Matcher) firstFit(entry schedule.WaitlistEntry, slots []Slot) int {
	for i, s := range slots {
		if fits(entry, s, m.loc) {
			return i
		}
	}
	return -1
}

// fits reports whether a slot satisfies the entry's date and bucket
// preferences. A slot fits a bucket when it overlaps the bucket's hours on
// the slot's local day.
func fits(entry schedule.WaitlistEntry, s Slot, loc *time.Location) bool {
	day := schedule.DateOf(s.Start, loc)
	if entry.PreferredDate != nil {
		py, pm, pd := entry.PreferredDate.Date()
		y, mo, d := day.Date()
		if py != y || pm != mo || pd != d {
			return false
		}
	}
	if entry.PreferredTimeOfDay != nil {
		from, to, ok := entry.PreferredTimeOfDay.Hours()
		if !ok || !schedule.Overlaps(s.Start, s.End, from.On(day), to.On(day)) {
			return false
		}
	}
	return true
}

// dispatch sends without blocking the match. A failed send leaves the entry
// notified and is recorded for the retry process.
func (m *Matcher) dispatch(ctx context.Context, entry schedule.WaitlistEntry, slot *Slot) {
	if m.notifier == nil {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.notifyTimeout)
		defer cancel()

		err := m.notifier.NotifyWaitlist(sctx, entry, slot)
		m.metrics.ObserveWaitlistNotification(err == nil)
		if err == nil {
			return
		}
		m.logger.Warn("waitlist notification failed", "waitlist_entry_id", entry.ID, "patient_id", entry.PatientID, "error", err)

		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
		defer rcancel()
		id := entry.ID
		if recErr := m.store.RecordNotificationFailure(rctx, schedule.NotificationFailure{
			WaitlistEntryID: &id,
			Channel:         channelWaitlist,
			Error:           err.Error(),
		}); recErr != nil {
			m.logger.Error("failed to record notification failure", "waitlist_entry_id", entry.ID, "error", recErr)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (m *Matcher) Wait() {
	m.bg.Wait()
}

package slots

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/clinic-scheduling-core/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

const (
	DefaultLimit = 50
	MaxRangeDays = 92
)

var tracer = otel.Tracer("clinic/slots")

// Request describes a slot search. From and To are calendar dates, both
// inclusive, interpreted in the engine's location.
type Request struct {
	PractitionerIDs []uuid.UUID
	From            time.Time
	To              time.Time
	Duration        time.Duration
	ResourceIDs     []uuid.UUID
	Limit           int

	// Optional bounds on candidate start times.
	NotBefore time.Time
	NotAfter  time.Time
}

// Candidate is a window in which every requested practitioner and resource is free.
type Candidate struct {
	Start           time.Time   `json:"start"`
	End             time.Time   `json:"end"`
	PractitionerIDs []uuid.UUID `json:"practitioner_ids"`
}

type Options struct {
	Location *time.Location
	Limit    int
	Now      func() time.Time
	Metrics  *metrics.SchedulingMetrics
	Logger   *logging.Logger
}

type Engine struct {
	store   schedule.CalendarReader
	loc     *time.Location
	limit   int
	now     func() time.Time
	metrics *metrics.SchedulingMetrics
	logger  *logging.Logger
}

func NewEngine(store schedule.CalendarReader, opts Options) *Engine {
	if store == nil {
		panic("slots: calendar reader required")
	}
	e := &Engine{
		store:   store,
		loc:     opts.Location,
		limit:   opts.Limit,
		now:     opts.Now,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.limit <= 0 {
		e.limit = DefaultLimit
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	return e
}

func (e *Engine) Location() *time.Location { return e.loc }

func (r Request) validate(loc *time.Location) error {
	if len(r.PractitionerIDs) == 0 {
		return schedule.Invalid("at least one practitioner is required")
	}
	for _, id := range r.PractitionerIDs {
		if id == uuid.Nil {
			return schedule.Invalid("practitioner id must not be empty")
		}
	}
	if r.Duration <= 0 {
		return schedule.Invalid("duration must be positive")
	}
	if r.Duration%time.Minute != 0 {
		return schedule.Invalid("duration must be a whole number of minutes")
	}
	if r.Duration > 24*time.Hour {
		return schedule.Invalid("duration must not exceed one day")
	}
	if r.From.IsZero() || r.To.IsZero() {
		return schedule.Invalid("date range is required")
	}
	from, to := schedule.DateOf(r.From, loc), schedule.DateOf(r.To, loc)
	if to.Before(from) {
		return schedule.Invalid("end date %s is before start date %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	if days := daysBetween(from, to) + 1; days > MaxRangeDays {
		return schedule.Invalid("date range of %d days exceeds %d", days, MaxRangeDays)
	}
	if !r.NotBefore.IsZero() && !r.NotAfter.IsZero() && r.NotAfter.Before(r.NotBefore) {
		return schedule.Invalid("not_after is before not_before")
	}
	return nil
}

// Generate walks every day of the range and returns, in chronological order,
// the duration-sized steps in which all practitioners and resources are free.
// No match yields an empty list, never an error.
func (e *Engine) Generate(ctx context.Context, req Request) ([]Candidate, error) {
	if err := req.validate(e.loc); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "slots.Generate")
	defer span.End()

	practitioners := dedupe(req.PractitionerIDs)
	resources := dedupe(req.ResourceIDs)

	limit := req.Limit
	if limit <= 0 || limit > e.limit {
		limit = e.limit
	}

	firstDay := schedule.DateOf(req.From, e.loc)
	lastDay := schedule.DateOf(req.To, e.loc)
	rangeStart := firstDay
	rangeEnd := lastDay.AddDate(0, 0, 1)

	span.SetAttributes(
		attribute.Int("slots.practitioners", len(practitioners)),
		attribute.Int("slots.resources", len(resources)),
		attribute.String("slots.from", firstDay.Format(time.DateOnly)),
		attribute.String("slots.to", lastDay.Format(time.DateOnly)),
	)

	cal, err := e.load(ctx, practitioners, resources, rangeStart, rangeEnd)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := e.now()
	step := schedule.Clock(req.Duration / time.Minute)
	out := make([]Candidate, 0)

	for day := firstDay; day.Before(rangeEnd); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, s := range cal.jointEnvelope(day.Weekday()) {
			for c := s.start; c+step <= s.end; c += step {
				start := c.On(day)
				end := start.Add(req.Duration)

				if start.Before(now) {
					continue
				}
				if !req.NotBefore.IsZero() && start.Before(req.NotBefore) {
					continue
				}
				if !req.NotAfter.IsZero() && start.After(req.NotAfter) {
					continue
				}
				if cal.busy.overlaps(start, end) {
					continue
				}

				out = append(out, Candidate{Start: start, End: end, PractitionerIDs: practitioners})
				if len(out) >= limit {
					e.metrics.ObserveSlots(len(out))
					return out, nil
				}
			}
		}
	}

	e.metrics.ObserveSlots(len(out))
	e.logger.Debug("slots generated", "count", len(out), "practitioners", len(practitioners), "resources", len(resources))
	return out, nil
}

// IsFree answers an exact-time question without grid alignment: the interval
// must sit inside every practitioner's availability and overlap nothing booked.
func (e *Engine) IsFree(ctx context.Context, practitionerIDs, resourceIDs []uuid.UUID, start time.Time, d time.Duration) (bool, error) {
	if len(practitionerIDs) == 0 || d <= 0 {
		return false, schedule.Invalid("practitioners and a positive duration are required")
	}

	local := start.In(e.loc)
	end := local.Add(d)
	day := schedule.DateOf(local, e.loc)
	if !schedule.DateOf(end.Add(-time.Nanosecond), e.loc).Equal(day) {
		return false, nil
	}

	cal, err := e.load(ctx, dedupe(practitionerIDs), dedupe(resourceIDs), local, end)
	if err != nil {
		return false, err
	}

	from := schedule.ClockOf(local)
	to := schedule.ClockOf(end)
	if !schedule.DateOf(end, e.loc).Equal(day) {
		to = 24 * 60
	}
	inside := false
	for _, s := range cal.jointEnvelope(day.Weekday()) {
		if s.start <= from && to <= s.end {
			inside = true
			break
		}
	}
	if !inside {
		return false, nil
	}

	return !cal.busy.overlaps(local, end), nil
}

type calendar struct {
	availability [][]schedule.AvailabilityWindow
	busy         timeline
}

func (e *Engine) load(ctx context.Context, practitioners, resources []uuid.UUID, from, to time.Time) (*calendar, error) {
	cal := &calendar{availability: make([][]schedule.AvailabilityWindow, 0, len(practitioners))}
	var busy []interval

	for _, id := range practitioners {
		windows, err := e.store.ListAvailability(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load availability for %s: %w", id, err)
		}
		cal.availability = append(cal.availability, windows)

		appts, err := e.store.ListActiveAppointments(ctx, id, from, to)
		if err != nil {
			return nil, fmt.Errorf("load appointments for %s: %w", id, err)
		}
		for _, a := range appts {
			busy = append(busy, interval{start: a.StartTime, end: a.EndTime()})
		}
	}

	for _, id := range resources {
		reservations, err := e.store.ListReservations(ctx, id, from, to)
		if err != nil {
			return nil, fmt.Errorf("load reservations for %s: %w", id, err)
		}
		for _, r := range reservations {
			busy = append(busy, interval{start: r.StartTime, end: r.EndTime})
		}
	}

	cal.busy = newTimeline(busy)
	return cal, nil
}

// jointEnvelope intersects the merged envelopes of every practitioner.
func (c *calendar) jointEnvelope(day time.Weekday) []clockRange {
	if len(c.availability) == 0 {
		return nil
	}
	joint := envelope(c.availability[0], day)
	for _, windows := range c.availability[1:] {
		if len(joint) == 0 {
			return nil
		}
		joint = intersectSpans(joint, envelope(windows, day))
	}
	return joint
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != uuid.Nil && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func daysBetween(from, to time.Time) int {
	y1, m1, d1 := from.Date()
	y2, m2, d2 := to.Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/clinic-scheduling-core/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/slots"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

const (
	MaxResults      = 5
	DefaultDuration = 30 * time.Minute
	SearchRadius    = 2 * time.Hour
	DefaultCacheTTL = time.Hour
)

type Reason string

const (
	ReasonSamePractitioner     Reason = "same_practitioner"
	ReasonEquivalentSpecialist Reason = "equivalent_specialist"
)

var tracer = otel.Tracer("clinic/recommend")

type Request struct {
	PractitionerID uuid.UUID
	RequestedTime  time.Time
	Specialty      string
	Duration       time.Duration
}

// Candidate is one alternative with the inputs used to rank it.
type Candidate struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	PractitionerID   uuid.UUID `json:"practitioner_id"`
	PractitionerName string    `json:"practitioner_name"`
	Reason           Reason    `json:"reason"`
	DistanceMinutes  int       `json:"distance_minutes"`
	Rating           float64   `json:"rating"`
}

// SlotFinder is the part of the slot engine the recommender searches with.
type SlotFinder interface {
	Generate(ctx context.Context, req slots.Request) ([]slots.Candidate, error)
	IsFree(ctx context.Context, practitionerIDs, resourceIDs []uuid.UUID, start time.Time, d time.Duration) (bool, error)
}

type Options struct {
	Cache    Cache
	CacheTTL time.Duration
	Metrics  *metrics.SchedulingMetrics
	Logger   *logging.Logger
	Now      func() time.Time
}

type Recommender struct {
	finder  SlotFinder
	dir     schedule.DirectoryReader
	cache   Cache
	ttl     time.Duration
	metrics *metrics.SchedulingMetrics
	logger  *logging.Logger
	now     func() time.Time
}

func NewRecommender(finder SlotFinder, dir schedule.DirectoryReader, opts Options) *Recommender {
	r := &Recommender{
		finder:  finder,
		dir:     dir,
		cache:   opts.Cache,
		ttl:     opts.CacheTTL,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultCacheTTL
	}
	if r.logger == nil {
		r.logger = logging.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Recommend returns up to MaxResults alternatives to the requested slot,
// nearest in time first and better rated first among equals.
func (r *Recommender) Recommend(ctx context.Context, req Request) ([]Candidate, error) {
	if req.PractitionerID == uuid.Nil {
		return nil, schedule.Invalid("practitioner_id is required")
	}
	if req.RequestedTime.IsZero() {
		return nil, schedule.Invalid("requested_time is required")
	}
	if req.Duration == 0 {
		req.Duration = DefaultDuration
	}
	if req.Duration < 0 || req.Duration%time.Minute != 0 {
		return nil, schedule.Invalid("duration must be a positive number of minutes")
	}

	ctx, span := tracer.Start(ctx, "recommend.Recommend")
	defer span.End()

	practitioner, err := r.dir.GetPractitionerByID(ctx, req.PractitionerID)
	if err != nil {
		return nil, fmt.Errorf("load practitioner: %w", err)
	}

	specialty := strings.TrimSpace(req.Specialty)
	if specialty == "" && practitioner.Specialty != nil {
		specialty = *practitioner.Specialty
	}
	span.SetAttributes(
		attribute.String("recommend.practitioner_id", req.PractitionerID.String()),
		attribute.String("recommend.specialty", specialty),
	)

	key := cacheKey(req, specialty)
	if cached, ok := r.lookup(ctx, key); ok {
		span.SetAttributes(attribute.Bool("recommend.cache_hit", true))
		return cached, nil
	}

	out, err := r.nearbyTimes(ctx, req, *practitioner)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(out) < MaxResults && specialty != "" {
		peers, err := r.equivalentSpecialists(ctx, req, specialty)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		out = append(out, peers...)
	}

	rank(out)
	if len(out) > MaxResults {
		out = out[:MaxResults]
	}

	r.store(ctx, key, out)
	return out, nil
}

// nearbyTimes scans the practitioner's own envelope within SearchRadius.
func (r *Recommender) nearbyTimes(ctx context.Context, req Request, p schedule.Practitioner) ([]Candidate, error) {
	from := req.RequestedTime.Add(-SearchRadius)
	to := req.RequestedTime.Add(SearchRadius)

	found, err := r.finder.Generate(ctx, slots.Request{
		PractitionerIDs: []uuid.UUID{p.ID},
		From:            from,
		To:              to,
		Duration:        req.Duration,
		NotBefore:       from,
		NotAfter:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("search nearby times: %w", err)
	}

	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		out = append(out, Candidate{
			Start:            c.Start,
			End:              c.End,
			PractitionerID:   p.ID,
			PractitionerName: p.Name,
			Reason:           ReasonSamePractitioner,
			DistanceMinutes:  distance(c.Start, req.RequestedTime),
			Rating:           p.Rating,
		})
	}
	return out, nil
}

// equivalentSpecialists finds peers free at exactly the requested time.
func (r *Recommender) equivalentSpecialists(ctx context.Context, req Request, specialty string) ([]Candidate, error) {
	peers, err := r.dir.ListPractitionersBySpecialty(ctx, specialty)
	if err != nil {
		return nil, fmt.Errorf("list practitioners: %w", err)
	}

	var out []Candidate
	for _, p := range peers {
		if p.ID == req.PractitionerID {
			continue
		}
		free, err := r.finder.IsFree(ctx, []uuid.UUID{p.ID}, nil, req.RequestedTime, req.Duration)
		if err != nil {
			return nil, fmt.Errorf("check practitioner %s: %w", p.ID, err)
		}
		if !free {
			continue
		}
		out = append(out, Candidate{
			Start:            req.RequestedTime,
			End:              req.RequestedTime.Add(req.Duration),
			PractitionerID:   p.ID,
			PractitionerName: p.Name,
			Reason:           ReasonEquivalentSpecialist,
			DistanceMinutes:  0,
			Rating:           p.Rating,
		})
	}
	return out, nil
}

func (r *Recommender) lookup(ctx context.Context, key string) ([]Candidate, bool) {
	if r.cache == nil {
		return nil, false
	}
	entry, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("recommendation cache read failed", "key", key, "error", err)
	}
	hit := ok && err == nil && entry.ExpiresAt.After(r.now())
	r.metrics.ObserveCacheLookup(hit)
	if !hit {
		return nil, false
	}
	return entry.Candidates, true
}

func (r *Recommender) store(ctx context.Context, key string, out []Candidate) {
	if r.cache == nil {
		return
	}
	entry := Entry{Candidates: out, ExpiresAt: r.now().Add(r.ttl)}
	if err := r.cache.Set(ctx, key, entry, r.ttl); err != nil {
		r.logger.Warn("recommendation cache write failed", "key", key, "error", err)
	}
}

// rank orders by distance from the request, then rating, then start.
func rank(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].DistanceMinutes != c[j].DistanceMinutes {
			return c[i].DistanceMinutes < c[j].DistanceMinutes
		}
		if c[i].Rating != c[j].Rating {
			return c[i].Rating > c[j].Rating
		}
		if !c[i].Start.Equal(c[j].Start) {
			return c[i].Start.Before(c[j].Start)
		}
		return c[i].PractitionerID.String() < c[j].PractitionerID.String()
	})
}

func distance(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d / time.Minute)
}

func cacheKey(req Request, specialty string) string {
	return fmt.Sprintf("%s|%d|%d|%s",
		req.PractitionerID,
		req.RequestedTime.Unix(),
		int(req.Duration/time.Minute),
		strings.ToLower(specialty),
	)
}

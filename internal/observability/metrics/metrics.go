package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulingMetrics exposes counters/histograms for the booking core.
type SchedulingMetrics struct {
	bookingAttempts      *prometheus.CounterVec
	bookingCompensations *prometheus.CounterVec
	waitlistNotified     *prometheus.CounterVec
	recommendCache       *prometheus.CounterVec
	slotsGenerated       prometheus.Histogram
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		bookingCompensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "compensations_total",
			Help:      "Booking rollbacks by result",
		}, []string{"result"}),
		waitlistNotified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "waitlist",
			Name:      "notifications_total",
			Help:      "Waitlist notifications by send result",
		}, []string{"result"}),
		recommendCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "recommend",
			Name:      "cache_total",
			Help:      "Recommendation cache lookups by result",
		}, []string{"result"}),
		slotsGenerated: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Name:      "slots_generated",
			Help:      "Number of candidate slots returned per search",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingAttempts, m.bookingCompensations, m.waitlistNotified, m.recommendCache, m.slotsGenerated)
	return m
}

// ObserveBooking records one booking attempt: success, practitioner_conflict,
// room_conflict, equipment_conflict, invalid or error.
func (m *SchedulingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingAttempts.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveCompensation(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.bookingCompensations.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveWaitlistNotification(sent bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !sent {
		result = "send_failed"
	}
	m.waitlistNotified.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.recommendCache.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveSlots(n int) {
	if m == nil {
		return
	}
	m.slotsGenerated.Observe(float64(n))
}

// HTTPMetrics tracks request counts and latencies per chi route pattern.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *HTTPMetrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

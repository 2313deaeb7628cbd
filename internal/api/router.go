package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/clinic-scheduling-core/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

type RouterConfig struct {
	Bookings     BookingService
	Slots        SlotSearcher
	Recommender  Recommender
	Waitlist     WaitlistService
	Availability AvailabilityStore
	Health       *HealthHandler

	Logger      *logging.Logger
	HTTPMetrics *metrics.HTTPMetrics
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.HTTPMetrics))
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	health := cfg.Health
	if health == nil {
		health = NewHealthHandler("", "")
	}
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/slots/search", searchSlotsHandler(cfg.Slots))

	r.Post("/bookings", createBookingHandler(cfg.Bookings))
	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Get("/", getAppointmentHandler(cfg.Bookings))
		r.Post("/confirm", confirmAppointmentHandler(cfg.Bookings))
		r.Post("/cancel", cancelAppointmentHandler(cfg.Bookings))
		r.Post("/status", updateStatusHandler(cfg.Bookings))
	})
	r.Get("/patients/{id}/appointments", listPatientAppointmentsHandler(cfg.Bookings))

	r.Post("/recommendations", recommendHandler(cfg.Recommender))

	r.Post("/waitlist", joinWaitlistHandler(cfg.Waitlist))
	r.Post("/waitlist/match", matchWaitlistHandler(cfg.Waitlist))
	r.Get("/waitlist/{id}", getWaitlistEntryHandler(cfg.Waitlist))
	r.Post("/waitlist/{id}/requeue", waitlistTransitionHandler(cfg.Waitlist.Requeue))
	r.Post("/waitlist/{id}/expire", waitlistTransitionHandler(cfg.Waitlist.Expire))

	r.Post("/practitioners/{id}/availability", addAvailabilityHandler(cfg.Availability, cfg.Waitlist, cfg.Logger))

	return r
}

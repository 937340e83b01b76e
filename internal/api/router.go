package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/observability/metrics"
)

type RouterConfig struct {
	Service      *agenda.Service
	Dependencies []Dependency
	Logger       zerolog.Logger
	HTTPMetrics  *metrics.HTTPMetrics
	// MetricsHandler serves /metrics; promhttp.Handler() when nil.
	MetricsHandler http.Handler
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.HTTPMetrics))
	r.Use(RecoverMiddleware)

	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Get("/rooms", listRoomsHandler(cfg.Service))

	r.Route("/agenda", func(r chi.Router) {
		r.Get("/", getAgendaHandler(cfg.Service))
		r.Get("/calendar", getCalendarHandler(cfg.Service))
		r.Get("/export", exportAgendaHandler(cfg.Service))
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Service))
		r.Post("/series", createSeriesHandler(cfg.Service))
		r.Route("/{id}", func(r chi.Router) {
			r.Patch("/schedule", rescheduleAppointmentHandler(cfg.Service))
			r.Patch("/duration", resizeAppointmentHandler(cfg.Service))
			r.Post("/status", setStatusHandler(cfg.Service))
			r.Delete("/", deleteAppointmentHandler(cfg.Service))
		})
	})

	return r
}

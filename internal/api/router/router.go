package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medidesk/opd-scheduler/internal/http/handlers"
	httpmiddleware "github.com/medidesk/opd-scheduler/internal/http/middleware"
	"github.com/medidesk/opd-scheduler/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger       *logging.Logger
	Appointments *handlers.AppointmentsHandler
	Presence     *handlers.PresenceHandler
	Health       http.HandlerFunc

	MetricsHandler     http.Handler
	AdminAuthSecret    string
	CORSAllowedOrigins []string

	// WalkInRate limits walk-in check-ins per second per IP; zero disables.
	WalkInRate  float64
	WalkInBurst int
}

// New creates the service router.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Get("/health", cfg.Health)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	r.Route("/api", func(api chi.Router) {
		if cfg.Appointments != nil {
			api.Route("/appointments", func(r chi.Router) {
				r.Post("/", cfg.Appointments.BookAdvance)
				r.Post("/{id}/confirm", cfg.Appointments.Transition("confirm"))
				r.Post("/{id}/complete", cfg.Appointments.Transition("complete"))
				r.Post("/{id}/cancel", cfg.Appointments.Transition("cancel"))
			})

			walkins := api.Group(nil)
			if cfg.WalkInRate > 0 {
				walkins.Use(httpmiddleware.RateLimit(cfg.WalkInRate, cfg.WalkInBurst))
			}
			walkins.Post("/walkins", cfg.Appointments.CheckInWalkIn)

			api.Get("/doctors/{id}/schedule", cfg.Appointments.DaySchedule)
		}

		if cfg.Presence != nil {
			api.Route("/doctors/{id}/presence", func(r chi.Router) {
				r.Get("/", cfg.Presence.Get)
				r.With(httpmiddleware.AdminJWT(cfg.AdminAuthSecret)).Put("/", cfg.Presence.Set)
			})
		}
	})

	return r
}

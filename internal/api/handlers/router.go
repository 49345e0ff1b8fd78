package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/api/middleware"
)

// RouterConfig wires the API router.
type RouterConfig struct {
	ServiceName   string
	Appointments  *AppointmentHandler
	Notifications *NotificationHandler
	Health        *Health
	Auth          *middleware.TokenAuth
	Realtime      http.Handler
	Metrics       http.Handler
	HTTPObserver  middleware.HTTPObserver
	CORSOrigins   []string
	Logger        *zap.Logger
}

// NewRouter builds the chi router for the appointment API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	if cfg.HTTPObserver != nil {
		r.Use(middleware.Metrics(cfg.HTTPObserver))
	}
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", cfg.Health.Live)
	r.Get("/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Realtime != nil {
		r.With(cfg.Auth.Authenticate(true)).Handle("/ws", cfg.Realtime)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.Use(cfg.Auth.Authenticate(false))
		cfg.Appointments.Routes(r)
		if cfg.Notifications != nil {
			cfg.Notifications.Routes(r)
		}
	})

	return r
}

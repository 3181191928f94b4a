package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/identity"
)

type RouterConfig struct {
	Handlers *Handlers
	Health   *HealthHandler
	Webhook  http.Handler
	Metrics  http.Handler
	Logger   *zap.Logger

	JWTSecret          string
	AllowedOrigins     []string
	RateLimitPerMinute int
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", cfg.Webhook)
	}

	h := cfg.Handlers
	limited := rateLimit(cfg.RateLimitPerMinute)
	auth := Authenticate(cfg.JWTSecret)

	r.Route("/api/user", func(r chi.Router) {
		r.Use(auth, RequireRole(identity.RolePatient))
		r.Get("/appointments", h.PatientAppointments)
		r.Post("/cancel-appointment", h.CancelAppointment)
		r.Group(func(r chi.Router) {
			r.Use(limited)
			r.Post("/book-appointment", h.BookAppointment)
			r.Post("/payment-stripe", h.StartPayment)
			r.Post("/verifyStripe", h.VerifyPayment)
		})
	})

	r.Route("/api/doctor", func(r chi.Router) {
		r.Get("/list", h.ListDoctors)
		r.Group(func(r chi.Router) {
			r.Use(auth, RequireRole(identity.RoleDoctor))
			r.Get("/appointments", h.DoctorAppointments)
			r.Post("/complete-appointment", h.CompleteAppointment)
			r.Post("/cancel-appointment", h.CancelAppointment)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth, RequireRole(identity.RoleAdmin))
		r.Get("/appointments", h.AllAppointments)
		r.Post("/cancel-appointment", h.CancelAppointment)
		r.Post("/change-availability", h.ChangeAvailability)
		r.Post("/complete-appointment", h.CompleteAppointment)
	})

	return r
}

func rateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.LimitByIP(perMinute, time.Minute)
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/medconsult/booking-engine/internal/appointment"
	"github.com/medconsult/booking-engine/pkg/logging"
)

type RouterConfig struct {
	Handlers *Handlers
	Webhook  *WebhookHandler
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Log      *logging.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	h := cfg.Handlers

	r.Route("/doctors/{doctorID}", func(r chi.Router) {
		r.Get("/slots", h.listSlots)
		r.Post("/windows", h.addWindow)
	})
	r.Delete("/windows/{windowID}", h.removeWindow)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.claimSlot)
		r.Get("/{appointmentID}", h.getAppointment)
		r.Post("/{appointmentID}/approve", h.approve)
		r.Post("/{appointmentID}/reject", h.transition("reject",
			func(r *http.Request, actor appointment.Actor, id uuid.UUID, version int64) (*appointment.Appointment, error) {
				return h.SM.Reject(r.Context(), actor, id, version)
			}))
		r.Post("/{appointmentID}/cancel", h.transition("cancel",
			func(r *http.Request, actor appointment.Actor, id uuid.UUID, version int64) (*appointment.Appointment, error) {
				return h.SM.Cancel(r.Context(), actor, id, version)
			}))
		r.Post("/{appointmentID}/complete", h.transition("complete",
			func(r *http.Request, actor appointment.Actor, id uuid.UUID, version int64) (*appointment.Appointment, error) {
				return h.SM.Complete(r.Context(), actor, id, version)
			}))
		r.Post("/{appointmentID}/reschedule", h.reschedule)
		r.Post("/{appointmentID}/checkout", h.checkout)
	})

	r.Get("/patients/{patientID}/appointments", h.listPatientAppointments)
	r.Get("/payments/{paymentID}", h.getPayment)

	r.Post("/webhooks/payment", cfg.Webhook.ServeHTTP)

	return r
}

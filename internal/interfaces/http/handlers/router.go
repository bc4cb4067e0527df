package handlers

import (
	"net/http"
	"time"

	"github.com/cassiomorais/payflow/internal/infrastructure/config"
	"github.com/cassiomorais/payflow/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/payflow/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type RouterDeps struct {
	Payments    PaymentStatusReader
	DeadLetters DeadLetterAdmin
	Checks      map[string]Check
	Metrics     *observability.Metrics
	// Gatherer backs /metrics; nil leaves the route unmounted.
	Gatherer prometheus.Gatherer
	Ops      config.OpsConfig
	Logger   zerolog.Logger
}

// NewRouter builds the operator HTTP surface.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(deps.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Ops.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: deps.Ops.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics, "/metrics"))
	}

	health := NewHealthHandler(deps.Checks)
	r.Get("/healthz", health.Liveness)
	r.Get("/readyz", health.Readiness)

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	payments := NewPaymentHandler(deps.Payments)
	r.Get("/payments/{id}", payments.GetPayment)

	if deps.DeadLetters != nil {
		outbox := NewOutboxHandler(deps.DeadLetters)
		r.Route("/outbox/dead-letters", func(r chi.Router) {
			r.Use(customMW.RequireOperator(deps.Ops.JWTSecret))
			r.Get("/", outbox.ListDeadLetters)
			r.With(customMW.RateLimit(deps.Ops.RequeueRateLimit)).Post("/{id}/requeue", outbox.Requeue)
		})
	}

	return r
}

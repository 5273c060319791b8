// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/authz"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/middleware"
)

// Router builds the chi route tree around a Handler.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.AccessLog)
	r.Use(h.cors())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).NotFound("route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).Error(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	// Providers deliver from a few shared IPs, so webhooks are limited per
	// organization inside the ingestor rather than per IP here.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/stripe", h.StripeWebhook)
		r.Post("/gocardless", h.GoCardlessWebhook)
	})

	r.With(h.requireCronSecret).Post("/api/cron/process-payments", h.ProcessPayments)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.rateLimit())
		r.Use(h.authenticate)

		r.Route("/organizations/{orgID}", func(r chi.Router) {
			r.Use(h.requireTenant)

			r.With(h.requirePermission(authz.PaymentsRead)).Get("/payments", h.ListPayments)
			r.With(h.requirePermission(authz.PaymentsRead)).Get("/payments/{paymentID}", h.GetPayment)
			r.With(h.requirePermission(authz.PaymentsWrite)).Post("/payments/{paymentID}/cancel", h.CancelPayment)
			r.With(h.requirePermission(authz.WebhooksRead)).Get("/webhooks", h.ListWebhookEvents)
		})

		r.Route("/admin/queue", func(r chi.Router) {
			r.With(h.requirePermission(authz.QueueRead)).Get("/dead", h.ListDeadLetters)
			r.With(h.requirePermission(authz.QueueWrite)).Post("/dead/{jobID}/requeue", h.RequeueDeadLetter)
		})
	})

	return r
}

func (h *Handler) cors() func(http.Handler) http.Handler {
	var origins []string
	if h.cfg != nil {
		origins = h.cfg.Security.CORSOrigins
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           86400,
	})
}

func (h *Handler) rateLimit() func(http.Handler) http.Handler {
	reqs, window := 300, time.Minute
	if h.cfg != nil && h.cfg.Security.RateLimitReqs > 0 {
		reqs = h.cfg.Security.RateLimitReqs
		if h.cfg.Security.RateLimitWindow > 0 {
			window = h.cfg.Security.RateLimitWindow
		}
	}
	return httprate.Limit(reqs, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(rateLimited),
	)
}

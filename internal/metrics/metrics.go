// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package metrics holds the application-level Prometheus collectors. Queue
// internals register their own collectors in internal/queue.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Database
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"scope"}, // "ip" or "organization"
	)

	// Webhooks
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Webhook events accepted for processing",
		},
		[]string{"provider"},
	)

	WebhooksDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_duplicate_total",
			Help: "Webhook events acknowledged without processing because they were already seen",
		},
		[]string{"provider"},
	)

	WebhooksRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_rejected_total",
			Help: "Webhook deliveries rejected before processing",
		},
		[]string{"provider", "reason"},
	)

	// Charges
	ChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_charges_total",
			Help: "Charge attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ChargeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_charge_duration_seconds",
			Help:    "Provider charge call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	PaymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_status_transitions_total",
			Help: "Payment status transitions",
		},
		[]string{"from", "to"},
	)

	// Circuit breakers
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Events
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Lifecycle events published",
		},
		[]string{"topic"},
	)

	EventsPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_publish_failures_total",
			Help: "Lifecycle events that failed to publish",
		},
		[]string{"topic"},
	)

	// Webhook organization lookups
	OrgCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_org_cache_lookups_total",
			Help: "Provider account to organization lookups by cache result",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	// Authorization
	AuthzDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Role checks by object, action and result",
		},
		[]string{"object", "action", "result"},
	)

	// Cron
	CronRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_cron_runs_total",
			Help: "process-payments runs by trigger",
		},
		[]string{"trigger"}, // "scheduler" or "http"
	)

	CronEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_cron_enqueued_total",
			Help: "Charge jobs enqueued by process-payments",
		},
	)

	CronLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_cron_last_success_timestamp",
			Help: "Unix time of the last successful process-payments run",
		},
	)
)

// RecordDBQuery records a database query.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordAPIRequest records an API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks in-flight API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordCharge records one provider call.
func RecordCharge(provider, outcome string, duration time.Duration) {
	ChargesTotal.WithLabelValues(provider, outcome).Inc()
	ChargeDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordTransition records a payment status change.
func RecordTransition(from, to string) {
	PaymentTransitions.WithLabelValues(from, to).Inc()
}

// RecordWebhookAccepted counts a webhook event handed to the queue.
func RecordWebhookAccepted(provider string) {
	WebhooksReceived.WithLabelValues(provider).Inc()
}

// RecordWebhookDuplicate counts a redelivered webhook event.
func RecordWebhookDuplicate(provider string) {
	WebhooksDuplicate.WithLabelValues(provider).Inc()
}

// RecordWebhookRejected counts a delivery refused before processing.
func RecordWebhookRejected(provider, reason string) {
	WebhooksRejected.WithLabelValues(provider, reason).Inc()
}

// RecordRateLimitHit counts a request refused by a rate limiter.
func RecordRateLimitHit(scope string) {
	APIRateLimitHits.WithLabelValues(scope).Inc()
}

// RecordEventPublish counts a published or failed lifecycle event.
func RecordEventPublish(topic string, err error) {
	if err != nil {
		EventsPublishFailures.WithLabelValues(topic).Inc()
		return
	}
	EventsPublished.WithLabelValues(topic).Inc()
}

// RecordOrgCacheLookup counts an organization cache hit or miss.
func RecordOrgCacheLookup(hit bool) {
	if hit {
		OrgCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	OrgCacheLookups.WithLabelValues("miss").Inc()
}

// RecordAuthzDecision counts one role check.
func RecordAuthzDecision(object, action string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	AuthzDecisions.WithLabelValues(object, action, result).Inc()
}

// RecordCronRun records a completed process-payments run.
func RecordCronRun(trigger string, enqueued int, err error) {
	CronRuns.WithLabelValues(trigger).Inc()
	CronEnqueued.Add(float64(enqueued))
	if err == nil {
		CronLastSuccess.Set(float64(time.Now().Unix()))
	}
}

// RecordBreakerTransition updates circuit breaker state metrics. States are
// the gobreaker names: closed, half-open, open.
func RecordBreakerTransition(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

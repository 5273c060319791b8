// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

/*
Package middleware provides the HTTP middleware shared by every route.

All components use chi's func(http.Handler) http.Handler shape and are
installed by the api router:

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.AccessLog)

RequestID accepts a caller-supplied X-Request-ID (trimmed to a safe length
and character set) or generates a UUID, and stores it together with a fresh
correlation ID in the logging context.

PrometheusMetrics labels requests with the chi route pattern, not the raw
path, so /api/v1/organizations/{orgID}/payments is a single series no matter
how many tenants call it.
*/
package middleware

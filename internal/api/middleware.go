// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/auth"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/authz"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
)

// authenticate requires a valid bearer JWT and stores its claims.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := NewResponseWriter(w, r)
		if h.tokens == nil {
			rw.Unauthorized("authentication is not configured")
			return
		}

		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			rw.Unauthorized("missing or malformed bearer token")
			return
		}

		claims, err := h.tokens.ValidateToken(token)
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("Token validation failed")
			rw.Unauthorized("invalid token")
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		if org := claims.OrganizationID(); org != "" {
			ctx = logging.ContextWithOrganization(ctx, org)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireTenant rejects callers whose token belongs to a different
// organization than the {orgID} path segment.
func (h *Handler) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			NewResponseWriter(w, r).Unauthorized("authentication required")
			return
		}
		orgID := chi.URLParam(r, "orgID")
		if orgID == "" || claims.OrganizationID() != orgID {
			logging.Ctx(r.Context()).Warn().
				Str("user_id", claims.Subject).
				Str("path_org", logging.SanitizeLogValue(orgID)).
				Msg("Cross-tenant request rejected")
			NewResponseWriter(w, r).Forbidden("token does not belong to this organization")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requirePermission checks the caller's organization role.
func (h *Handler) requirePermission(p authz.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				NewResponseWriter(w, r).Unauthorized("authentication required")
				return
			}
			if h.authorizer == nil || !h.authorizer.Can(claims.OrgRole(), p) {
				NewResponseWriter(w, r).Forbidden("role " + claims.OrgRole() + " may not " + p.Action + " " + p.Object)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errCronSecretUnset is logged when the cron route is hit without a
// configured secret.
var errCronSecretUnset = errors.New("cron secret is not configured")

// requireCronSecret guards the external cron trigger. An unset secret
// disables the route.
func (h *Handler) requireCronSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := NewResponseWriter(w, r)
		secret := ""
		if h.cfg != nil {
			secret = h.cfg.Cron.Secret
		}
		if secret == "" {
			logging.Ctx(r.Context()).Warn().Err(errCronSecretUnset).Msg("Cron trigger refused")
			rw.Unauthorized("cron trigger is disabled")
			return
		}

		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			rw.Unauthorized("invalid cron secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited is the httprate limit handler.
func rateLimited(w http.ResponseWriter, r *http.Request) {
	metrics.RecordRateLimitHit("ip")
	NewResponseWriter(w, r).TooManyRequests("too many requests", 0)
}

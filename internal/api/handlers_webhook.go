// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"errors"
	"net/http"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/webhook"
)

// StripeWebhook receives Stripe event deliveries.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, models.ProviderStripe)
}

// GoCardlessWebhook receives GoCardless event batches.
func (h *Handler) GoCardlessWebhook(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, models.ProviderGoCardless)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request, provider models.Provider) {
	rw := NewResponseWriter(w, r)

	if h.ingestor == nil || !h.ingestor.Enabled(provider) {
		metrics.RecordWebhookRejected(string(provider), "not_configured")
		rw.NotFound(string(provider) + " webhooks are not enabled")
		return
	}

	body, err := h.ingestor.ReadBody(r.Body)
	if err != nil {
		if errors.Is(err, webhook.ErrBodyTooLarge) {
			metrics.RecordWebhookRejected(string(provider), "body_too_large")
			rw.Error(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "webhook body too large")
			return
		}
		rw.ValidationError("failed to read request body", nil)
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), provider, r.Header, body)
	if err != nil {
		h.webhookError(rw, provider, err)
		return
	}

	logging.Ctx(r.Context()).Debug().
		Str("provider", string(provider)).
		Int("accepted", result.Accepted).
		Int("duplicates", result.Duplicates).
		Msg("Webhook delivery acknowledged")
	rw.Success(result)
}

func (h *Handler) webhookError(rw *ResponseWriter, provider models.Provider, err error) {
	var rateErr *webhook.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		rw.TooManyRequests("webhook rate limit exceeded", rateErr.RetryAfter)
	case errors.Is(err, webhook.ErrBodyTooLarge):
		rw.Error(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "webhook body too large")
	case errors.Is(err, webhook.ErrMissingSignature),
		errors.Is(err, webhook.ErrMalformedSignature),
		errors.Is(err, webhook.ErrSignatureMismatch),
		errors.Is(err, webhook.ErrTimestampOutOfRange):
		logging.Ctx(rw.r.Context()).Warn().Err(err).
			Str("provider", string(provider)).
			Msg("Webhook signature rejected")
		rw.Error(http.StatusUnauthorized, ErrCodeSignatureInvalid, "webhook signature verification failed")
	case errors.Is(err, webhook.ErrMalformedPayload):
		rw.ValidationError("malformed webhook payload", nil)
	case errors.Is(err, webhook.ErrProviderNotConfigured):
		rw.NotFound(string(provider) + " webhooks are not enabled")
	default:
		rw.InternalError(err, "Failed to ingest webhook")
	}
}

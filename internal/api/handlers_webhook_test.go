// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/webhook"
)

func TestWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		ingestErr  error
		readErr    error
		disabled   bool
		wantStatus int
		wantCode   string
	}{
		{name: "stripe accepted", path: "/webhooks/stripe", wantStatus: http.StatusOK},
		{name: "gocardless accepted", path: "/webhooks/gocardless", wantStatus: http.StatusOK},
		{name: "disabled provider", path: "/webhooks/stripe", disabled: true, wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound},
		{name: "body too large", path: "/webhooks/stripe", readErr: webhook.ErrBodyTooLarge, wantStatus: http.StatusRequestEntityTooLarge, wantCode: ErrCodePayloadTooLarge},
		{name: "missing signature", path: "/webhooks/stripe", ingestErr: webhook.ErrMissingSignature, wantStatus: http.StatusUnauthorized, wantCode: ErrCodeSignatureInvalid},
		{name: "bad signature", path: "/webhooks/gocardless", ingestErr: fmt.Errorf("verify: %w", webhook.ErrSignatureMismatch), wantStatus: http.StatusUnauthorized, wantCode: ErrCodeSignatureInvalid},
		{name: "stale timestamp", path: "/webhooks/stripe", ingestErr: webhook.ErrTimestampOutOfRange, wantStatus: http.StatusUnauthorized, wantCode: ErrCodeSignatureInvalid},
		{name: "malformed payload", path: "/webhooks/stripe", ingestErr: webhook.ErrMalformedPayload, wantStatus: http.StatusBadRequest, wantCode: ErrCodeValidation},
		{name: "not configured", path: "/webhooks/gocardless", ingestErr: webhook.ErrProviderNotConfigured, wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound},
		{name: "unexpected", path: "/webhooks/stripe", ingestErr: errors.New("badger closed"), wantStatus: http.StatusInternalServerError, wantCode: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ingestor.err = tt.ingestErr
			env.ingestor.readErr = tt.readErr
			if tt.disabled {
				env.ingestor.enabled = nil
			}

			rec := env.do(t, http.MethodPost, tt.path, "", `{"id":"evt_1"}`)
			if tt.wantCode == "" {
				if rec.Code != tt.wantStatus {
					t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
				}
				return
			}
			expectError(t, rec, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestWebhook_AcceptedBody(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.result = &webhook.IngestResult{Provider: models.ProviderStripe, Accepted: 2, Duplicates: 1}

	rec := env.do(t, http.MethodPost, "/webhooks/stripe", "", `{"id":"evt_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got webhook.IngestResult
	if err := json.Unmarshal(decode(t, rec).Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Accepted != 2 || got.Duplicates != 1 || got.Provider != models.ProviderStripe {
		t.Errorf("result = %+v", got)
	}
	if string(env.ingestor.body) != `{"id":"evt_1"}` {
		t.Errorf("ingestor saw body %q", env.ingestor.body)
	}
}

func TestWebhook_RateLimitedSetsRetryAfter(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.err = &webhook.RateLimitError{OrganizationID: orgA, RetryAfter: 1500 * time.Millisecond}
	before := testutil.ToFloat64(metrics.APIRateLimitHits.WithLabelValues("organization"))

	rec := env.do(t, http.MethodPost, "/webhooks/stripe", "", `{}`)
	expectError(t, rec, http.StatusTooManyRequests, ErrCodeRateLimited)
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	// The ingestor counts the hit; the handler only maps it to a 429.
	if got := testutil.ToFloat64(metrics.APIRateLimitHits.WithLabelValues("organization")) - before; got != 0 {
		t.Errorf("handler recorded %v organization rate limit hits, want 0", got)
	}
}

func TestWebhook_GetNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/webhooks/stripe", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if env.ingestor.calls != 0 {
		t.Error("ingestor called for GET")
	}
}

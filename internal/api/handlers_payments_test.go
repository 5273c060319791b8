// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/authz"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/payments"
)

func seedPayments(env *testEnv) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.store.payments["pay_a1"] = &models.Payment{ID: "pay_a1", OrganizationID: orgA, Status: models.PaymentPending, AmountMinor: 4500, Currency: "GBP", DueAt: now}
	env.store.payments["pay_a2"] = &models.Payment{ID: "pay_a2", OrganizationID: orgA, Status: models.PaymentFailed, AmountMinor: 4500, Currency: "GBP", DueAt: now}
	env.store.payments["pay_b1"] = &models.Payment{ID: "pay_b1", OrganizationID: orgB, Status: models.PaymentPending, AmountMinor: 9900, Currency: "EUR", DueAt: now}
	env.store.attempts["pay_a2"] = []models.PaymentAttempt{{ID: "att_1", PaymentID: "pay_a2", OrganizationID: orgA, Number: 1}}
}

func TestListPayments(t *testing.T) {
	env := newTestEnv(t)
	seedPayments(env)
	tok := env.token(t, orgA, authz.RoleStaff)

	rec := env.do(t, http.MethodGet, "/api/v1/organizations/org-a/payments", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	var list []models.Payment
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("got %d payments, want 2", len(list))
	}
	for _, p := range list {
		if p.OrganizationID != orgA {
			t.Errorf("leaked payment %s from %s", p.ID, p.OrganizationID)
		}
	}
	if resp.Meta.Total == nil || *resp.Meta.Total != 2 {
		t.Errorf("meta.total = %v", resp.Meta.Total)
	}
	if env.store.lastLimit != 50 || env.store.lastOffset != 0 {
		t.Errorf("defaults limit=%d offset=%d", env.store.lastLimit, env.store.lastOffset)
	}
}

func TestListPayments_Filters(t *testing.T) {
	env := newTestEnv(t)
	seedPayments(env)
	tok := env.token(t, orgA, authz.RoleStaff)

	rec := env.do(t, http.MethodGet, "/api/v1/organizations/org-a/payments?status=failed&limit=10&offset=0", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.store.lastStatus != models.PaymentFailed || env.store.lastLimit != 10 {
		t.Errorf("store saw status=%q limit=%d", env.store.lastStatus, env.store.lastLimit)
	}
}

func TestListPayments_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, orgA, authz.RoleStaff)

	rec := env.do(t, http.MethodGet, "/api/v1/organizations/org-a/payments", tok, "")
	if got := string(decode(t, rec).Data); got != "[]" {
		t.Errorf("data = %s, want []", got)
	}
}

func TestListPayments_Validation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, orgA, authz.RoleStaff)

	for _, q := range []string{"?status=paid", "?limit=0", "?limit=500", "?limit=abc", "?offset=-1"} {
		t.Run(q, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/organizations/org-a/payments"+q, tok, "")
			expectError(t, rec, http.StatusBadRequest, ErrCodeValidation)
		})
	}
}

func TestGetPayment(t *testing.T) {
	env := newTestEnv(t)
	seedPayments(env)
	tok := env.token(t, orgA, authz.RoleStaff)

	rec := env.do(t, http.MethodGet, "/api/v1/organizations/org-a/payments/pay_a2", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var detail models.PaymentDetail
	if err := json.Unmarshal(decode(t, rec).Data, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Payment == nil || detail.Payment.ID != "pay_a2" || len(detail.Attempts) != 1 {
		t.Errorf("detail = %+v", detail)
	}
}

func TestGetPayment_OtherTenantIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	seedPayments(env)
	tok := env.token(t, orgA, authz.RoleStaff)

	// pay_b1 exists but belongs to org-b.
	rec := env.do(t, http.MethodGet, "/api/v1/organizations/org-a/payments/pay_b1", tok, "")
	expectError(t, rec, http.StatusNotFound, ErrCodeNotFound)

	rec = env.do(t, http.MethodGet, "/api/v1/organizations/org-a/payments/pay_missing", tok, "")
	expectError(t, rec, http.StatusNotFound, ErrCodeNotFound)
}

func TestCancelPayment(t *testing.T) {
	tests := []struct {
		name       string
		role       string
		cancelErr  error
		wantStatus int
		wantCode   string
	}{
		{name: "admin cancels", role: authz.RoleAdmin, wantStatus: http.StatusOK},
		{name: "owner inherits admin", role: authz.RoleOwner, wantStatus: http.StatusOK},
		{name: "staff forbidden", role: authz.RoleStaff, wantStatus: http.StatusForbidden, wantCode: ErrCodeForbidden},
		{name: "unknown role forbidden", role: "member", wantStatus: http.StatusForbidden, wantCode: ErrCodeForbidden},
		{name: "terminal", role: authz.RoleAdmin, cancelErr: payments.ErrAlreadyTerminal, wantStatus: http.StatusConflict, wantCode: ErrCodeConflict},
		{name: "raced", role: authz.RoleAdmin, cancelErr: database.ErrStatusConflict, wantStatus: http.StatusConflict, wantCode: ErrCodeConflict},
		{name: "vanished", role: authz.RoleAdmin, cancelErr: database.ErrNotFound, wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound},
		{name: "store down", role: authz.RoleAdmin, cancelErr: errors.New("io error"), wantStatus: http.StatusInternalServerError, wantCode: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			seedPayments(env)
			env.payments.cancelErr = tt.cancelErr

			rec := env.do(t, http.MethodPost, "/api/v1/organizations/org-a/payments/pay_a1/cancel", env.token(t, orgA, tt.role), "")
			if tt.wantCode != "" {
				expectError(t, rec, tt.wantStatus, tt.wantCode)
				return
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
			}
			if len(env.payments.canceled) != 1 || env.payments.canceled[0] != "pay_a1" {
				t.Errorf("canceled = %v", env.payments.canceled)
			}
		})
	}
}

func TestCancelPayment_OtherTenantPaymentNotTouched(t *testing.T) {
	env := newTestEnv(t)
	seedPayments(env)

	rec := env.do(t, http.MethodPost, "/api/v1/organizations/org-a/payments/pay_b1/cancel", env.token(t, orgA, authz.RoleAdmin), "")
	expectError(t, rec, http.StatusNotFound, ErrCodeNotFound)
	if len(env.payments.canceled) != 0 {
		t.Errorf("cancel reached processor: %v", env.payments.canceled)
	}
}

func TestListWebhookEvents(t *testing.T) {
	env := newTestEnv(t)
	env.store.events = []models.WebhookEvent{
		{ID: "we_1", Provider: models.ProviderStripe, EventID: "evt_1", OrganizationID: orgA},
		{ID: "we_2", Provider: models.ProviderStripe, EventID: "evt_2", OrganizationID: orgB},
	}

	rec := env.do(t, http.MethodGet, "/api/v1/organizations/org-a/webhooks", env.token(t, orgA, authz.RoleStaff), "")
	expectError(t, rec, http.StatusForbidden, ErrCodeForbidden)

	rec = env.do(t, http.MethodGet, "/api/v1/organizations/org-a/webhooks", env.token(t, orgA, authz.RoleAdmin), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var events []models.WebhookEvent
	if err := json.Unmarshal(decode(t, rec).Data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != "we_1" {
		t.Errorf("events = %+v", events)
	}
}

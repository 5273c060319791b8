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

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/payments"
)

func TestProcessPayments_Secret(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		bearer     string
		wantStatus int
	}{
		{name: "valid", secret: testCronSecret, bearer: testCronSecret, wantStatus: http.StatusOK},
		{name: "wrong", secret: testCronSecret, bearer: "guess", wantStatus: http.StatusUnauthorized},
		{name: "missing", secret: testCronSecret, wantStatus: http.StatusUnauthorized},
		{name: "unset secret disables route", secret: "", bearer: "", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.cfg.Cron.Secret = tt.secret

			rec := env.do(t, http.MethodPost, "/api/cron/process-payments", tt.bearer, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			wantRuns := 0
			if tt.wantStatus == http.StatusOK {
				wantRuns = 1
			}
			if len(env.payments.triggers) != wantRuns {
				t.Errorf("runs = %d, want %d", len(env.payments.triggers), wantRuns)
			}
		})
	}
}

func TestProcessPayments_Result(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Cron.Timeout = time.Minute
	env.payments.runResult = &payments.ProcessResult{Scanned: 3, Enqueued: 2, Duplicates: 1}

	rec := env.do(t, http.MethodPost, "/api/cron/process-payments", testCronSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got payments.ProcessResult
	if err := json.Unmarshal(decode(t, rec).Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Scanned != 3 || got.Enqueued != 2 || got.Duplicates != 1 {
		t.Errorf("result = %+v", got)
	}
	if env.payments.triggers[0] != "http" {
		t.Errorf("trigger = %q", env.payments.triggers[0])
	}
	if env.payments.ctxErr != nil {
		t.Errorf("run context already done: %v", env.payments.ctxErr)
	}
}

func TestProcessPayments_Failure(t *testing.T) {
	env := newTestEnv(t)
	env.payments.runErr = errors.New("duckdb: database is locked")

	rec := env.do(t, http.MethodPost, "/api/cron/process-payments", testCronSecret, "")
	expectError(t, rec, http.StatusInternalServerError, ErrCodeInternal)
}

func TestProcessPayments_GetNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/cron/process-payments", testCronSecret, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
)

func stripeRequest() ChargeRequest {
	return ChargeRequest{
		PaymentID:        "pay_123",
		OrganizationID:   "org_1",
		AmountMinor:      4500,
		Currency:         "GBP",
		CustomerRef:      "cus_1",
		MethodRef:        "pm_1",
		Description:      "March membership",
		IdempotencyKey:   "charge:pay_123:1",
		ConnectedAccount: "acct_1",
	}
}

func newStripeTestClient(t *testing.T, h http.HandlerFunc) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewStripeClient(&config.StripeConfig{APIBaseURL: srv.URL + "/", SecretKey: "sk_test_x"})
}

func TestStripeCharge_Request(t *testing.T) {
	var got *http.Request
	var form url.Values
	c := newStripeTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(`{"id":"pi_1","status":"succeeded"}`))
	})

	res, err := c.Charge(context.Background(), stripeRequest())
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if res.Status != ChargeSucceeded || res.ProviderPaymentRef != "pi_1" {
		t.Errorf("result = %+v", res)
	}

	if got.Method != http.MethodPost || got.URL.Path != "/v1/payment_intents" {
		t.Errorf("request = %s %s", got.Method, got.URL.Path)
	}
	headers := map[string]string{
		"Authorization":   "Bearer sk_test_x",
		"Idempotency-Key": "charge:pay_123:1",
		"Stripe-Account":  "acct_1",
		"Content-Type":    "application/x-www-form-urlencoded",
	}
	for k, want := range headers {
		if v := got.Header.Get(k); v != want {
			t.Errorf("header %s = %q, want %q", k, v, want)
		}
	}
	fields := map[string]string{
		"amount":                    "4500",
		"currency":                  "gbp",
		"payment_method":            "pm_1",
		"customer":                  "cus_1",
		"confirm":                   "true",
		"off_session":               "true",
		"metadata[payment_id]":      "pay_123",
		"metadata[organization_id]": "org_1",
	}
	for k, want := range fields {
		if v := form.Get(k); v != want {
			t.Errorf("form %s = %q, want %q", k, v, want)
		}
	}
}

func TestStripeCharge_Responses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus ChargeStatus
		wantCode   string
		wantHard   bool
		wantAPI    int
	}{
		{"processing", 200, `{"id":"pi_2","status":"processing"}`, ChargePending, "", false, 0},
		{"insufficient funds", 402,
			`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds.","payment_intent":{"id":"pi_3","status":"requires_payment_method"}}}`,
			"", "insufficient_funds", false, 0},
		{"stolen card", 402,
			`{"error":{"type":"card_error","code":"card_declined","decline_code":"stolen_card"}}`,
			"", "stolen_card", true, 0},
		{"code without decline code", 402,
			`{"error":{"type":"card_error","code":"expired_card"}}`,
			"", "expired_card", false, 0},
		{"requires action", 200, `{"id":"pi_4","status":"requires_action"}`, "", "authentication_required", false, 0},
		{"canceled", 200, `{"id":"pi_5","status":"canceled"}`, "", "canceled", true, 0},
		{"rate limited", 429, `{"error":{"type":"invalid_request_error","code":"rate_limit"}}`, "", "", false, 429},
		{"bad key", 401, `{"error":{"type":"invalid_request_error","message":"Invalid API Key"}}`, "", "", false, 401},
		{"server error", 500, `oops`, "", "", false, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newStripeTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			res, err := c.Charge(context.Background(), stripeRequest())

			switch {
			case tt.wantStatus != "":
				if err != nil || res.Status != tt.wantStatus {
					t.Fatalf("Charge() = %+v, %v", res, err)
				}
			case tt.wantCode != "":
				de, ok := AsDecline(err)
				if !ok {
					t.Fatalf("Charge() error = %v, want decline", err)
				}
				if de.Code != tt.wantCode || de.Hard != tt.wantHard {
					t.Errorf("decline = %+v", de)
				}
			default:
				var ae *APIError
				if !errors.As(err, &ae) || ae.StatusCode != tt.wantAPI {
					t.Fatalf("Charge() error = %v, want APIError %d", err, tt.wantAPI)
				}
			}
		})
	}
}

func TestStripeCharge_DeclineKeepsIntentRef(t *testing.T) {
	c := newStripeTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"decline_code":"do_not_honor","payment_intent":{"id":"pi_9"}}}`))
	})
	_, err := c.Charge(context.Background(), stripeRequest())
	de, ok := AsDecline(err)
	if !ok || de.ProviderPaymentRef != "pi_9" {
		t.Errorf("decline = %+v", de)
	}
}

func TestStripeCharge_InvalidRequest(t *testing.T) {
	c := newStripeTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("request should not be sent")
	})

	tests := []struct {
		name   string
		modify func(*ChargeRequest)
	}{
		{"no payment id", func(r *ChargeRequest) { r.PaymentID = "" }},
		{"zero amount", func(r *ChargeRequest) { r.AmountMinor = 0 }},
		{"bad currency", func(r *ChargeRequest) { r.Currency = "POUNDS" }},
		{"no method", func(r *ChargeRequest) { r.MethodRef = "" }},
		{"no key", func(r *ChargeRequest) { r.IdempotencyKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := stripeRequest()
			tt.modify(&req)
			_, err := c.Charge(context.Background(), req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Charge() error = %v, want ErrInvalidRequest", err)
			}
			if IsRetryable(err) {
				t.Error("invalid request reported retryable")
			}
		})
	}
}

func TestStripeCharge_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewStripeClient(&config.StripeConfig{APIBaseURL: srv.URL, SecretKey: "sk"})
	_, err := c.Charge(context.Background(), stripeRequest())
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !IsRetryable(err) {
		t.Errorf("transport error %v not retryable", err)
	}
}

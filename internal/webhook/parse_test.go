// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"errors"
	"testing"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

func TestParseStripeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		wantOutcome Outcome
		wantRef     string
		wantCode    string
	}{
		{
			name:        "intent succeeded",
			body:        `{"id":"evt_1","type":"payment_intent.succeeded","created":1772366400,"data":{"object":{"id":"pi_1","status":"succeeded","metadata":{"payment_id":"pay-1","organization_id":"org-1"}}}}`,
			wantOutcome: OutcomeSucceeded,
			wantRef:     "pi_1",
		},
		{
			name:        "intent failed uses decline code",
			body:        `{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","last_payment_error":{"code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}}}`,
			wantOutcome: OutcomeFailed,
			wantRef:     "pi_2",
			wantCode:    "insufficient_funds",
		},
		{
			name:        "charge failed refers to intent",
			body:        `{"id":"evt_3","type":"charge.failed","data":{"object":{"id":"ch_3","payment_intent":"pi_3","failure_code":"card_declined","outcome":{"reason":"stolen_card"}}}}`,
			wantOutcome: OutcomeFailed,
			wantRef:     "pi_3",
			wantCode:    "stolen_card",
		},
		{
			name:        "intent canceled",
			body:        `{"id":"evt_4","type":"payment_intent.canceled","data":{"object":{"id":"pi_4"}}}`,
			wantOutcome: OutcomeFailed,
			wantRef:     "pi_4",
			wantCode:    "canceled",
		},
		{
			name:        "failed without code",
			body:        `{"id":"evt_5","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_5"}}}`,
			wantOutcome: OutcomeFailed,
			wantRef:     "pi_5",
			wantCode:    "card_declined",
		},
		{
			name:        "unrelated type",
			body:        `{"id":"evt_6","type":"customer.created","data":{"object":{"id":"cus_6"}}}`,
			wantOutcome: OutcomeIgnored,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseStripeEvent([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseStripeEvent: %v", err)
			}
			if e.Provider != models.ProviderStripe {
				t.Errorf("provider = %s", e.Provider)
			}
			if e.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", e.Outcome, tt.wantOutcome)
			}
			if e.ProviderPaymentRef != tt.wantRef {
				t.Errorf("ref = %q, want %q", e.ProviderPaymentRef, tt.wantRef)
			}
			if e.FailureCode != tt.wantCode {
				t.Errorf("failure code = %q, want %q", e.FailureCode, tt.wantCode)
			}
			if len(e.Raw) == 0 {
				t.Error("raw payload not kept")
			}
		})
	}
}

func TestParseStripeEvent_Fields(t *testing.T) {
	t.Parallel()

	body := `{"id":"evt_1","type":"payment_intent.succeeded","created":1772366400,"livemode":true,"account":"acct_9","data":{"object":{"id":"pi_1","metadata":{"payment_id":"pay-1","organization_id":"org-1"}}}}`
	e, err := ParseStripeEvent([]byte(body))
	if err != nil {
		t.Fatalf("ParseStripeEvent: %v", err)
	}
	if e.PaymentID != "pay-1" || e.OrganizationID != "org-1" || e.Account != "acct_9" || !e.Livemode {
		t.Errorf("event = %+v", e)
	}
	if !e.CreatedAt.Equal(time.Unix(1772366400, 0)) {
		t.Errorf("created = %s", e.CreatedAt)
	}
	if e.IdempotencyKey() != "webhook:stripe:evt_1" {
		t.Errorf("key = %s", e.IdempotencyKey())
	}
}

func TestParseStripeEvent_Malformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`not json`, `{"type":"charge.failed"}`, `{"id":"evt_1"}`} {
		if _, err := ParseStripeEvent([]byte(body)); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("ParseStripeEvent(%s) err = %v, want ErrMalformedPayload", body, err)
		}
	}
}

func TestParseGoCardlessEvents(t *testing.T) {
	t.Parallel()

	body := `{"events":[
		{"id":"EV1","created_at":"2026-03-01T12:00:00.000Z","resource_type":"payments","action":"confirmed","links":{"payment":"PM1","organisation":"OR1"}},
		{"id":"EV2","created_at":"2026-03-01T12:00:00.000Z","resource_type":"payments","action":"failed","links":{"payment":"PM2"},"details":{"cause":"insufficient_funds","description":"The customer had insufficient funds."},"metadata":{"payment_id":"pay-2"}},
		{"id":"EV3","created_at":"2026-03-01T12:00:00.000Z","resource_type":"payments","action":"charged_back","links":{"payment":"PM3"}},
		{"id":"EV4","created_at":"2026-03-01T12:00:00.000Z","resource_type":"mandates","action":"cancelled","links":{"mandate":"MD4"}},
		{"id":"EV5","created_at":"2026-03-01T12:00:00.000Z","resource_type":"payments","action":"submitted","links":{"payment":"PM5"}}
	]}`

	evts, err := ParseGoCardlessEvents([]byte(body))
	if err != nil {
		t.Fatalf("ParseGoCardlessEvents: %v", err)
	}
	if len(evts) != 5 {
		t.Fatalf("got %d events, want 5", len(evts))
	}

	want := []struct {
		outcome Outcome
		ref     string
		code    string
	}{
		{OutcomeSucceeded, "PM1", ""},
		{OutcomeFailed, "PM2", "insufficient_funds"},
		{OutcomeFailed, "PM3", "charged_back"},
		{OutcomeIgnored, "", ""},
		{OutcomeIgnored, "PM5", ""},
	}
	for i, w := range want {
		e := evts[i]
		if e.Outcome != w.outcome || e.ProviderPaymentRef != w.ref || e.FailureCode != w.code {
			t.Errorf("events[%d] = {%s %q %q}, want {%s %q %q}", i, e.Outcome, e.ProviderPaymentRef, e.FailureCode, w.outcome, w.ref, w.code)
		}
	}

	if evts[0].Account != "OR1" || evts[0].Type != "payments.confirmed" {
		t.Errorf("events[0] = %+v", evts[0])
	}
	if evts[1].PaymentID != "pay-2" || evts[1].FailureMessage == "" {
		t.Errorf("events[1] = %+v", evts[1])
	}
	if string(evts[3].Raw) == string(evts[4].Raw) {
		t.Error("each event should keep its own raw JSON")
	}
}

func TestParseGoCardlessEvents_Malformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`[]`, `{"events":[{"id":"EV1"}]}`, `{"events":[{"id":"EV1","resource_type":"payments","action":1}]}`} {
		if _, err := ParseGoCardlessEvents([]byte(body)); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("ParseGoCardlessEvents(%s) err = %v, want ErrMalformedPayload", body, err)
		}
	}
}

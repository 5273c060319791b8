// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

const testSecret = "whsec_test_secret"

func stripeHeader(value string) http.Header {
	h := http.Header{}
	if value != "" {
		h.Set(StripeSignatureHeader, value)
	}
	return h
}

func TestStripeVerifier(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	valid := StripeSignature(testSecret, now, body)
	other := StripeSignature("whsec_other", now, body)
	_, validHex, _ := strings.Cut(valid, ",v1=")

	tests := []struct {
		name   string
		header string
		body   []byte
		want   error
	}{
		{"valid", valid, body, nil},
		{"missing header", "", body, ErrMissingSignature},
		{"no timestamp", "v1=abcd", body, ErrMalformedSignature},
		{"bad timestamp", "t=notanumber,v1=abcd", body, ErrMalformedSignature},
		{"no v1", fmt.Sprintf("t=%d,v0=abcd", now.Unix()), body, ErrMalformedSignature},
		{"wrong secret", other, body, ErrSignatureMismatch},
		{"tampered body", valid, []byte(`{"id":"evt_2"}`), ErrSignatureMismatch},
		{"second v1 matches", other + ",v1=" + validHex, body, nil},
		{"old timestamp", StripeSignature(testSecret, now.Add(-6*time.Minute), body), body, ErrTimestampOutOfRange},
		{"future timestamp", StripeSignature(testSecret, now.Add(6*time.Minute), body), body, ErrTimestampOutOfRange},
		{"within tolerance", StripeSignature(testSecret, now.Add(-4*time.Minute), body), body, nil},
	}

	v := NewStripeVerifier(testSecret, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(stripeHeader(tt.header), tt.body, now)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Verify: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Verify err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStripeVerifier_MissingSecret(t *testing.T) {
	t.Parallel()

	v := NewStripeVerifier("", time.Minute)
	err := v.Verify(stripeHeader("t=1,v1=00"), nil, time.Now())
	if !errors.Is(err, ErrMissingSecret) {
		t.Errorf("err = %v, want ErrMissingSecret", err)
	}
}

func TestGoCardlessVerifier(t *testing.T) {
	t.Parallel()

	body := []byte(`{"events":[]}`)
	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"valid", GoCardlessSignature(testSecret, body), nil},
		{"missing", "", ErrMissingSignature},
		{"not hex", "zz-not-hex", ErrMalformedSignature},
		{"wrong secret", GoCardlessSignature("other", body), ErrSignatureMismatch},
	}

	v := NewGoCardlessVerifier(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set(GoCardlessSignatureHeader, tt.header)
			}
			err := v.Verify(h, body, time.Now())
			if tt.want == nil && err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Verify err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRejectReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{ErrMissingSignature, "missing_signature"},
		{ErrSignatureMismatch, "bad_signature"},
		{fmt.Errorf("%w: skew 10m0s", ErrTimestampOutOfRange), "stale_timestamp"},
		{ErrBodyTooLarge, "body_too_large"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := rejectReason(tt.err); got != tt.want {
			t.Errorf("rejectReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

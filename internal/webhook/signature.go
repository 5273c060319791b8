// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signature headers.
const (
	StripeSignatureHeader     = "Stripe-Signature"
	GoCardlessSignatureHeader = "Webhook-Signature"
)

// DefaultTolerance is the accepted clock skew for Stripe signature timestamps.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature    = errors.New("webhook signature header missing")
	ErrMalformedSignature  = errors.New("webhook signature header malformed")
	ErrSignatureMismatch   = errors.New("webhook signature does not match")
	ErrTimestampOutOfRange = errors.New("webhook timestamp outside tolerance")
	ErrMissingSecret       = errors.New("webhook secret not configured")
)

// Verifier authenticates a raw webhook delivery.
type Verifier interface {
	Verify(header http.Header, body []byte, now time.Time) error
}

// StripeVerifier checks Stripe-Signature headers of the form
// t=<unix>,v1=<hex>[,v1=<hex>...]. During secret rotation Stripe sends one
// v1 per active secret, so any match is accepted.
type StripeVerifier struct {
	secret    []byte
	tolerance time.Duration
}

// NewStripeVerifier returns a verifier for the endpoint secret. A zero
// tolerance uses DefaultTolerance.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{secret: []byte(secret), tolerance: tolerance}
}

// Verify implements Verifier.
func (v *StripeVerifier) Verify(header http.Header, body []byte, now time.Time) error {
	if len(v.secret) == 0 {
		return ErrMissingSecret
	}
	raw := header.Get(StripeSignatureHeader)
	if raw == "" {
		return ErrMissingSignature
	}

	ts, sigs, err := parseStripeHeader(raw)
	if err != nil {
		return err
	}

	expected := stripeMAC(v.secret, ts, body)
	matched := false
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrSignatureMismatch
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("%w: skew %s", ErrTimestampOutOfRange, skew.Truncate(time.Second))
	}
	return nil
}

func parseStripeHeader(raw string) (int64, [][]byte, error) {
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrMalformedSignature)
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if !hasTS {
		return 0, nil, fmt.Errorf("%w: no timestamp", ErrMalformedSignature)
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: no v1 signature", ErrMalformedSignature)
	}
	return ts, sigs, nil
}

func stripeMAC(secret []byte, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// StripeSignature builds a Stripe-Signature header value for body signed at t.
func StripeSignature(secret string, t time.Time, body []byte) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(stripeMAC([]byte(secret), ts, body)))
}

// GoCardlessVerifier checks the Webhook-Signature header, a hex HMAC-SHA256
// of the raw body. GoCardless does not sign a timestamp, so replay
// protection relies on ReplayGuard alone.
type GoCardlessVerifier struct {
	secret []byte
}

// NewGoCardlessVerifier returns a verifier for the endpoint secret.
func NewGoCardlessVerifier(secret string) *GoCardlessVerifier {
	return &GoCardlessVerifier{secret: []byte(secret)}
}

// Verify implements Verifier.
func (v *GoCardlessVerifier) Verify(header http.Header, body []byte, _ time.Time) error {
	if len(v.secret) == 0 {
		return ErrMissingSecret
	}
	raw := strings.TrimSpace(header.Get(GoCardlessSignatureHeader))
	if raw == "" {
		return ErrMissingSignature
	}
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return ErrMalformedSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// GoCardlessSignature builds a Webhook-Signature header value for body.
func GoCardlessSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// rejectReason maps a verification error to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, ErrSignatureMismatch):
		return "bad_signature"
	case errors.Is(err, ErrTimestampOutOfRange):
		return "stale_timestamp"
	case errors.Is(err, ErrMissingSecret):
		return "not_configured"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrBodyTooLarge):
		return "body_too_large"
	default:
		return "other"
	}
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package webhook authenticates and normalises payment provider webhooks.
//
// A delivery passes through signature verification, payload parsing, replay
// detection and a per-organization rate limit before each event is handed to
// the durable queue as a webhook.apply job. Applying the event to payment
// state happens later in the payments package, so a slow database never
// holds a provider connection open.
package webhook

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

// ErrMalformedPayload is returned when a verified body cannot be parsed.
var ErrMalformedPayload = errors.New("webhook payload malformed")

// Outcome is what an event means for the payment it refers to.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeIgnored   Outcome = "ignored"
)

// Event is a provider event normalised for the payment state machine.
type Event struct {
	Provider models.Provider `json:"provider"`
	ID       string          `json:"id"`
	Type     string          `json:"type"`

	// Account is the provider-side tenant: the Stripe Connect account or
	// the GoCardless organisation. Used to resolve OrganizationID when the
	// payload carries no metadata.
	Account string `json:"account,omitempty"`

	OrganizationID     string    `json:"organization_id,omitempty"`
	PaymentID          string    `json:"payment_id,omitempty"`
	ProviderPaymentRef string    `json:"provider_payment_ref,omitempty"`
	Outcome            Outcome   `json:"outcome"`
	FailureCode        string    `json:"failure_code,omitempty"`
	FailureMessage     string    `json:"failure_message,omitempty"`
	Livemode           bool      `json:"livemode,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// PaymentRef returns whichever payment reference the event carries, for
// audit rows.
func (e *Event) PaymentRef() string {
	if e.ProviderPaymentRef != "" {
		return e.ProviderPaymentRef
	}
	return e.PaymentID
}

// IdempotencyKey is the queue key for applying this event.
func (e *Event) IdempotencyKey() string {
	return "webhook:" + string(e.Provider) + ":" + e.ID
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

type stripeEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Account  string `json:"account"`
	Data     struct {
		Object stripeObject `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Status           string            `json:"status"`
	PaymentIntent    string            `json:"payment_intent"`
	Metadata         map[string]string `json:"metadata"`
	FailureCode      string            `json:"failure_code"`
	FailureMessage   string            `json:"failure_message"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
	Outcome *struct {
		Reason string `json:"reason"`
	} `json:"outcome"`
}

// ParseStripeEvent normalises a Stripe event body. Payment intents and
// charges are understood; every other type is returned with OutcomeIgnored.
func ParseStripeEvent(body []byte) (*Event, error) {
	var se stripeEvent
	if err := json.Unmarshal(body, &se); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if se.ID == "" || se.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrMalformedPayload)
	}

	obj := se.Data.Object
	e := &Event{
		Provider:       models.ProviderStripe,
		ID:             se.ID,
		Type:           se.Type,
		Account:        se.Account,
		OrganizationID: obj.Metadata["organization_id"],
		PaymentID:      obj.Metadata["payment_id"],
		Outcome:        OutcomeIgnored,
		Livemode:       se.Livemode,
		Raw:            append([]byte(nil), body...),
	}
	if se.Created > 0 {
		e.CreatedAt = time.Unix(se.Created, 0).UTC()
	}

	switch {
	case strings.HasPrefix(se.Type, "payment_intent."):
		e.ProviderPaymentRef = obj.ID
	case strings.HasPrefix(se.Type, "charge."):
		e.ProviderPaymentRef = obj.PaymentIntent
	}

	switch se.Type {
	case "payment_intent.succeeded", "charge.succeeded":
		e.Outcome = OutcomeSucceeded
	case "payment_intent.payment_failed":
		e.Outcome = OutcomeFailed
		if lpe := obj.LastPaymentError; lpe != nil {
			e.FailureCode = firstNonEmpty(lpe.DeclineCode, lpe.Code)
			e.FailureMessage = lpe.Message
		}
	case "charge.failed":
		e.Outcome = OutcomeFailed
		reason := ""
		if obj.Outcome != nil {
			reason = obj.Outcome.Reason
		}
		e.FailureCode = firstNonEmpty(reason, obj.FailureCode)
		e.FailureMessage = obj.FailureMessage
	case "payment_intent.canceled":
		e.Outcome = OutcomeFailed
		e.FailureCode = "canceled"
	}

	if e.Outcome == OutcomeFailed && e.FailureCode == "" {
		e.FailureCode = "card_declined"
	}
	return e, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

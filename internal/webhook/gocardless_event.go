// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

type goCardlessEnvelope struct {
	Events []json.RawMessage `json:"events"`
}

type goCardlessEvent struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	ResourceType string    `json:"resource_type"`
	Action       string    `json:"action"`
	Links        struct {
		Payment      string `json:"payment"`
		Mandate      string `json:"mandate"`
		Organisation string `json:"organisation"`
	} `json:"links"`
	Details struct {
		Origin      string `json:"origin"`
		Cause       string `json:"cause"`
		Description string `json:"description"`
		ReasonCode  string `json:"reason_code"`
	} `json:"details"`
	Metadata map[string]string `json:"metadata"`
}

// ParseGoCardlessEvents normalises a GoCardless webhook body, which batches
// one or more events. Only payment resources map to outcomes.
func ParseGoCardlessEvents(body []byte) ([]*Event, error) {
	var env goCardlessEnvelope
	if err := gojson.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	out := make([]*Event, 0, len(env.Events))
	for i, raw := range env.Events {
		var ge goCardlessEvent
		if err := gojson.Unmarshal(raw, &ge); err != nil {
			return nil, fmt.Errorf("%w: events[%d]: %v", ErrMalformedPayload, i, err)
		}
		if ge.ID == "" || ge.ResourceType == "" || ge.Action == "" {
			return nil, fmt.Errorf("%w: events[%d] needs id, resource_type and action", ErrMalformedPayload, i)
		}

		e := &Event{
			Provider:       models.ProviderGoCardless,
			ID:             ge.ID,
			Type:           ge.ResourceType + "." + ge.Action,
			Account:        ge.Links.Organisation,
			OrganizationID: ge.Metadata["organization_id"],
			PaymentID:      ge.Metadata["payment_id"],
			Outcome:        OutcomeIgnored,
			CreatedAt:      ge.CreatedAt,
			Raw:            append(json.RawMessage(nil), raw...),
		}

		if ge.ResourceType == "payments" {
			e.ProviderPaymentRef = ge.Links.Payment
			switch ge.Action {
			case "confirmed", "paid_out":
				e.Outcome = OutcomeSucceeded
			case "failed", "cancelled", "charged_back":
				e.Outcome = OutcomeFailed
				e.FailureCode = firstNonEmpty(ge.Details.Cause, ge.Action)
				e.FailureMessage = ge.Details.Description
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package models

import (
	"encoding/json"
	"time"
)

// WebhookEventStatus tracks what the apply handler did with a delivery.
type WebhookEventStatus string

const (
	WebhookReceived  WebhookEventStatus = "received"
	WebhookApplied   WebhookEventStatus = "applied"
	WebhookIgnored   WebhookEventStatus = "ignored"
	WebhookUnmatched WebhookEventStatus = "unmatched" // no payment found for the reference
	WebhookStale     WebhookEventStatus = "stale"     // payment already terminal
)

// WebhookEvent is the audit row for every accepted provider event.
type WebhookEvent struct {
	ID             string             `json:"id"`
	Provider       Provider           `json:"provider"`
	EventID        string             `json:"event_id"`
	EventType      string             `json:"event_type"`
	OrganizationID string             `json:"organization_id,omitempty"`
	PaymentRef     string             `json:"payment_ref,omitempty"`
	ReceivedAt     time.Time          `json:"received_at"`
	Status         WebhookEventStatus `json:"status"`
	Payload        json.RawMessage    `json:"payload,omitempty"`
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package models

import "time"

// Organization is a tenant. Inactive organizations keep their data but are
// skipped by the payment processor.
type Organization struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Slug                 string    `json:"slug"`
	StripeAccountID      string    `json:"stripe_account_id,omitempty"`      // Connect account charges are made on behalf of
	GoCardlessCreditorID string    `json:"gocardless_creditor_id,omitempty"` // matched against links.organisation in webhooks
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at"`
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package models defines the billing domain types shared by storage, the job
// handlers and the HTTP API.
//
// Organizations are tenants (one per gym). Every Payment belongs to exactly one
// organization and moves through the status machine described on
// PaymentStatus. Amounts are always integer minor units (pence, cents) with a
// lower-case ISO 4217 currency code, matching what Stripe and GoCardless expect.
package models

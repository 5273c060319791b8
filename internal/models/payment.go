// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package models

import "time"

// PaymentStatus is the lifecycle state of a Payment.
//
//	pending ──► processing ──► succeeded
//	               │  ▲
//	               │  └─────── retry_scheduled
//	               ├──► retry_scheduled
//	               └──► failed
//
// Any non-terminal state may also move to cancelled. processing may return to
// its previous state when a charge attempt never reached the provider.
type PaymentStatus string

const (
	PaymentPending        PaymentStatus = "pending"
	PaymentProcessing     PaymentStatus = "processing"
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentRetryScheduled PaymentStatus = "retry_scheduled"
	PaymentFailed         PaymentStatus = "failed"
	PaymentCancelled      PaymentStatus = "cancelled"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:        {PaymentProcessing, PaymentCancelled},
	PaymentProcessing:     {PaymentSucceeded, PaymentRetryScheduled, PaymentFailed, PaymentCancelled, PaymentPending},
	PaymentRetryScheduled: {PaymentProcessing, PaymentCancelled},
}

// Terminal reports whether no further transition is possible.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentCancelled
}

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentProcessing, PaymentSucceeded,
		PaymentRetryScheduled, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Payment is one amount owed by a member of an organization, charged through
// a single provider. Attempts counts charge attempts that reached the
// provider; transport failures do not consume one.
type Payment struct {
	ID                  string        `json:"id"`
	OrganizationID      string        `json:"organization_id"`
	CustomerID          string        `json:"customer_id"`
	Provider            Provider      `json:"provider"`
	AmountMinor         int64         `json:"amount_minor"`
	Currency            string        `json:"currency"`
	Description         string        `json:"description,omitempty"`
	ProviderCustomerRef string        `json:"provider_customer_ref,omitempty"` // Stripe customer ID
	ProviderMethodRef   string        `json:"provider_method_ref,omitempty"`   // Stripe payment method or GoCardless mandate
	ProviderPaymentRef  string        `json:"provider_payment_ref,omitempty"`  // payment intent / GoCardless payment ID
	Status              PaymentStatus `json:"status"`
	Attempts            int           `json:"attempts"`
	NextAttemptAt       *time.Time    `json:"next_attempt_at,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	LastDeclineCode     string        `json:"last_decline_code,omitempty"`
	DueAt               time.Time     `json:"due_at"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Due reports whether the payment should be charged at now.
func (p *Payment) Due(now time.Time) bool {
	switch p.Status {
	case PaymentPending:
		return !p.DueAt.After(now)
	case PaymentRetryScheduled:
		return p.NextAttemptAt != nil && !p.NextAttemptAt.After(now)
	default:
		return false
	}
}

// AttemptOutcome is the result of one charge attempt.
type AttemptOutcome string

const (
	AttemptSucceeded   AttemptOutcome = "succeeded"
	AttemptPending     AttemptOutcome = "pending_confirmation"
	AttemptSoftDecline AttemptOutcome = "soft_decline"
	AttemptHardDecline AttemptOutcome = "hard_decline"
)

// PaymentAttempt records one charge call that reached the provider.
type PaymentAttempt struct {
	ID                 string         `json:"id"`
	PaymentID          string         `json:"payment_id"`
	OrganizationID     string         `json:"organization_id"`
	Number             int            `json:"number"`
	Outcome            AttemptOutcome `json:"outcome"`
	ErrorCode          string         `json:"error_code,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	ProviderPaymentRef string         `json:"provider_payment_ref,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	FinishedAt         time.Time      `json:"finished_at"`
}

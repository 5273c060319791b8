// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package provider talks to payment providers.
//
// A Charger creates one payment at the provider. Results fall into three
// groups the caller must handle differently:
//
//   - a *ChargeResult: the provider accepted the charge, either settled
//     (ChargeSucceeded) or awaiting asynchronous confirmation (ChargePending)
//   - a *DeclineError: the provider refused the charge; Hard says whether a
//     retry can ever succeed
//   - anything else: the charge may not have reached the provider; retry with
//     the same idempotency key (see IsRetryable)
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

// Charger charges a stored payment method off-session.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Name() models.Provider
}

// ChargeRequest is a provider-neutral charge.
type ChargeRequest struct {
	PaymentID      string
	OrganizationID string
	AmountMinor    int64
	Currency       string
	CustomerRef    string // Stripe customer; unused by GoCardless
	MethodRef      string // Stripe payment method or GoCardless mandate
	Description    string

	// IdempotencyKey is forwarded to the provider so a retried request can
	// never create a second charge.
	IdempotencyKey string

	// ConnectedAccount is the Stripe Connect account of the organization.
	ConnectedAccount string
}

// ChargeStatus is the provider's verdict on an accepted charge.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargePending   ChargeStatus = "pending_confirmation"
)

// ChargeResult describes an accepted charge.
type ChargeResult struct {
	Status             ChargeStatus
	ProviderPaymentRef string
	RawStatus          string
}

var (
	// ErrCircuitOpen is returned while a provider's breaker is open. It is
	// retryable: the charge never left the process.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrUnsupportedProvider means no Charger is registered for the provider.
	ErrUnsupportedProvider = errors.New("unsupported payment provider")

	// ErrInvalidRequest rejects requests missing fields the provider needs.
	ErrInvalidRequest = errors.New("invalid charge request")
)

// APIError is a non-decline error response from a provider.
type APIError struct {
	Provider   models.Provider
	StatusCode int
	Type       string
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s API error: status %d", e.Provider, e.StatusCode)
	if e.Code != "" {
		msg += " code " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Retryable reports whether repeating the request may succeed: rate limits,
// concurrent use of an idempotency key, and provider-side failures.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 409 || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRetryable reports whether a Charge error should be retried with the same
// idempotency key. Declines and client errors are not retryable; transport
// errors and open circuits are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *DeclineError
	if errors.As(err, &de) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return !errors.Is(err, ErrInvalidRequest) && !errors.Is(err, ErrUnsupportedProvider)
}

func validateRequest(req *ChargeRequest) error {
	switch {
	case req.PaymentID == "":
		return fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	case req.AmountMinor <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case len(req.Currency) != 3:
		return fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidRequest)
	case req.MethodRef == "":
		return fmt.Errorf("%w: payment method is required", ErrInvalidRequest)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	return nil
}

const maxResponseBytes = 1 << 20

func readBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxResponseBytes))
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package provider

import (
	"errors"
	"fmt"
)

// DeclineError is a charge the provider refused.
type DeclineError struct {
	Code    string
	Message string

	// Hard declines will never succeed on retry (stolen card, cancelled
	// mandate). Soft declines (insufficient funds) might.
	Hard bool

	// ProviderPaymentRef is set when the provider created a failed payment
	// object for the attempt.
	ProviderPaymentRef string
}

func (e *DeclineError) Error() string {
	kind := "soft"
	if e.Hard {
		kind = "hard"
	}
	if e.Message == "" {
		return fmt.Sprintf("charge declined (%s): %s", kind, e.Code)
	}
	return fmt.Sprintf("charge declined (%s): %s: %s", kind, e.Code, e.Message)
}

var hardDeclineCodes = map[string]struct{}{
	"stolen_card":          {},
	"lost_card":            {},
	"pickup_card":          {},
	"fraudulent":           {},
	"restricted_card":      {},
	"invalid_account":      {},
	"card_not_supported":   {},
	"mandate_cancelled":    {},
	"mandate_expired":      {},
	"invalid_bank_details": {},
	"bank_account_closed":  {},
}

// IsHardDecline reports whether a provider decline code rules out retrying.
func IsHardDecline(code string) bool {
	_, ok := hardDeclineCodes[code]
	return ok
}

// NewDecline builds a DeclineError classified by IsHardDecline.
func NewDecline(code, message string) *DeclineError {
	return &DeclineError{Code: code, Message: message, Hard: IsHardDecline(code)}
}

// AsDecline unwraps a *DeclineError from err.
func AsDecline(err error) (*DeclineError, bool) {
	var de *DeclineError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package models

import "fmt"

// Provider identifies a payment provider.
type Provider string

const (
	ProviderStripe     Provider = "stripe"
	ProviderGoCardless Provider = "gocardless"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderStripe || p == ProviderGoCardless
}

// ParseProvider converts a path segment or column value into a Provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown payment provider %q", s)
	}
	return p, nil
}

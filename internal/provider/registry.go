// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package provider

import (
	"fmt"
	"sync"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

// Registry maps providers to their Charger.
type Registry struct {
	mu       sync.RWMutex
	chargers map[models.Provider]Charger
}

// NewRegistry creates a registry holding chargers.
func NewRegistry(chargers ...Charger) *Registry {
	r := &Registry{chargers: make(map[models.Provider]Charger)}
	for _, c := range chargers {
		r.Register(c)
	}
	return r
}

// NewRegistryFromConfig registers a breaker-wrapped client for every enabled
// provider.
func NewRegistryFromConfig(cfg *config.Config) *Registry {
	r := NewRegistry()
	bc := DefaultBreakerConfig()
	if cfg.Stripe.Enabled {
		r.Register(NewBreaker(NewStripeClient(&cfg.Stripe), bc))
	}
	if cfg.GoCardless.Enabled {
		r.Register(NewBreaker(NewGoCardlessClient(&cfg.GoCardless), bc))
	}
	return r
}

// Register adds or replaces the charger for c.Name().
func (r *Registry) Register(c Charger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chargers[c.Name()] = c
}

// Get returns the charger for p.
func (r *Registry) Get(p models.Provider) (Charger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chargers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
	}
	return c, nil
}

// Providers lists the registered providers.
func (r *Registry) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Provider, 0, len(r.chargers))
	for p := range r.chargers {
		out = append(out, p)
	}
	return out
}

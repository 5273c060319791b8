// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"context"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/cache"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

// CachedResolver memoises organization lookups by provider account. Only
// successful lookups are cached, so a newly connected account resolves on
// its next delivery.
type CachedResolver struct {
	next  OrgResolver
	cache *cache.LRU[*models.Organization]
}

var _ OrgResolver = (*CachedResolver)(nil)

// NewCachedResolver wraps next. Non-positive size or ttl take the cache
// defaults.
func NewCachedResolver(next OrgResolver, size int, ttl time.Duration) *CachedResolver {
	return &CachedResolver{next: next, cache: cache.NewLRU[*models.Organization](size, ttl)}
}

// FindOrganizationByProviderAccount implements OrgResolver.
func (r *CachedResolver) FindOrganizationByProviderAccount(ctx context.Context, provider models.Provider, account string) (*models.Organization, error) {
	key := string(provider) + ":" + account
	if org, ok := r.cache.Get(key); ok {
		metrics.RecordOrgCacheLookup(true)
		return org, nil
	}
	metrics.RecordOrgCacheLookup(false)

	org, err := r.next.FindOrganizationByProviderAccount(ctx, provider, account)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, org)
	return org, nil
}

// Invalidate drops a cached account, for when an organization disconnects
// a provider.
func (r *CachedResolver) Invalidate(provider models.Provider, account string) {
	r.cache.Remove(string(provider) + ":" + account)
}

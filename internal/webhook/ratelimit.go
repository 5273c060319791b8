// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UnresolvedTenant is the shared bucket for events whose organization could
// not be determined.
const UnresolvedTenant = "_unresolved"

// TenantLimiter keeps one token bucket per organization so a single noisy
// tenant cannot starve the queue. Buckets unused for the idle period are
// dropped on the next call.
type TenantLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*tenantBucket
	rate      rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantLimiter allows perSecond events per organization with the given
// burst.
func NewTenantLimiter(perSecond float64, burst int, idle time.Duration) *TenantLimiter {
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &TenantLimiter{
		buckets: make(map[string]*tenantBucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
}

// Allow takes one token for orgID. When the bucket is empty it returns false
// and how long until a token is available.
func (l *TenantLimiter) Allow(orgID string) (bool, time.Duration) {
	if orgID == "" {
		orgID = UnresolvedTenant
	}
	now := l.now()

	l.mu.Lock()
	l.sweep(now)
	b, ok := l.buckets[orgID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[orgID] = b
	}
	b.lastSeen = now
	limiter := b.limiter
	l.mu.Unlock()

	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// sweep must be called with mu held.
func (l *TenantLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	l.lastSweep = now
	for org, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.buckets, org)
		}
	}
}

// Len returns the number of live buckets.
func (l *TenantLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

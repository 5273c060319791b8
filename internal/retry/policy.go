// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package retry computes exponential backoff schedules.
//
// The same Policy type drives two very different clocks: the payment retry
// schedule after a soft decline (days), and the queue's transient-error
// backoff (seconds to minutes).
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
)

// Policy is an exponential backoff schedule with an attempt budget.
type Policy struct {
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration

	// Multiplier scales the delay after each further attempt. Values below 1
	// are treated as 1 (constant delay).
	Multiplier float64

	// MaxDelay caps any single delay. Zero means uncapped.
	MaxDelay time.Duration

	// MaxAttempts is the total attempt budget, first attempt included.
	// Zero means unlimited.
	MaxAttempts int

	// Jitter spreads each delay uniformly by ±Jitter of its value (0.1 = ±10%).
	Jitter float64
}

// PaymentDefault retries a soft-declined charge on day 1, 3 and 7 after the
// first attempt, then gives up.
func PaymentDefault() Policy {
	return Policy{
		BaseDelay:   24 * time.Hour,
		Multiplier:  2,
		MaxDelay:    7 * 24 * time.Hour,
		MaxAttempts: 4,
	}
}

// QueueDefault is the backoff for jobs that failed on something transient.
func QueueDefault() Policy {
	return Policy{
		BaseDelay:  5 * time.Second,
		Multiplier: 2,
		MaxDelay:   5 * time.Minute,
		Jitter:     0.2,
	}
}

// FromConfig builds the payment retry policy.
func FromConfig(c *config.RetryConfig) Policy {
	return Policy{
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
		Jitter:      c.Jitter,
	}
}

// QueueFromConfig builds the job backoff policy. The attempt budget is the
// queue's own, so MaxAttempts stays unlimited here.
func QueueFromConfig(c *config.QueueConfig) Policy {
	p := QueueDefault()
	if c.RetryBaseDelay > 0 {
		p.BaseDelay = c.RetryBaseDelay
	}
	if c.RetryMaxDelay > 0 {
		p.MaxDelay = c.RetryMaxDelay
	}
	return p
}

// Validate reports an unusable policy.
func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return errors.New("retry: base delay must be positive")
	case p.MaxDelay != 0 && p.MaxDelay < p.BaseDelay:
		return errors.New("retry: max delay must not be below base delay")
	case p.MaxAttempts < 0:
		return errors.New("retry: max attempts must not be negative")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("retry: jitter must be between 0 and 1")
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based), without
// jitter: BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	limit := time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		limit = p.MaxDelay
	}

	// float64(MaxInt64) rounds up to 2^63, so compare before converting back.
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// Next returns when the attempt after the given failed attempt should run.
// rnd returns values in [0,1); nil uses math/rand/v2.
func (p Policy) Next(attempt int, now time.Time, rnd func() float64) time.Time {
	d := p.Delay(attempt)
	if p.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		f := float64(d) + float64(d)*p.Jitter*(2*rnd()-1)
		if f >= float64(math.MaxInt64) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		if d < 0 {
			d = 0
		}
	}
	return now.Add(d)
}

// Exhausted reports whether attempts has used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/events"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
)

// JobKindApply is the queue kind that applies an event to payment state.
const JobKindApply = "webhook.apply"

// DefaultMaxBodyBytes caps webhook bodies.
const DefaultMaxBodyBytes = 64 << 10

var (
	// ErrBodyTooLarge is returned for bodies over the configured cap.
	ErrBodyTooLarge = errors.New("webhook body too large")

	// ErrProviderNotConfigured is returned for a provider without a verifier.
	ErrProviderNotConfigured = errors.New("webhook provider not configured")
)

// RateLimitError is returned when an organization's bucket is empty.
type RateLimitError struct {
	OrganizationID string
	RetryAfter     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("webhook rate limit exceeded for organization %q, retry after %s", e.OrganizationID, e.RetryAfter)
}

// OrgResolver maps a provider account to an organization.
type OrgResolver interface {
	FindOrganizationByProviderAccount(ctx context.Context, provider models.Provider, account string) (*models.Organization, error)
}

// Enqueuer is the part of the queue the ingestor needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (jobID string, created bool, err error)
}

// IngestResult summarises one delivery.
type IngestResult struct {
	Provider   models.Provider `json:"provider"`
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
}

// Ingestor runs the verification pipeline and hands events to the queue.
type Ingestor struct {
	verifiers map[models.Provider]Verifier
	replay    *ReplayGuard
	limiter   *TenantLimiter
	resolver  OrgResolver
	queue     Enqueuer
	emitter   events.Emitter
	maxBody   int64
	now       func() time.Time
}

// NewIngestor wires the pipeline. resolver and emitter may be nil.
func NewIngestor(q Enqueuer, replay *ReplayGuard, limiter *TenantLimiter, resolver OrgResolver, emitter events.Emitter, maxBody int64) *Ingestor {
	if emitter == nil {
		emitter = events.Discard
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Ingestor{
		verifiers: make(map[models.Provider]Verifier),
		replay:    replay,
		limiter:   limiter,
		resolver:  resolver,
		queue:     q,
		emitter:   emitter,
		maxBody:   maxBody,
		now:       time.Now,
	}
}

// Register installs the verifier for a provider.
func (i *Ingestor) Register(provider models.Provider, v Verifier) {
	i.verifiers[provider] = v
}

// Enabled reports whether provider has a verifier.
func (i *Ingestor) Enabled(provider models.Provider) bool {
	_, ok := i.verifiers[provider]
	return ok
}

// MaxBodyBytes returns the body cap.
func (i *Ingestor) MaxBodyBytes() int64 {
	return i.maxBody
}

// ReadBody reads at most MaxBodyBytes from r.
func (i *Ingestor) ReadBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, i.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	if int64(len(body)) > i.maxBody {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// Ingest verifies, parses and enqueues one delivery. Events already seen are
// counted as duplicates and acknowledged. A *RateLimitError stops the
// delivery; events accepted before it remain accepted and are recognised as
// duplicates when the provider retries.
func (i *Ingestor) Ingest(ctx context.Context, provider models.Provider, header http.Header, body []byte) (*IngestResult, error) {
	p := string(provider)

	verifier, ok := i.verifiers[provider]
	if !ok {
		metrics.RecordWebhookRejected(p, "not_configured")
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	if int64(len(body)) > i.maxBody {
		metrics.RecordWebhookRejected(p, rejectReason(ErrBodyTooLarge))
		return nil, ErrBodyTooLarge
	}
	if err := verifier.Verify(header, body, i.now()); err != nil {
		metrics.RecordWebhookRejected(p, rejectReason(err))
		return nil, err
	}

	evts, err := parse(provider, body)
	if err != nil {
		metrics.RecordWebhookRejected(p, rejectReason(err))
		return nil, err
	}

	result := &IngestResult{Provider: provider}
	for _, e := range evts {
		i.resolveOrganization(ctx, e)

		accepted, err := i.accept(ctx, e)
		if err != nil {
			return result, err
		}
		if accepted {
			result.Accepted++
		} else {
			result.Duplicates++
		}
	}
	return result, nil
}

func parse(provider models.Provider, body []byte) ([]*Event, error) {
	switch provider {
	case models.ProviderStripe:
		e, err := ParseStripeEvent(body)
		if err != nil {
			return nil, err
		}
		return []*Event{e}, nil
	case models.ProviderGoCardless:
		return ParseGoCardlessEvents(body)
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
}

func (i *Ingestor) resolveOrganization(ctx context.Context, e *Event) {
	if e.OrganizationID != "" || e.Account == "" || i.resolver == nil {
		return
	}
	org, err := i.resolver.FindOrganizationByProviderAccount(ctx, e.Provider, e.Account)
	switch {
	case err == nil:
		e.OrganizationID = org.ID
	case errors.Is(err, database.ErrNotFound):
		logging.Ctx(ctx).Debug().
			Str("provider", string(e.Provider)).
			Str("account", logging.SanitizeLogValue(e.Account)).
			Msg("No organization for webhook account")
	default:
		logging.Ctx(ctx).Warn().Err(err).Str("provider", string(e.Provider)).Msg("Organization lookup failed")
	}
}

// accept returns false for a duplicate.
func (i *Ingestor) accept(ctx context.Context, e *Event) (bool, error) {
	p := string(e.Provider)

	seen, err := i.replay.Seen(e.Provider, e.ID)
	if err != nil {
		return false, err
	}
	if seen {
		metrics.RecordWebhookDuplicate(p)
		logging.Ctx(ctx).Debug().Str("provider", p).Str("event_id", logging.SanitizeLogValue(e.ID)).Msg("Duplicate webhook event")
		return false, nil
	}

	if i.limiter != nil {
		if ok, wait := i.limiter.Allow(e.OrganizationID); !ok {
			i.forget(ctx, e)
			metrics.RecordRateLimitHit("organization")
			metrics.RecordWebhookRejected(p, "rate_limited")
			return false, &RateLimitError{OrganizationID: e.OrganizationID, RetryAfter: wait}
		}
	}

	jobID, created, err := i.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:           JobKindApply,
		IdempotencyKey: e.IdempotencyKey(),
		OrganizationID: e.OrganizationID,
		Payload:        e,
	})
	if err != nil {
		i.forget(ctx, e)
		return false, fmt.Errorf("enqueue webhook %s/%s: %w", p, e.ID, err)
	}
	if !created {
		// Replay window expired but the queue still remembers the key.
		metrics.RecordWebhookDuplicate(p)
		return false, nil
	}

	metrics.RecordWebhookAccepted(p)
	logging.Ctx(ctx).Info().
		Str("provider", p).
		Str("event_id", logging.SanitizeLogValue(e.ID)).
		Str("event_type", logging.SanitizeLogValue(e.Type)).
		Str("organization_id", e.OrganizationID).
		Str("job_id", jobID).
		Msg("Webhook event accepted")

	i.emitter.Emit(ctx, events.TopicWebhooks, &events.Event{
		Type:           events.WebhookReceived,
		OrganizationID: e.OrganizationID,
		PaymentID:      e.PaymentID,
		Status:         string(e.Outcome),
		Provider:       p,
		ProviderEvent:  e.ID,
		ErrorCode:      e.FailureCode,
	})
	return true, nil
}

func (i *Ingestor) forget(ctx context.Context, e *Event) {
	if err := i.replay.Forget(e.Provider, e.ID); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("provider", string(e.Provider)).Msg("Failed to clear replay mark")
	}
}

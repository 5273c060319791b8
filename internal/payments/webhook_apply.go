// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/events"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/provider"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/retry"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/webhook"
)

// WebhookHandler runs webhook.apply jobs: it writes the audit row and moves
// the referenced payment to the state the provider reported.
type WebhookHandler struct {
	store   Store
	policy  retry.Policy
	emitter events.Emitter
	now     func() time.Time
	rnd     func() float64
}

// NewWebhookHandler returns a handler that schedules retries for soft
// failures with policy.
func NewWebhookHandler(store Store, policy retry.Policy, emitter events.Emitter) *WebhookHandler {
	if emitter == nil {
		emitter = events.Discard
	}
	return &WebhookHandler{
		store:   store,
		policy:  policy,
		emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements queue.Handler.
func (h *WebhookHandler) Handle(ctx context.Context, job *queue.Job) error {
	var e webhook.Event
	if err := job.UnmarshalPayload(&e); err != nil {
		return queue.Permanent(fmt.Errorf("decode webhook payload: %w", err))
	}
	if e.ID == "" || !e.Provider.Valid() {
		return queue.Permanent(fmt.Errorf("webhook job %s has no event", job.ID))
	}
	ctx = logging.ContextWithOrganization(ctx, e.OrganizationID)

	audit := &models.WebhookEvent{
		Provider:       e.Provider,
		EventID:        e.ID,
		EventType:      e.Type,
		OrganizationID: e.OrganizationID,
		PaymentRef:     e.PaymentRef(),
		ReceivedAt:     h.now(),
		Status:         models.WebhookReceived,
		Payload:        e.Raw,
	}
	err := h.store.InsertWebhookEvent(ctx, audit)
	if err != nil && !errors.Is(err, database.ErrDuplicate) {
		return err
	}
	// A duplicate means an earlier run stored the row and then stopped;
	// applying again is safe because every transition is compare-and-set.

	status, orgID, err := h.apply(ctx, &e)
	if err != nil {
		return err
	}

	if err := h.store.UpdateWebhookEventStatus(ctx, e.Provider, e.ID, status, orgID); err != nil {
		return fmt.Errorf("update webhook event %s: %w", e.ID, err)
	}
	logging.Ctx(ctx).Info().
		Str("provider", string(e.Provider)).
		Str("event_id", logging.SanitizeLogValue(e.ID)).
		Str("event_type", logging.SanitizeLogValue(e.Type)).
		Str("result", string(status)).
		Msg("Webhook event applied")
	return nil
}

func (h *WebhookHandler) apply(ctx context.Context, e *webhook.Event) (models.WebhookEventStatus, string, error) {
	if e.Outcome == webhook.OutcomeIgnored {
		return models.WebhookIgnored, e.OrganizationID, nil
	}

	pay, err := h.resolvePayment(ctx, e)
	if errors.Is(err, database.ErrNotFound) {
		return models.WebhookUnmatched, e.OrganizationID, nil
	}
	if err != nil {
		return "", "", err
	}
	if e.OrganizationID != "" && e.OrganizationID != pay.OrganizationID {
		logging.Ctx(ctx).Warn().
			Str("payment_id", pay.ID).
			Str("payment_org", pay.OrganizationID).
			Msg("Webhook organization does not own the referenced payment")
		return models.WebhookUnmatched, e.OrganizationID, nil
	}

	var updated *models.Payment
	switch e.Outcome {
	case webhook.OutcomeSucceeded:
		updated, err = h.succeed(ctx, pay, e)
	case webhook.OutcomeFailed:
		updated, err = h.fail(ctx, pay, e)
	default:
		return models.WebhookIgnored, pay.OrganizationID, nil
	}
	if err != nil {
		return "", "", err
	}
	if updated == nil {
		return models.WebhookStale, pay.OrganizationID, nil
	}

	h.emitter.Emit(ctx, events.TopicPayments, lifecycleEvent(updated, e.FailureCode))
	return models.WebhookApplied, pay.OrganizationID, nil
}

func (h *WebhookHandler) resolvePayment(ctx context.Context, e *webhook.Event) (*models.Payment, error) {
	if e.PaymentID != "" {
		p, err := h.store.GetPayment(ctx, e.PaymentID)
		if err == nil || !errors.Is(err, database.ErrNotFound) || e.ProviderPaymentRef == "" {
			return p, err
		}
	}
	if e.ProviderPaymentRef == "" {
		return nil, database.ErrNotFound
	}
	return h.store.GetPaymentByProviderRef(ctx, e.Provider, e.ProviderPaymentRef)
}

// succeed returns nil, nil when the payment is already terminal.
func (h *WebhookHandler) succeed(ctx context.Context, pay *models.Payment, e *webhook.Event) (*models.Payment, error) {
	if pay.Status.Terminal() {
		if pay.Status != models.PaymentSucceeded {
			logging.Ctx(ctx).Warn().
				Str("payment_id", pay.ID).
				Str("status", string(pay.Status)).
				Msg("Provider reports success for a finished payment")
		}
		return nil, nil
	}

	var err error
	if pay.Status != models.PaymentProcessing {
		// Settled out of band, or the charge job gave up on a timeout
		// after the provider had in fact taken the money.
		if pay, err = transition(ctx, h.store, pay, models.PaymentProcessing, nil); err != nil {
			return nil, err
		}
	}

	return transition(ctx, h.store, pay, models.PaymentSucceeded, func(m *models.Payment) {
		if m.Attempts == 0 {
			m.Attempts = 1
		}
		if m.ProviderPaymentRef == "" {
			m.ProviderPaymentRef = e.ProviderPaymentRef
		}
		m.NextAttemptAt = nil
		m.LastError = ""
		m.LastDeclineCode = ""
	})
}

// fail only applies to a payment awaiting confirmation. A late failure for a
// succeeded payment is logged and ignored.
func (h *WebhookHandler) fail(ctx context.Context, pay *models.Payment, e *webhook.Event) (*models.Payment, error) {
	if pay.Status != models.PaymentProcessing {
		evt := logging.Ctx(ctx).Info()
		if pay.Status == models.PaymentSucceeded {
			evt = logging.Ctx(ctx).Warn()
		}
		evt.Str("payment_id", pay.ID).
			Str("status", string(pay.Status)).
			Str("failure_code", logging.SanitizeLogValue(e.FailureCode)).
			Msg("Ignoring failure for payment not awaiting confirmation")
		return nil, nil
	}

	attempts := pay.Attempts
	if attempts == 0 {
		attempts = 1
	}

	to := models.PaymentFailed
	var next *time.Time
	if !provider.IsHardDecline(e.FailureCode) && !h.policy.Exhausted(attempts) {
		at := h.policy.Next(attempts, h.now(), h.rnd)
		next = &at
		to = models.PaymentRetryScheduled
	}

	return transition(ctx, h.store, pay, to, func(m *models.Payment) {
		m.Attempts = attempts
		m.NextAttemptAt = next
		m.LastDeclineCode = e.FailureCode
		m.LastError = e.FailureMessage
		if m.LastError == "" {
			m.LastError = "provider reported " + e.FailureCode
		}
	})
}

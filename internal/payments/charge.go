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
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/provider"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/retry"
)

// ChargeHandler runs payment.charge jobs.
type ChargeHandler struct {
	store    Store
	chargers Chargers
	policy   retry.Policy
	emitter  events.Emitter
	now      func() time.Time
	rnd      func() float64
}

// NewChargeHandler returns a handler that schedules soft-decline retries
// with policy.
func NewChargeHandler(store Store, chargers Chargers, policy retry.Policy, emitter events.Emitter) *ChargeHandler {
	if emitter == nil {
		emitter = events.Discard
	}
	return &ChargeHandler{
		store:    store,
		chargers: chargers,
		policy:   policy,
		emitter:  emitter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements queue.Handler.
func (h *ChargeHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload ChargePayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode charge payload: %w", err))
	}
	if payload.PaymentID == "" || payload.Attempt < 1 {
		return queue.Permanent(fmt.Errorf("charge job %s has no payment or attempt", job.ID))
	}
	ctx = logging.ContextWithOrganization(ctx, job.OrganizationID)
	log := logging.CtxWith(ctx).
		Str("payment_id", payload.PaymentID).
		Int("attempt", payload.Attempt).
		Logger()

	pay, err := h.store.GetPayment(ctx, payload.PaymentID)
	if errors.Is(err, database.ErrNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	now := h.now()
	switch {
	case pay.Status.Terminal():
		log.Debug().Str("status", string(pay.Status)).Msg("Skipping charge for finished payment")
		return nil
	case pay.Attempts >= payload.Attempt:
		log.Debug().Int("recorded_attempts", pay.Attempts).Msg("Charge attempt already recorded")
		return nil
	case pay.Attempts+1 != payload.Attempt:
		log.Warn().Int("recorded_attempts", pay.Attempts).Msg("Skipping out-of-order charge attempt")
		return nil
	case pay.Status != models.PaymentProcessing && !pay.Due(now):
		log.Debug().Str("status", string(pay.Status)).Msg("Skipping charge that is not due")
		return nil
	}

	previous := pay.Status
	if previous != models.PaymentProcessing {
		pay, err = transition(ctx, h.store, pay, models.PaymentProcessing, nil)
		if errors.Is(err, database.ErrStatusConflict) {
			log.Info().Msg("Payment claimed by another worker")
			return nil
		}
		if err != nil {
			return err
		}
	} else {
		// A previous run of this job stopped after claiming the payment.
		// The provider idempotency key makes repeating the call safe.
		log.Info().Msg("Resuming interrupted charge")
		previous = models.PaymentPending
		if pay.Attempts > 0 {
			previous = models.PaymentRetryScheduled
		}
	}

	charger, err := h.chargers.Get(pay.Provider)
	if err != nil {
		h.restore(ctx, pay, previous, err)
		return queue.Permanent(err)
	}

	req := provider.ChargeRequest{
		PaymentID:      pay.ID,
		OrganizationID: pay.OrganizationID,
		AmountMinor:    pay.AmountMinor,
		Currency:       pay.Currency,
		CustomerRef:    pay.ProviderCustomerRef,
		MethodRef:      pay.ProviderMethodRef,
		Description:    pay.Description,
		IdempotencyKey: job.IdempotencyKey,
	}
	if pay.Provider == models.ProviderStripe {
		org, err := h.store.GetOrganization(ctx, pay.OrganizationID)
		if err != nil {
			h.restore(ctx, pay, previous, err)
			return fmt.Errorf("load organization %s: %w", pay.OrganizationID, err)
		}
		req.ConnectedAccount = org.StripeAccountID
	}

	started := h.now()
	result, chargeErr := charger.Charge(ctx, req)
	finished := h.now()

	// The provider has answered; persist the outcome even if the job is
	// being cancelled.
	bg := context.WithoutCancel(ctx)

	attempt := &models.PaymentAttempt{
		PaymentID:      pay.ID,
		OrganizationID: pay.OrganizationID,
		Number:         payload.Attempt,
		StartedAt:      started,
		FinishedAt:     finished,
	}

	if chargeErr == nil {
		metrics.RecordCharge(string(pay.Provider), string(result.Status), finished.Sub(started))
		return h.onCharged(bg, pay, payload.Attempt, result, attempt)
	}

	if decline, ok := provider.AsDecline(chargeErr); ok {
		outcome := "soft_decline"
		if decline.Hard {
			outcome = "hard_decline"
		}
		metrics.RecordCharge(string(pay.Provider), outcome, finished.Sub(started))
		return h.onDeclined(bg, pay, payload.Attempt, decline, attempt)
	}

	metrics.RecordCharge(string(pay.Provider), "error", finished.Sub(started))
	h.restore(bg, pay, previous, chargeErr)
	if !provider.IsRetryable(chargeErr) {
		log.Error().Err(chargeErr).Msg("Charge failed with a non-retryable error")
		return queue.Permanent(chargeErr)
	}
	log.Warn().Err(chargeErr).Msg("Charge failed, will retry")
	return chargeErr
}

func (h *ChargeHandler) onCharged(ctx context.Context, pay *models.Payment, number int, result *provider.ChargeResult, attempt *models.PaymentAttempt) error {
	to := models.PaymentSucceeded
	attempt.Outcome = models.AttemptSucceeded
	if result.Status == provider.ChargePending {
		to = models.PaymentProcessing
		attempt.Outcome = models.AttemptPending
	}
	attempt.ProviderPaymentRef = result.ProviderPaymentRef

	updated, err := transition(ctx, h.store, pay, to, func(m *models.Payment) {
		m.Attempts = number
		m.ProviderPaymentRef = result.ProviderPaymentRef
		m.NextAttemptAt = nil
		m.LastError = ""
		m.LastDeclineCode = ""
	})
	if err != nil {
		return h.lostOutcome(ctx, pay, attempt, err)
	}
	h.recordAttempt(ctx, attempt)

	logging.Ctx(ctx).Info().
		Str("payment_id", pay.ID).
		Str("provider_ref", result.ProviderPaymentRef).
		Str("status", string(updated.Status)).
		Int("attempt", number).
		Msg("Charge accepted by provider")
	h.emitter.Emit(ctx, events.TopicPayments, lifecycleEvent(updated, ""))
	return nil
}

func (h *ChargeHandler) onDeclined(ctx context.Context, pay *models.Payment, number int, decline *provider.DeclineError, attempt *models.PaymentAttempt) error {
	attempt.ErrorCode = decline.Code
	attempt.ErrorMessage = decline.Message
	attempt.ProviderPaymentRef = decline.ProviderPaymentRef

	to := models.PaymentFailed
	var next *time.Time
	attempt.Outcome = models.AttemptHardDecline
	if !decline.Hard {
		attempt.Outcome = models.AttemptSoftDecline
		if !h.policy.Exhausted(number) {
			at := h.policy.Next(number, h.now(), h.rnd)
			next = &at
			to = models.PaymentRetryScheduled
		}
	}

	updated, err := transition(ctx, h.store, pay, to, func(m *models.Payment) {
		m.Attempts = number
		m.NextAttemptAt = next
		m.LastError = decline.Error()
		m.LastDeclineCode = decline.Code
		if decline.ProviderPaymentRef != "" {
			m.ProviderPaymentRef = decline.ProviderPaymentRef
		}
	})
	if err != nil {
		return h.lostOutcome(ctx, pay, attempt, err)
	}
	h.recordAttempt(ctx, attempt)

	evt := logging.Ctx(ctx).Info().
		Str("payment_id", pay.ID).
		Str("decline_code", logging.SanitizeLogValue(decline.Code)).
		Bool("hard", decline.Hard).
		Int("attempt", number).
		Str("status", string(updated.Status))
	if next != nil {
		evt = evt.Time("next_attempt_at", *next)
	}
	evt.Msg("Charge declined")

	h.emitter.Emit(ctx, events.TopicPayments, lifecycleEvent(updated, decline.Code))
	return nil
}

// lostOutcome handles a provider answer that could not be stored because the
// payment moved underneath us, normally an operator cancel. The attempt row
// is still written so the charge can be reconciled.
func (h *ChargeHandler) lostOutcome(ctx context.Context, pay *models.Payment, attempt *models.PaymentAttempt, err error) error {
	if !errors.Is(err, database.ErrStatusConflict) {
		return err
	}
	h.recordAttempt(ctx, attempt)
	logging.Ctx(ctx).Error().
		Err(err).
		Str("payment_id", pay.ID).
		Str("outcome", string(attempt.Outcome)).
		Str("provider_ref", attempt.ProviderPaymentRef).
		Msg("Charge outcome could not be applied, payment needs reconciliation")
	return nil
}

// restore puts an interrupted payment back where it was so the next run
// picks it up again. No attempt is consumed.
func (h *ChargeHandler) restore(ctx context.Context, pay *models.Payment, to models.PaymentStatus, cause error) {
	_, err := transition(context.WithoutCancel(ctx), h.store, pay, to, func(m *models.Payment) {
		m.LastError = cause.Error()
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("payment_id", pay.ID).Msg("Failed to restore payment status")
	}
}

func (h *ChargeHandler) recordAttempt(ctx context.Context, a *models.PaymentAttempt) {
	if err := h.store.RecordAttempt(ctx, a); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("payment_id", a.PaymentID).Msg("Failed to record charge attempt")
	}
}

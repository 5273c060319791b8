// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package payments drives the payment lifecycle: finding due payments,
// charging them through the provider clients, applying webhook outcomes and
// scheduling retries.
//
// Nothing here calls a provider directly from an HTTP request. The cron run
// (Processor.ProcessDue) only enqueues payment.charge jobs, keyed by payment
// and attempt number, so overlapping or repeated runs collapse into one job
// per attempt. ChargeHandler executes those jobs and WebhookHandler executes
// webhook.apply jobs; both move payments through the status machine in
// models with compare-and-set updates.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/events"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/provider"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
)

// JobKindCharge is the queue kind handled by ChargeHandler.
const JobKindCharge = "payment.charge"

var (
	// ErrAlreadyTerminal is returned when cancelling a finished payment.
	ErrAlreadyTerminal = errors.New("payment already in a terminal status")
)

// Store is the persistence the payment engine needs. *database.DB
// implements it.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByProviderRef(ctx context.Context, p models.Provider, ref string) (*models.Payment, error)
	ListDuePaymentsAfter(ctx context.Context, now time.Time, cursor database.DueCursor, limit int) ([]models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, mutate func(*models.Payment)) (*models.Payment, error)
	RecordAttempt(ctx context.Context, a *models.PaymentAttempt) error
	InsertWebhookEvent(ctx context.Context, e *models.WebhookEvent) error
	UpdateWebhookEventStatus(ctx context.Context, p models.Provider, eventID string, status models.WebhookEventStatus, orgID string) error
}

// Enqueuer is the part of the queue the processor needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (jobID string, created bool, err error)
}

// Chargers looks up the provider client for a payment.
type Chargers interface {
	Get(p models.Provider) (provider.Charger, error)
}

var _ Store = (*database.DB)(nil)

// ChargePayload is the body of a payment.charge job.
type ChargePayload struct {
	PaymentID string `json:"payment_id"`
	Attempt   int    `json:"attempt"`
}

// ChargeKey is the idempotency key of a charge attempt. It is also sent to
// the provider, so a job that is retried after a crash cannot charge twice.
func ChargeKey(paymentID string, attempt int) string {
	return fmt.Sprintf("charge:%s:%d", paymentID, attempt)
}

// transition applies a status change and records it. It is shared by the
// charge and webhook handlers.
func transition(ctx context.Context, store Store, p *models.Payment, to models.PaymentStatus, mutate func(*models.Payment)) (*models.Payment, error) {
	updated, err := store.UpdatePaymentStatus(ctx, p.ID, p.Status, to, mutate)
	if err != nil {
		return nil, err
	}
	if p.Status != to {
		metrics.RecordTransition(string(p.Status), string(to))
	}
	return updated, nil
}

// lifecycleEvent builds the event for a payment's new status.
func lifecycleEvent(p *models.Payment, code string) *events.Event {
	var t events.Type
	switch p.Status {
	case models.PaymentSucceeded:
		t = events.PaymentSucceeded
	case models.PaymentFailed:
		t = events.PaymentFailed
	case models.PaymentRetryScheduled:
		t = events.PaymentRetryScheduled
	case models.PaymentCancelled:
		t = events.PaymentCancelled
	default:
		t = events.PaymentPending
	}
	return &events.Event{
		Type:           t,
		OrganizationID: p.OrganizationID,
		PaymentID:      p.ID,
		Status:         string(p.Status),
		Attempt:        p.Attempts,
		Provider:       string(p.Provider),
		ErrorCode:      code,
	}
}

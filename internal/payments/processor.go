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
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
)

// DefaultBatchSize is the number of due payments read per query.
const DefaultBatchSize = 100

// ProcessResult summarises one process-payments run.
type ProcessResult struct {
	Scanned    int           `json:"scanned"`
	Enqueued   int           `json:"enqueued"`
	Duplicates int           `json:"duplicates"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// Processor finds due payments and turns them into charge jobs. It also
// owns cancellation, the one payment transition driven by an operator.
type Processor struct {
	store     Store
	queue     Enqueuer
	emitter   events.Emitter
	batchSize int
}

// NewProcessor returns a processor reading batchSize payments per query.
func NewProcessor(store Store, q Enqueuer, emitter events.Emitter, batchSize int) *Processor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Processor{store: store, queue: q, emitter: emitter, batchSize: batchSize}
}

// ProcessDue enqueues a charge job for every payment due at now. Payments
// are read in keyset order so a long run never skips or repeats a row.
// Enqueue failures are counted and logged; only a failed read aborts the run.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) (*ProcessResult, error) {
	start := time.Now()
	res := &ProcessResult{}

	var cursor database.DueCursor
	for {
		if err := ctx.Err(); err != nil {
			return p.finish(res, start), err
		}

		batch, err := p.store.ListDuePaymentsAfter(ctx, now, cursor, p.batchSize)
		if err != nil {
			return p.finish(res, start), fmt.Errorf("list due payments: %w", err)
		}

		for i := range batch {
			pay := &batch[i]
			res.Scanned++
			cursor = cursor.Next(pay)

			created, err := p.enqueueCharge(ctx, pay, now)
			switch {
			case err != nil:
				res.Errors++
				logging.Ctx(ctx).Error().Err(err).Str("payment_id", pay.ID).Msg("Failed to enqueue charge")
			case created:
				res.Enqueued++
			default:
				res.Duplicates++
			}
		}

		if len(batch) < p.batchSize {
			return p.finish(res, start), nil
		}
	}
}

func (p *Processor) enqueueCharge(ctx context.Context, pay *models.Payment, now time.Time) (bool, error) {
	attempt := pay.Attempts + 1
	_, created, err := p.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:           JobKindCharge,
		IdempotencyKey: ChargeKey(pay.ID, attempt),
		OrganizationID: pay.OrganizationID,
		Payload:        ChargePayload{PaymentID: pay.ID, Attempt: attempt},
		RunAt:          now,
	})
	return created, err
}

func (p *Processor) finish(res *ProcessResult, start time.Time) *ProcessResult {
	res.Duration = time.Since(start)
	res.DurationMS = res.Duration.Milliseconds()
	return res
}

// Run is ProcessDue with logging and metrics, labelled by what triggered it
// ("scheduler" or "http").
func (p *Processor) Run(ctx context.Context, trigger string) (*ProcessResult, error) {
	ctx = logging.ContextWithNewCorrelationID(ctx)
	res, err := p.ProcessDue(ctx, time.Now().UTC())
	metrics.RecordCronRun(trigger, res.Enqueued, err)

	evt := logging.Ctx(ctx).Info()
	if err != nil {
		evt = logging.Ctx(ctx).Error().Err(err)
	}
	evt.Str("trigger", trigger).
		Int("scanned", res.Scanned).
		Int("enqueued", res.Enqueued).
		Int("duplicates", res.Duplicates).
		Int("errors", res.Errors).
		Dur("duration", res.Duration).
		Msg("process-payments finished")
	return res, err
}

// Cancel moves a non-terminal payment to cancelled. A charge already in
// flight is not recalled; ChargeHandler logs it for reconciliation if it
// comes back successful.
func (p *Processor) Cancel(ctx context.Context, paymentID string) (*models.Payment, error) {
	const maxConflicts = 3

	for i := 0; ; i++ {
		pay, err := p.store.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if pay.Status.Terminal() {
			return pay, fmt.Errorf("%w: %s", ErrAlreadyTerminal, pay.Status)
		}

		updated, err := transition(ctx, p.store, pay, models.PaymentCancelled, func(m *models.Payment) {
			m.NextAttemptAt = nil
		})
		if errors.Is(err, database.ErrStatusConflict) && i < maxConflicts-1 {
			continue
		}
		if err != nil {
			return nil, err
		}

		logging.Ctx(ctx).Info().
			Str("payment_id", paymentID).
			Str("organization_id", updated.OrganizationID).
			Str("from", string(pay.Status)).
			Msg("Payment cancelled")
		p.emitter.Emit(ctx, events.TopicPayments, lifecycleEvent(updated, ""))
		return updated, nil
	}
}

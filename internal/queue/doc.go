// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

/*
Package queue is a durable job queue on BadgerDB with idempotent enqueue and
crash-safe leasing.

Every side effect the service performs against a payment provider runs as a
job. A job is enqueued under an idempotency key; the key is stored in the same
Badger transaction as the job, and survives completion as a done marker for
Config.DoneRetention. Enqueueing the same key again returns the original job
ID, which is what keeps a double-fired cron or a redelivered webhook from
charging a member twice.

# Key Layout

	job:<id>    pending or leased job (JSON)
	idem:<key>  idempotency key -> job ID while the job is live or dead
	done:<key>  completion marker (JSON, TTL = DoneRetention)
	dead:<id>   dead-lettered job (JSON)

Job IDs are UUIDv7, so iterating the job: prefix visits jobs roughly in
creation order.

# Leasing

Claim stamps LeaseHolder and LeaseExpiry on each job it returns. A job with a
live lease held by another worker is skipped. If a worker crashes, the lease
expires and the job becomes claimable again; handlers must therefore be safe
to run more than once, which the payment state machine guarantees.

# Usage

	q, err := queue.Open(queue.NewConfig(&cfg.Queue))
	if err != nil {
		return err
	}
	defer q.Close()

	w := queue.NewWorker(q, queue.WorkerConfig{Concurrency: 4})
	w.Handle("payment.charge", chargeHandler)
	if err := w.Start(ctx); err != nil {
		return err
	}
*/
package queue

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
)

// DeadLetters returns up to limit dead-lettered jobs, oldest first. A limit
// of zero or less returns all of them.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	var jobs []*Job
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixDead)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var job Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return fmt.Errorf("unmarshal dead job: %w", err)
			}
			jobs = append(jobs, &job)
			if limit > 0 && len(jobs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Requeue moves a dead job back to the live set with its attempt counter
// reset. It keeps its ID and idempotency key.
func (q *Queue) Requeue(ctx context.Context, jobID string) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	var job *Job
	err := q.update(func(txn *badger.Txn) error {
		deadKey := []byte(prefixDead + jobID)
		var err error
		job, err = readJob(txn, deadKey)
		if err != nil {
			return err
		}

		job.Attempts = 0
		job.RunAt = q.now()
		job.DeadAt = nil
		job.LeaseHolder = ""
		job.LeaseExpiry = time.Time{}

		if err := txn.Delete(deadKey); err != nil {
			return fmt.Errorf("delete dead job: %w", err)
		}
		if err := txn.Set([]byte(prefixIdem+job.IdempotencyKey), []byte(job.ID)); err != nil {
			return fmt.Errorf("set idempotency key: %w", err)
		}
		return writeJob(txn, []byte(prefixJob+job.ID), job)
	})
	if err != nil {
		return nil, err
	}

	logging.Info().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Msg("Dead job requeued")
	return job, nil
}

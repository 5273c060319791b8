// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
)

// Claim leases up to limit ready jobs to holder. A job is ready when RunAt
// has passed and it has no live lease, including one held by holder itself,
// so a worker never dispatches a job it is still running. The lease is written durably, so it
// survives a restart and expires on its own if holder dies.
func (q *Queue) Claim(ctx context.Context, holder string, limit int) ([]*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var claimed []*Job
	err := q.updateRetry(func(txn *badger.Txn) error {
		claimed = claimed[:0]
		now := q.now()
		expiry := now.Add(q.config.LeaseDuration)

		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixJob)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(claimed) < limit; it.Next() {
			item := it.Item()
			var job Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("Skipping unreadable job")
				continue
			}
			if job.RunAt.After(now) {
				continue
			}
			if job.leased(now) {
				continue
			}

			job.LeaseHolder = holder
			job.LeaseExpiry = expiry
			if err := writeJob(txn, item.KeyCopy(nil), &job); err != nil {
				return err
			}
			claimed = append(claimed, &job)
		}
		return nil
	}, claimConflictRetries)
	if errors.Is(err, badger.ErrConflict) {
		// Other workers are busy claiming; try again next poll.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	if len(claimed) > 0 {
		logging.Trace().
			Str("lease_holder", holder).
			Int("claimed", len(claimed)).
			Msg("Jobs claimed")
	}
	return claimed, nil
}

// holdLease reads the live job and checks that holder still owns it. A lease
// that expired without anyone else claiming the job still counts as held,
// since no other worker can have run it.
func holdLease(txn *badger.Txn, jobID, holder string) (*Job, []byte, error) {
	key := []byte(prefixJob + jobID)
	job, err := readJob(txn, key)
	if err != nil {
		return nil, nil, err
	}
	if job.LeaseHolder != holder {
		return nil, nil, ErrLeaseLost
	}
	return job, key, nil
}

// Complete finishes a leased job. The job is removed and its idempotency
// key is kept as a done marker for DoneRetention, in one transaction.
func (q *Queue) Complete(ctx context.Context, jobID, holder string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	var kind string
	err := q.update(func(txn *badger.Txn) error {
		job, key, err := holdLease(txn, jobID, holder)
		if err != nil {
			return err
		}
		kind = job.Kind

		marker, err := json.Marshal(&doneMarker{
			JobID:       job.ID,
			Kind:        job.Kind,
			CompletedAt: q.now(),
		})
		if err != nil {
			return fmt.Errorf("marshal done marker: %w", err)
		}
		e := badger.NewEntry([]byte(prefixDone+job.IdempotencyKey), marker)
		if q.config.DoneRetention > 0 {
			e = e.WithTTL(q.config.DoneRetention)
		}
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("set done marker: %w", err)
		}
		if err := txn.Delete([]byte(prefixIdem + job.IdempotencyKey)); err != nil {
			return fmt.Errorf("delete idempotency key: %w", err)
		}
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			recordLeaseConflict()
		}
		return err
	}

	q.totalCompleted.Add(1)
	recordCompleted(kind)
	return nil
}

// Fail records a failed run of a leased job. The attempt counter goes up, the
// lease is dropped and the job becomes claimable again at retryAt. Once
// attempts are exhausted, or cause is Permanent, the job moves to the
// dead-letter set instead; dead reports which happened.
func (q *Queue) Fail(ctx context.Context, jobID, holder string, cause error, retryAt time.Time) (dead bool, err error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var job *Job
	err = q.update(func(txn *badger.Txn) error {
		var key []byte
		var err error
		job, key, err = holdLease(txn, jobID, holder)
		if err != nil {
			return err
		}

		job.Attempts++
		job.LastError = msg
		job.LeaseHolder = ""
		job.LeaseExpiry = time.Time{}

		dead = IsPermanent(cause) || job.Attempts >= job.MaxAttempts
		if !dead {
			job.RunAt = retryAt.UTC()
			return writeJob(txn, key, job)
		}

		deadAt := q.now()
		job.DeadAt = &deadAt
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return writeJob(txn, []byte(prefixDead+job.ID), job)
	})
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			recordLeaseConflict()
		}
		return false, err
	}

	q.totalFailed.Add(1)
	recordFailed(job.Kind)
	if dead {
		recordDeadLettered(job.Kind)
		logging.Warn().
			Str("job_id", job.ID).
			Str("kind", job.Kind).
			Int("attempts", job.Attempts).
			Str("last_error", logging.SanitizeLogValue(msg)).
			Msg("Job moved to dead-letter set")
	}
	return dead, nil
}

// Release drops holder's lease without counting an attempt, making the job
// immediately claimable. Used when a worker shuts down mid-job.
func (q *Queue) Release(ctx context.Context, jobID, holder string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.update(func(txn *badger.Txn) error {
		job, key, err := holdLease(txn, jobID, holder)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		job.LeaseHolder = ""
		job.LeaseExpiry = time.Time{}
		return writeJob(txn, key, job)
	})
}

// ExtendLease pushes holder's lease out by another LeaseDuration.
func (q *Queue) ExtendLease(ctx context.Context, jobID, holder string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.update(func(txn *badger.Txn) error {
		job, key, err := holdLease(txn, jobID, holder)
		if err != nil {
			return err
		}
		job.LeaseExpiry = q.now().Add(q.config.LeaseDuration)
		return writeJob(txn, key, job)
	})
}

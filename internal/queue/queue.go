// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
)

// Job is a unit of work stored in the queue.
type Job struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	// Attempts counts failed runs. MaxAttempts is fixed at enqueue time.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`
	LastError string    `json:"last_error,omitempty"`

	// LeaseHolder and LeaseExpiry are set while a worker owns the job. A zero
	// or past LeaseExpiry means the job can be claimed.
	LeaseHolder string    `json:"lease_holder,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`

	// DeadAt is set when the job is moved to the dead-letter set.
	DeadAt *time.Time `json:"dead_at,omitempty"`
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

func (j *Job) leased(now time.Time) bool {
	return !j.LeaseExpiry.IsZero() && now.Before(j.LeaseExpiry)
}

// EnqueueRequest describes a job to add.
type EnqueueRequest struct {
	Kind           string
	IdempotencyKey string
	OrganizationID string

	// Payload is marshalled to JSON unless it already is a json.RawMessage.
	Payload interface{}

	// RunAt defaults to now.
	RunAt time.Time

	// MaxAttempts defaults to Config.MaxAttempts.
	MaxAttempts int
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending int64 // claimable now or later, no live lease
	Leased  int64
	Dead    int64
	Done    int64 // idempotency markers still retained

	TotalEnqueued   int64
	TotalDuplicates int64
	TotalCompleted  int64
	TotalFailed     int64

	LastCompaction time.Time
}

type doneMarker struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	CompletedAt time.Time `json:"completed_at"`
}

const (
	prefixJob  = "job:"
	prefixIdem = "idem:"
	prefixDone = "done:"
	prefixDead = "dead:"

	maxConflictRetries = 5

	// Claim reads every job it scans, so it conflicts with any concurrent
	// claim or completion and gets a bigger budget.
	claimConflictRetries = 20
)

// Queue is a BadgerDB-backed job queue. It is safe for concurrent use by
// multiple workers in the same process.
type Queue struct {
	db     *badger.DB
	config Config
	now    func() time.Time

	totalEnqueued   atomic.Int64
	totalDuplicates atomic.Int64
	totalCompleted  atomic.Int64
	totalFailed     atomic.Int64

	mu             sync.RWMutex
	closed         bool
	lastCompaction time.Time
}

// Open validates cfg and opens (or creates) the queue at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	q, err := open(cfg)
	if err != nil {
		return nil, err
	}
	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Dur("lease_duration", cfg.LeaseDuration).
		Msg("Job queue opened")
	return q, nil
}

// OpenForTesting opens a queue without validating cfg, so tests can use
// short leases and intervals.
func OpenForTesting(cfg Config) (*Queue, error) {
	if cfg.NumCompactors < 2 {
		cfg.NumCompactors = 2
	}
	if cfg.MemTableSize == 0 {
		cfg.MemTableSize = 16 << 20
	}
	if cfg.ValueLogFileSize == 0 {
		cfg.ValueLogFileSize = 16 << 20
	}
	if cfg.GCRatio == 0 {
		cfg.GCRatio = 0.5
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	return open(cfg)
}

func open(cfg Config) (*Queue, error) {
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	return &Queue{
		db:             db,
		config:         cfg,
		now:            func() time.Time { return time.Now().UTC() },
		lastCompaction: time.Now(),
	}, nil
}

func (q *Queue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// update runs fn in a read-write transaction, retrying when Badger reports
// a write conflict with a concurrent transaction.
func (q *Queue) update(fn func(txn *badger.Txn) error) error {
	return q.updateRetry(fn, maxConflictRetries)
}

func (q *Queue) updateRetry(fn func(txn *badger.Txn) error, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = q.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		recordLeaseConflict()
	}
	return err
}

// Enqueue adds a job unless its idempotency key has been seen before. For a
// repeated key it returns the ID of the original job (pending, leased, done
// or dead) and created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (jobID string, created bool, err error) {
	if err := q.checkOpen(); err != nil {
		return "", false, err
	}
	if req.Kind == "" {
		return "", false, ErrMissingKind
	}
	if req.IdempotencyKey == "" {
		return "", false, ErrMissingKey
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return "", false, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", false, fmt.Errorf("generate job id: %w", err)
	}

	now := q.now()
	job := &Job{
		ID:             id.String(),
		Kind:           req.Kind,
		IdempotencyKey: req.IdempotencyKey,
		OrganizationID: req.OrganizationID,
		Payload:        payload,
		MaxAttempts:    req.MaxAttempts,
		RunAt:          req.RunAt.UTC(),
		CreatedAt:      now,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.config.MaxAttempts
	}
	if req.RunAt.IsZero() {
		job.RunAt = now
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", false, fmt.Errorf("marshal job: %w", err)
	}

	err = q.update(func(txn *badger.Txn) error {
		existing, err := lookupKey(txn, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != "" {
			jobID, created = existing, false
			return nil
		}
		if err := txn.Set([]byte(prefixJob+job.ID), data); err != nil {
			return fmt.Errorf("set job: %w", err)
		}
		if err := txn.Set([]byte(prefixIdem+req.IdempotencyKey), []byte(job.ID)); err != nil {
			return fmt.Errorf("set idempotency key: %w", err)
		}
		jobID, created = job.ID, true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", req.Kind, err)
	}

	if created {
		q.totalEnqueued.Add(1)
		recordEnqueued(req.Kind)
		logging.Debug().
			Str("job_id", jobID).
			Str("kind", req.Kind).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("Job enqueued")
	} else {
		q.totalDuplicates.Add(1)
		recordDuplicate(req.Kind)
		logging.Debug().
			Str("job_id", jobID).
			Str("kind", req.Kind).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("Duplicate enqueue ignored")
	}
	return jobID, created, nil
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}

// lookupKey returns the job ID recorded for an idempotency key, checking the
// live pointer first and the done marker second. "" means the key is new.
func lookupKey(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(prefixIdem + key))
	switch {
	case err == nil:
		id, err := item.ValueCopy(nil)
		if err != nil {
			return "", fmt.Errorf("read idempotency key: %w", err)
		}
		return string(id), nil
	case !errors.Is(err, badger.ErrKeyNotFound):
		return "", fmt.Errorf("get idempotency key: %w", err)
	}

	item, err = txn.Get([]byte(prefixDone + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get done marker: %w", err)
	}
	var marker doneMarker
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &marker)
	}); err != nil {
		return "", fmt.Errorf("unmarshal done marker: %w", err)
	}
	return marker.JobID, nil
}

func readJob(txn *badger.Txn, key []byte) (*Job, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func writeJob(txn *badger.Txn, key []byte, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("set job: %w", err)
	}
	return nil
}

// Get returns a live or dead job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	var job *Job
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = readJob(txn, []byte(prefixJob+jobID))
		if errors.Is(err, ErrJobNotFound) {
			job, err = readJob(txn, []byte(prefixDead+jobID))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// IsDone reports whether a job with this idempotency key has completed and
// its marker is still retained.
func (q *Queue) IsDone(ctx context.Context, key string) (bool, error) {
	if err := q.checkOpen(); err != nil {
		return false, err
	}
	var done bool
	err := q.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixDone + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// Stats scans the queue and returns counts by state.
func (q *Queue) Stats() Stats {
	stats := Stats{
		TotalEnqueued:   q.totalEnqueued.Load(),
		TotalDuplicates: q.totalDuplicates.Load(),
		TotalCompleted:  q.totalCompleted.Load(),
		TotalFailed:     q.totalFailed.Load(),
	}
	q.mu.RLock()
	stats.LastCompaction = q.lastCompaction
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return stats
	}

	now := q.now()
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixJob)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				continue
			}
			if job.leased(now) {
				stats.Leased++
			} else {
				stats.Pending++
			}
		}

		stats.Dead = countPrefix(txn, prefixDead)
		stats.Done = countPrefix(txn, prefixDone)
		return nil
	})
	if err != nil {
		logging.Warn().Err(err).Msg("Queue stats scan failed")
	}
	updatePendingGauge(stats.Pending + stats.Leased)
	updateDeadGauge(stats.Dead)
	return stats
}

func countPrefix(txn *badger.Txn, prefix string) int64 {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var n int64
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		n++
	}
	return n
}

// DB exposes the underlying Badger database so tightly related stores (the
// webhook replay guard) can share one on-disk instance. Callers must use
// their own key prefix.
func (q *Queue) DB() *badger.DB {
	return q.db
}

// Ping reports ErrClosed after Close and otherwise runs an empty read
// transaction, for readiness probes.
func (q *Queue) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.db.View(func(*badger.Txn) error { return nil })
}

// Config returns the queue configuration.
func (q *Queue) Config() Config {
	return q.config
}

// RunGC runs Badger value-log GC until nothing is left to rewrite.
func (q *Queue) RunGC() error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		recordGC(time.Since(start).Seconds())
	}()

	for {
		err := q.db.RunValueLogGC(q.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log GC: %w", err)
		}
	}
}

// Close flushes and closes the database, giving up after CloseTimeout.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	timeout := q.config.CloseTimeout
	q.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- q.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Job queue closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

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
	"time"

	"github.com/google/uuid"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/retry"
)

// Handler runs one job. Returning nil completes the job; an error wrapped
// with Permanent dead-letters it; any other error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	// Concurrency bounds the jobs running at once.
	Concurrency int

	// PollInterval is the delay between claim rounds.
	PollInterval time.Duration

	// ClaimBatch caps how many jobs one round claims.
	ClaimBatch int

	// Backoff schedules retries of failed jobs.
	Backoff retry.Policy

	// HandlerTimeout bounds a single run. Defaults to the queue's
	// LeaseDuration so a job never outlives its lease.
	HandlerTimeout time.Duration
}

// Worker claims jobs from a Queue and dispatches them by Kind.
type Worker struct {
	queue    *Queue
	config   WorkerConfig
	holder   string
	handlers map[string]Handler

	slots    chan struct{}
	inflight sync.WaitGroup

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopping bool
	stopDone chan struct{}
}

// NewWorker creates a worker with a unique lease holder ID.
func NewWorker(q *Queue, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = cfg.Concurrency
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = retry.QueueDefault()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = q.config.LeaseDuration
	}
	return &Worker{
		queue:    q,
		config:   cfg,
		holder:   fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		handlers: make(map[string]Handler),
		slots:    make(chan struct{}, cfg.Concurrency),
	}
}

// Handle registers h for kind. Register all handlers before Start.
func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// HandleFunc registers f for kind.
func (w *Worker) HandleFunc(kind string, f func(ctx context.Context, job *Job) error) {
	w.Handle(kind, HandlerFunc(f))
}

// Holder returns the lease holder ID used for claims.
func (w *Worker) Holder() string {
	return w.holder
}

// Start begins polling. It returns immediately; Stop or cancelling ctx ends
// the loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	for w.stopping {
		stopDone := w.stopDone
		w.mu.Unlock()
		<-stopDone
		w.mu.Lock()
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.stopDone = make(chan struct{})
	done := w.stopDone
	w.mu.Unlock()

	go w.run(loopCtx, done)

	logging.Info().
		Str("lease_holder", w.holder).
		Int("concurrency", w.config.Concurrency).
		Dur("poll_interval", w.config.PollInterval).
		Msg("Queue worker started")
	return nil
}

// Stop cancels the loop and waits for in-flight jobs. Jobs interrupted by
// the cancellation have their lease released without counting an attempt.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running || w.stopping {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.stopping = true
	stopDone := w.stopDone
	w.mu.Unlock()

	<-stopDone

	w.mu.Lock()
	w.stopping = false
	w.mu.Unlock()

	logging.Info().Str("lease_holder", w.holder).Msg("Queue worker stopped")
}

// IsRunning reports whether the loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer w.inflight.Wait()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.dispatch(ctx)
		}
	}
}

// dispatch claims as many jobs as there are free slots and runs each in its
// own goroutine. Only the loop goroutine calls it, so free slots cannot be
// taken between the count and the sends.
func (w *Worker) dispatch(ctx context.Context) int {
	free := cap(w.slots) - len(w.slots)
	if free == 0 {
		return 0
	}
	if free > w.config.ClaimBatch {
		free = w.config.ClaimBatch
	}

	jobs, err := w.queue.Claim(ctx, w.holder, free)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			logging.Error().Err(err).Msg("Queue worker: claim failed")
		}
		return 0
	}

	for _, job := range jobs {
		w.slots <- struct{}{}
		w.inflight.Add(1)
		go func(job *Job) {
			defer func() {
				<-w.slots
				w.inflight.Done()
			}()
			w.process(ctx, job)
		}(job)
	}
	return len(jobs)
}

// RunOnce claims one batch, runs it and waits for every job to finish.
// Returns the number of jobs run.
func (w *Worker) RunOnce(ctx context.Context) int {
	n := w.dispatch(ctx)
	w.inflight.Wait()
	return n
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.mu.Lock()
	h, ok := w.handlers[job.Kind]
	w.mu.Unlock()

	// Bookkeeping must land even when the worker is shutting down.
	bookCtx := context.WithoutCancel(ctx)

	if !ok {
		w.fail(bookCtx, job, Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)))
		recordHandler(job.Kind, "unknown", 0)
		return
	}

	hctx := logging.ContextWithCorrelationID(ctx, job.ID)
	if job.OrganizationID != "" {
		hctx = logging.ContextWithOrganization(hctx, job.OrganizationID)
	}
	hctx, cancel := context.WithTimeout(hctx, w.config.HandlerTimeout)
	defer cancel()

	start := time.Now()
	err := runHandler(hctx, h, job)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		recordHandler(job.Kind, "ok", elapsed)
		if cerr := w.queue.Complete(bookCtx, job.ID, w.holder); cerr != nil {
			logging.Ctx(hctx).Error().Err(cerr).Str("job_id", job.ID).Msg("Queue worker: complete failed")
		}
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		recordHandler(job.Kind, "interrupted", elapsed)
		if rerr := w.queue.Release(bookCtx, job.ID, w.holder); rerr != nil {
			logging.Ctx(hctx).Warn().Err(rerr).Str("job_id", job.ID).Msg("Queue worker: release failed")
		}
	default:
		recordHandler(job.Kind, "error", elapsed)
		w.fail(bookCtx, job, err)
	}
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error) {
	retryAt := w.config.Backoff.Next(job.Attempts+1, w.queue.now(), nil)
	dead, err := w.queue.Fail(ctx, job.ID, w.holder, cause, retryAt)
	if err != nil {
		logging.Error().Err(err).Str("job_id", job.ID).Msg("Queue worker: fail bookkeeping failed")
		return
	}
	if !dead {
		logging.Warn().
			Err(cause).
			Str("job_id", job.ID).
			Str("kind", job.Kind).
			Int("attempt", job.Attempts+1).
			Time("retry_at", retryAt).
			Msg("Job failed, retry scheduled")
	}
}

func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

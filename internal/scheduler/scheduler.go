// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package scheduler runs process-payments on a cron schedule inside the
// server process. Overlapping runs are skipped; the HTTP trigger in
// internal/api stays available for external schedulers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/payments"
)

// DefaultSchedule runs every fifteen minutes.
const DefaultSchedule = "*/15 * * * *"

// Trigger labels scheduler-started runs in logs and metrics.
const Trigger = "scheduler"

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Runner executes one process-payments pass.
type Runner interface {
	Run(ctx context.Context, trigger string) (*payments.ProcessResult, error)
}

// Config holds scheduler settings.
type Config struct {
	Enabled  bool
	Schedule string
	Timeout  time.Duration
}

// ConfigFrom maps the cron config section.
func ConfigFrom(c *config.CronConfig) Config {
	return Config{Enabled: c.Enabled, Schedule: c.Schedule, Timeout: c.Timeout}
}

// Scheduler owns a robfig/cron instance with a single job.
type Scheduler struct {
	runner   Runner
	config   Config
	schedule cron.Schedule
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New validates the schedule and returns a stopped scheduler.
func New(runner Runner, cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", cfg.Schedule, err)
	}
	return &Scheduler{
		runner:   runner,
		config:   cfg,
		schedule: sched,
		logger:   logging.WithComponent("scheduler"),
	}, nil
}

// Start schedules the job. A disabled scheduler starts as a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true

	if !s.config.Enabled {
		s.logger.Info().Msg("Payment scheduler disabled")
		return nil
	}

	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))
	c.Start()
	s.cron = c

	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Time("next_run", s.schedule.Next(time.Now())).
		Msg("Payment scheduler started")
	return nil
}

// Stop removes the schedule and waits for a run in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info().Msg("Payment scheduler stopped")
}

// IsRunning reports whether Start has been called without Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled time after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	return s.schedule.Next(now)
}

// RunNow executes one pass synchronously with the scheduler's timeout.
func (s *Scheduler) RunNow(ctx context.Context) (*payments.ProcessResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	return s.runner.Run(runCtx, Trigger)
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// Run logs its own outcome.
	_, _ = s.RunNow(ctx)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/api"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/auth"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/authz"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/events"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/payments"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/provider"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/retry"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/scheduler"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/supervisor"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/supervisor/services"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Caller:      cfg.Logging.Caller,
		Timestamp:   true,
		Service:     "atlas-billing",
		Environment: cfg.Server.Environment,
	})

	logging.Info().
		Str("environment", cfg.Server.Environment).
		Str("db_path", cfg.Database.Path).
		Str("queue_path", cfg.Queue.Path).
		Bool("stripe", cfg.Stripe.Enabled).
		Bool("gocardless", cfg.GoCardless.Enabled).
		Bool("cron", cfg.Cron.Enabled).
		Msg("Starting Atlas Billing Core")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Server exited with error")
	}
	logging.Info().Msg("Application stopped gracefully")
}

func run(cfg *config.Config) error {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer closeLogged("database", db.Close)

	q, err := queue.Open(queue.NewConfig(&cfg.Queue))
	if err != nil {
		return err
	}
	defer closeLogged("queue", q.Close)

	bus, err := events.New(&cfg.Events)
	if err != nil {
		return err
	}
	defer closeLogged("events", bus.Close)

	ingestor := newIngestor(cfg, q, db, bus)
	processor := payments.NewProcessor(db, q, bus, cfg.Cron.BatchSize)

	worker := queue.NewWorker(q, queue.WorkerConfig{
		Concurrency:  cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		ClaimBatch:   cfg.Queue.ClaimBatch,
		Backoff:      retry.QueueFromConfig(&cfg.Queue),
	})
	paymentPolicy := retry.FromConfig(&cfg.Retry)
	worker.Handle(payments.JobKindCharge, payments.NewChargeHandler(db, provider.NewRegistryFromConfig(cfg), paymentPolicy, bus))
	worker.Handle(webhook.JobKindApply, payments.NewWebhookHandler(db, paymentPolicy, bus))

	sched, err := scheduler.New(processor, scheduler.ConfigFrom(&cfg.Cron))
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	apiService := services.NewHTTPServerService(server, server.Addr, services.HTTPServerConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		DrainDelay:      cfg.Server.DrainDelay,
	})
	router, err := newRouter(cfg, ingestor, db, processor, q, apiService.ReadinessCheck())
	if err != nil {
		return err
	}
	server.Handler = router

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return err
	}
	tree.AddDataService(services.NewStartStopService("queue-compactor", queue.NewCompactor(q)))
	tree.AddProcessingService(services.NewStartStopService("queue-worker", worker))
	tree.AddProcessingService(services.NewStartStopService("payment-scheduler", sched))
	tree.AddAPIService(apiService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("events", bus.Transport()).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for services to stop")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}
	return nil
}

// newIngestor registers a verifier for every enabled provider. The replay
// guard shares the queue's Badger instance; account lookups go through an
// LRU in front of DuckDB.
func newIngestor(cfg *config.Config, q *queue.Queue, db *database.DB, bus *events.Bus) *webhook.Ingestor {
	replay := webhook.NewReplayGuard(q.DB(), cfg.Webhook.ReplayWindow)
	limiter := webhook.NewTenantLimiter(cfg.Webhook.OrgRate, cfg.Webhook.OrgBurst, cfg.Webhook.IdleEviction)

	resolver := webhook.NewCachedResolver(db, cfg.Webhook.OrgCacheSize, cfg.Webhook.OrgCacheTTL)

	ing := webhook.NewIngestor(q, replay, limiter, resolver, bus, cfg.Webhook.MaxBodyBytes)
	if cfg.Stripe.Enabled {
		ing.Register(models.ProviderStripe, webhook.NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance))
	}
	if cfg.GoCardless.Enabled {
		ing.Register(models.ProviderGoCardless, webhook.NewGoCardlessVerifier(cfg.GoCardless.WebhookSecret))
	}
	return ing
}

func newRouter(cfg *config.Config, ing *webhook.Ingestor, db *database.DB, processor *payments.Processor, q *queue.Queue, serving api.HealthCheck) (http.Handler, error) {
	enforcer, err := authz.NewEnforcer(cfg.Security.PolicyPath)
	if err != nil {
		return nil, err
	}

	deps := api.Deps{
		Config:     cfg,
		Ingestor:   ing,
		Store:      db,
		Payments:   processor,
		Queue:      q,
		Authorizer: enforcer,
		Readiness: map[string]api.HealthCheck{
			"database": db.Ping,
			"queue":    q.Ping,
			"shutdown": serving,
		},
	}

	// Without a JWT secret the admin API stays mounted but answers 401.
	tokens, err := auth.NewJWTManager(&cfg.Security)
	switch {
	case errors.Is(err, auth.ErrNoSecret):
		logging.Warn().Msg("security.jwt_secret is empty, admin API disabled")
	case err != nil:
		return nil, err
	default:
		deps.Tokens = tokens
	}

	return api.NewHandler(deps).Router(), nil
}

func closeLogged(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logging.Error().Err(err).Str("resource", name).Msg("Failed to close")
	}
}

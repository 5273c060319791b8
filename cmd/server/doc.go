// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

/*
Package main is the entry point for the Atlas Billing Core server.

The server accepts Stripe and GoCardless webhooks, charges due payments
through a durable Badger-backed job queue and retries soft declines on a
backoff schedule. Payments, attempts and webhook events live in DuckDB.

# Application Architecture

	RootSupervisor ("atlas-billing")
	├── DataSupervisor ("data-layer")
	│   └── queue-compactor (expired idempotency keys, value-log GC)
	├── ProcessingSupervisor ("processing-layer")
	│   ├── queue-worker (payment.charge, webhook.apply)
	│   └── payment-scheduler (robfig/cron, cron.enabled)
	└── APISupervisor ("api-layer")
	    └── http-server (chi router)

Component initialization order:

 1. Configuration: koanf v2 with defaults, optional config.yaml and environment
 2. Logging: zerolog with JSON/console output
 3. Database: DuckDB
 4. Queue: BadgerDB; the webhook replay guard shares its instance
 5. Events: Watermill over gochannel, or NATS JetStream when events.nats_url is set
    or events.embedded starts a local server; the BILLING_EVENTS stream is
    created or updated before publishing
 6. Webhook ingestor, payment processor, worker handlers
 7. Authorization (Casbin) and JWT validation
 8. Supervisor tree; SIGINT/SIGTERM trigger graceful shutdown

# Configuration

Common environment variables:

	SERVER_PORT              HTTP port (default 8080)
	DATABASE_PATH            DuckDB file, empty for in-memory
	QUEUE_PATH               Badger directory
	STRIPE_ENABLED           enable Stripe charging and webhooks
	STRIPE_WEBHOOK_SECRET    whsec_... signing secret
	GOCARDLESS_ENABLED       enable GoCardless
	GOCARDLESS_WEBHOOK_SECRET
	CRON_ENABLED             run process-payments in process
	CRON_SCHEDULE            cron expression (default every 15 minutes)
	CRON_SECRET              bearer secret for POST /api/cron/process-payments
	SECURITY_JWT_SECRET      HS256 secret for admin API tokens
	EVENTS_NATS_URL          publish lifecycle events to NATS JetStream
	EVENTS_EMBEDDED          run an embedded NATS server (EVENTS_STORE_DIR)
	SERVER_DRAIN_DELAY       keep listening this long after readiness fails
	LOGGING_LEVEL            trace, debug, info, warn, error

See internal/config for the full list.
*/
package main

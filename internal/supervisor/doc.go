// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

/*
Package supervisor runs the long-lived services of the billing server under a
suture v4 tree.

	root ("atlas-billing")
	├── data ("data-layer")
	│   └── queue-compactor
	├── processing ("processing-layer")
	│   ├── queue-worker
	│   └── payment-scheduler
	└── api ("api-layer")
	    └── http-server

A service that keeps failing is restarted with backoff inside its own layer,
so a crashing worker does not take the HTTP server down with it. Supervisor
events are logged through sutureslog into the zerolog stream.

Cancel the context passed to Serve to shut down. Each layer gives its
services ShutdownTimeout to return; the HTTP server drains in-flight requests
within that time.
*/
package supervisor

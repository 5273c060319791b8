// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package services adapts the server's components to suture.Service.
//
// Components with a Start/Stop lifecycle (queue worker, compactor, payment
// scheduler) are wrapped by StartStopService; the HTTP server by
// HTTPServerService. Serve blocks until its context is cancelled and then
// stops the component.
package services

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

/*
Package api is the HTTP surface of the billing service.

Routes:

	POST /webhooks/stripe                                         signature
	POST /webhooks/gocardless                                     signature
	POST /api/cron/process-payments                               Bearer cron secret
	GET  /api/v1/organizations/{orgID}/payments                   payments:read
	GET  /api/v1/organizations/{orgID}/payments/{paymentID}       payments:read
	POST /api/v1/organizations/{orgID}/payments/{paymentID}/cancel payments:write
	GET  /api/v1/organizations/{orgID}/webhooks                   webhooks:read
	GET  /api/v1/admin/queue/dead                                 queue:read
	POST /api/v1/admin/queue/dead/{jobID}/requeue                 queue:write
	GET  /api/v1/health/live, /api/v1/health/ready
	GET  /metrics

Organization routes require a JWT whose app_metadata.organization_id equals
the {orgID} path segment. The role check uses app_metadata.org_role against
the Casbin policy in internal/authz.

Every JSON response uses the models.APIResponse envelope:

	{"success": false, "error": {"code": "FORBIDDEN", "message": "...", "request_id": "..."},
	 "meta": {"timestamp": "...", "duration_ms": 0}}

Webhook endpoints answer 200 for accepted and duplicate deliveries, 401 for
signature failures, 413 for oversized bodies and 429 with Retry-After when the
organization's bucket is empty. Anything else the provider should retry is a
500.
*/
package api

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package authz decides what an organization role may do, using Casbin RBAC.
//
// The model and policy are embedded in the binary:
//
//	[matchers]
//	m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
//
// Roles form a chain, owner > admin > staff, and each inherits the
// permissions of the one below it:
//
//	staff  payments:read
//	admin  payments:write, webhooks:read
//	owner  queue:read, queue:write
//
// The subject passed to Enforce is the org_role claim of the caller's JWT.
// An unknown role, including the empty string, has no permissions.
//
// A policy file on disk can replace the embedded one (security.policy_path),
// which is how operators grant extra rights without a rebuild.
package authz

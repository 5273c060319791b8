// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package authz

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Organization roles, lowest first.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// Objects.
const (
	ObjectPayments = "payments"
	ObjectQueue    = "queue"
	ObjectWebhooks = "webhooks"
)

// Actions.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Permission is an object/action pair checked by Enforce.
type Permission struct {
	Object string
	Action string
}

func (p Permission) String() string {
	return p.Object + ":" + p.Action
}

// Permissions used by the HTTP API.
var (
	PaymentsRead  = Permission{Object: ObjectPayments, Action: ActionRead}
	PaymentsWrite = Permission{Object: ObjectPayments, Action: ActionWrite}
	WebhooksRead  = Permission{Object: ObjectWebhooks, Action: ActionRead}
	QueueRead     = Permission{Object: ObjectQueue, Action: ActionRead}
	QueueWrite    = Permission{Object: ObjectQueue, Action: ActionWrite}
)

// Enforcer wraps a Casbin enforcer loaded with the role policy.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer builds an enforcer from the embedded model. An existing file at
// policyPath replaces the embedded policy.
func NewEnforcer(policyPath string) (*Enforcer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if policyPath != "" && fileExists(policyPath) {
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadEmbeddedPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	return &Enforcer{enforcer: enforcer}, nil
}

// loadEmbeddedPolicy parses p and g lines of a policy CSV.
func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		rule := parts[1:]

		switch parts[0] {
		case "p":
			if len(rule) < 3 {
				return fmt.Errorf("malformed policy line %q", line)
			}
			if _, err := enforcer.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
				return fmt.Errorf("failed to add policy %v: %w", rule, err)
			}
		case "g":
			if len(rule) < 2 {
				return fmt.Errorf("malformed grouping line %q", line)
			}
			if _, err := enforcer.AddGroupingPolicy(rule[0], rule[1]); err != nil {
				return fmt.Errorf("failed to add grouping policy %v: %w", rule, err)
			}
		}
	}
	return nil
}

// Enforce reports whether role may perform action on object.
func (e *Enforcer) Enforce(role, object, action string) (bool, error) {
	if role == "" {
		return false, nil
	}
	allowed, err := e.enforcer.Enforce(role, object, action)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	return allowed, nil
}

// Can is Enforce for a Permission. Enforcement errors deny and are logged.
func (e *Enforcer) Can(role string, p Permission) bool {
	allowed, err := e.Enforce(role, p.Object, p.Action)
	if err != nil {
		logging.Error().Err(err).
			Str("role", role).
			Str("permission", p.String()).
			Msg("Authorization check failed")
	}
	metrics.RecordAuthzDecision(p.Object, p.Action, allowed)
	return allowed
}

// ImpliedRoles returns role plus every role it inherits.
func (e *Enforcer) ImpliedRoles(role string) []string {
	//nolint:errcheck // only fails when the role manager is missing
	inherited, _ := e.enforcer.GetImplicitRolesForUser(role)
	return append([]string{role}, inherited...)
}

// Policy returns the loaded p rules.
func (e *Enforcer) Policy() [][]string {
	//nolint:errcheck // GetPolicy only fails if enforcer is nil, which is a programming error
	policies, _ := e.enforcer.GetPolicy()
	return policies
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

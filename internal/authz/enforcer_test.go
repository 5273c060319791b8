// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package authz

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnforcer_EmbeddedPolicy(t *testing.T) {
	e, err := NewEnforcer("")
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}

	tests := []struct {
		role string
		perm Permission
		want bool
	}{
		{RoleStaff, PaymentsRead, true},
		{RoleStaff, PaymentsWrite, false},
		{RoleStaff, WebhooksRead, false},
		{RoleStaff, QueueRead, false},
		{RoleAdmin, PaymentsRead, true},
		{RoleAdmin, PaymentsWrite, true},
		{RoleAdmin, WebhooksRead, true},
		{RoleAdmin, QueueRead, false},
		{RoleAdmin, QueueWrite, false},
		{RoleOwner, PaymentsRead, true},
		{RoleOwner, PaymentsWrite, true},
		{RoleOwner, WebhooksRead, true},
		{RoleOwner, QueueRead, true},
		{RoleOwner, QueueWrite, true},
		{"", PaymentsRead, false},
		{"member", PaymentsRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.perm.String(), func(t *testing.T) {
			if got := e.Can(tt.role, tt.perm); got != tt.want {
				t.Errorf("Can(%q, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestEnforcer_ImpliedRoles(t *testing.T) {
	e, err := NewEnforcer("")
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}

	roles := e.ImpliedRoles(RoleOwner)
	want := map[string]bool{RoleOwner: false, RoleAdmin: false, RoleStaff: false}
	for _, r := range roles {
		if _, ok := want[r]; ok {
			want[r] = true
		}
	}
	for r, seen := range want {
		if !seen {
			t.Errorf("ImpliedRoles(owner) = %v, missing %s", roles, r)
		}
	}
}

func TestEnforcer_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.csv")
	policy := "p, staff, payments, read\np, staff, webhooks, read\n"
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatal(err)
	}

	e, err := NewEnforcer(path)
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	if !e.Can(RoleStaff, WebhooksRead) {
		t.Error("policy file grant not applied")
	}
	if e.Can(RoleAdmin, PaymentsRead) {
		t.Error("policy file without g rules should not grant admin")
	}
	if len(e.Policy()) != 2 {
		t.Errorf("Policy() = %v", e.Policy())
	}
}

func TestEnforcer_MissingPolicyFileFallsBack(t *testing.T) {
	e, err := NewEnforcer(filepath.Join(t.TempDir(), "absent.csv"))
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	if !e.Can(RoleOwner, QueueWrite) {
		t.Error("embedded policy not loaded")
	}
}

func TestLoadEmbeddedPolicy_Malformed(t *testing.T) {
	e, err := NewEnforcer("")
	if err != nil {
		t.Fatal(err)
	}
	if err := loadEmbeddedPolicy(e.enforcer, "p, staff\n"); err == nil {
		t.Error("expected error for short p line")
	}
}

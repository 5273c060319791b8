// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

// testDBSemaphore keeps a single DuckDB instance alive at a time; concurrent
// CGO connections from parallel tests are slow and flaky under CI load.
var testDBSemaphore = make(chan struct{}, 1)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	db, err := New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "512MB", Threads: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedOrg(t *testing.T, db *DB, id string, active bool) *models.Organization {
	t.Helper()
	org := &models.Organization{ID: id, Name: "Gym " + id, Slug: id, Active: active, StripeAccountID: "acct_" + id}
	if err := db.UpsertOrganization(context.Background(), org); err != nil {
		t.Fatalf("UpsertOrganization: %v", err)
	}
	return org
}

func seedPayment(t *testing.T, db *DB, orgID string, due time.Time) *models.Payment {
	t.Helper()
	p := &models.Payment{
		OrganizationID:    orgID,
		CustomerID:        "cust-1",
		Provider:          models.ProviderStripe,
		AmountMinor:       4500,
		Currency:          "gbp",
		ProviderMethodRef: "pm_card",
		DueAt:             due,
	}
	if err := db.InsertPayment(context.Background(), p); err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}
	return p
}

func TestOrganizations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	seedOrg(t, db, "org-a", true)
	seedOrg(t, db, "org-b", false)

	got, err := db.GetOrganization(ctx, "org-a")
	if err != nil {
		t.Fatalf("GetOrganization: %v", err)
	}
	if got.Name != "Gym org-a" || !got.Active {
		t.Errorf("unexpected org: %+v", got)
	}

	// Upsert updates in place.
	got.Name = "Renamed"
	if err := db.UpsertOrganization(ctx, got); err != nil {
		t.Fatalf("UpsertOrganization update: %v", err)
	}
	again, _ := db.GetOrganization(ctx, "org-a")
	if again.Name != "Renamed" {
		t.Errorf("name = %q, want Renamed", again.Name)
	}

	active, err := db.ListActiveOrganizations(ctx)
	if err != nil {
		t.Fatalf("ListActiveOrganizations: %v", err)
	}
	if len(active) != 1 || active[0].ID != "org-a" {
		t.Errorf("active = %+v", active)
	}

	byAcct, err := db.FindOrganizationByProviderAccount(ctx, models.ProviderStripe, "acct_org-b")
	if err != nil || byAcct.ID != "org-b" {
		t.Errorf("FindOrganizationByProviderAccount = %+v, %v", byAcct, err)
	}

	if _, err := db.GetOrganization(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertAndGetPayment(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedOrg(t, db, "org-a", true)

	due := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	p := seedPayment(t, db, "org-a", due)
	if p.ID == "" || p.Status != models.PaymentPending {
		t.Fatalf("defaults not applied: %+v", p)
	}

	got, err := db.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if got.AmountMinor != 4500 || !got.DueAt.Equal(due) || got.NextAttemptAt != nil {
		t.Errorf("unexpected payment: %+v", got)
	}

	if err := db.InsertPayment(ctx, p); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate on re-insert, got %v", err)
	}

	bad := &models.Payment{OrganizationID: "org-a", CustomerID: "c", Provider: "paypal", AmountMinor: 1}
	if err := db.InsertPayment(ctx, bad); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestListDuePayments(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedOrg(t, db, "org-a", true)
	seedOrg(t, db, "org-off", false)

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	dueOld := seedPayment(t, db, "org-a", now.Add(-48*time.Hour))
	dueNew := seedPayment(t, db, "org-a", now.Add(-time.Hour))
	seedPayment(t, db, "org-a", now.Add(time.Hour))    // not yet due
	seedPayment(t, db, "org-off", now.Add(-time.Hour)) // inactive tenant

	retry := seedPayment(t, db, "org-a", now.Add(-72*time.Hour))
	move := func(id string, next time.Time) {
		if _, err := db.UpdatePaymentStatus(ctx, id, models.PaymentPending, models.PaymentProcessing, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := db.UpdatePaymentStatus(ctx, id, models.PaymentProcessing, models.PaymentRetryScheduled,
			func(p *models.Payment) { p.NextAttemptAt = &next; p.Attempts = 1 }); err != nil {
			t.Fatal(err)
		}
	}
	move(retry.ID, now.Add(-30*time.Minute))

	later := seedPayment(t, db, "org-a", now.Add(-72*time.Hour))
	move(later.ID, now.Add(24*time.Hour))

	due, err := db.ListDuePayments(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDuePayments: %v", err)
	}
	wantOrder := []string{dueOld.ID, dueNew.ID, retry.ID}
	if len(due) != len(wantOrder) {
		t.Fatalf("got %d due payments, want %d", len(due), len(wantOrder))
	}
	for i, id := range wantOrder {
		if due[i].ID != id {
			t.Errorf("due[%d] = %s, want %s", i, due[i].ID, id)
		}
	}

	// Keyset paging walks the same set in batches.
	var (
		cursor DueCursor
		seen   []string
	)
	for {
		batch, err := db.ListDuePaymentsAfter(ctx, now, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			seen = append(seen, batch[i].ID)
			cursor = cursor.Next(&batch[i])
		}
	}
	if len(seen) != 3 || seen[2] != retry.ID {
		t.Errorf("paged = %v", seen)
	}
}

func TestDueCursor_Next(t *testing.T) {
	due := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	next := due.Add(2 * time.Hour)

	tests := []struct {
		name string
		p    models.Payment
		want time.Time
	}{
		{"pending uses due_at", models.Payment{ID: "a", Status: models.PaymentPending, DueAt: due}, due},
		{"retry uses next_attempt_at", models.Payment{ID: "b", Status: models.PaymentRetryScheduled, DueAt: due, NextAttemptAt: &next}, next},
		{"pending with next_attempt_at", models.Payment{ID: "c", Status: models.PaymentPending, DueAt: due, NextAttemptAt: &next}, next},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DueCursor{}.Next(&tt.p)
			if !got.At.Equal(tt.want) || got.ID != tt.p.ID {
				t.Errorf("Next = %+v, want {%v %s}", got, tt.want, tt.p.ID)
			}
		})
	}
}

func TestListDuePaymentsAfter_PendingWithNextAttempt(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedOrg(t, db, "org-a", true)

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	next := now.Add(-time.Hour)

	// Sorted by COALESCE(next_attempt_at, due_at): b (-2h), c (-90m), a (-1h).
	a := &models.Payment{
		OrganizationID:    "org-a",
		CustomerID:        "cust-1",
		Provider:          models.ProviderStripe,
		AmountMinor:       4500,
		Currency:          "gbp",
		ProviderMethodRef: "pm_card",
		DueAt:             now.Add(-3 * time.Hour),
		NextAttemptAt:     &next,
	}
	if err := db.InsertPayment(ctx, a); err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}
	b := seedPayment(t, db, "org-a", now.Add(-2*time.Hour))
	c := seedPayment(t, db, "org-a", now.Add(-90*time.Minute))

	var (
		cursor DueCursor
		seen   []string
	)
	for i := 0; i < 10; i++ {
		batch, err := db.ListDuePaymentsAfter(ctx, now, cursor, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			break
		}
		seen = append(seen, batch[0].ID)
		cursor = cursor.Next(&batch[0])
	}

	want := []string{b.ID, c.ID, a.ID}
	if len(seen) != len(want) {
		t.Fatalf("paged = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("paged[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestUpdatePaymentStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedOrg(t, db, "org-a", true)
	p := seedPayment(t, db, "org-a", time.Now())

	updated, err := db.UpdatePaymentStatus(ctx, p.ID, models.PaymentPending, models.PaymentProcessing, func(p *models.Payment) {
		p.ProviderPaymentRef = "pi_123"
	})
	if err != nil {
		t.Fatalf("UpdatePaymentStatus: %v", err)
	}
	if updated.Status != models.PaymentProcessing || updated.ProviderPaymentRef != "pi_123" {
		t.Errorf("unexpected update result: %+v", updated)
	}

	// Stale expected status.
	if _, err := db.UpdatePaymentStatus(ctx, p.ID, models.PaymentPending, models.PaymentProcessing, nil); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}

	// Forbidden transition.
	if _, err := db.UpdatePaymentStatus(ctx, p.ID, models.PaymentSucceeded, models.PaymentProcessing, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	// Same-status update only touches fields.
	if _, err := db.UpdatePaymentStatus(ctx, p.ID, models.PaymentProcessing, models.PaymentProcessing, func(p *models.Payment) {
		p.LastError = "awaiting confirmation"
	}); err != nil {
		t.Fatalf("field update: %v", err)
	}

	byRef, err := db.GetPaymentByProviderRef(ctx, models.ProviderStripe, "pi_123")
	if err != nil || byRef.ID != p.ID || byRef.LastError != "awaiting confirmation" {
		t.Errorf("GetPaymentByProviderRef = %+v, %v", byRef, err)
	}

	if _, err := db.UpdatePaymentStatus(ctx, "missing", models.PaymentPending, models.PaymentProcessing, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePaymentStatus_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedOrg(t, db, "org-a", true)
	p := seedPayment(t, db, "org-a", time.Now())

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.UpdatePaymentStatus(ctx, p.ID, models.PaymentPending, models.PaymentProcessing, nil)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrStatusConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}

func TestListPaymentsByOrganization(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedOrg(t, db, "org-a", true)
	seedOrg(t, db, "org-b", true)

	for i := 0; i < 5; i++ {
		seedPayment(t, db, "org-a", time.Now())
	}
	seedPayment(t, db, "org-b", time.Now())
	first, _, _ := db.ListPaymentsByOrganization(ctx, "org-a", "", 1, 0)
	if _, err := db.UpdatePaymentStatus(ctx, first[0].ID, models.PaymentPending, models.PaymentCancelled, nil); err != nil {
		t.Fatal(err)
	}

	page, total, err := db.ListPaymentsByOrganization(ctx, "org-a", "", 2, 0)
	if err != nil {
		t.Fatalf("ListPaymentsByOrganization: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Errorf("total=%d len=%d, want 5 and 2", total, len(page))
	}

	cancelled, total, err := db.ListPaymentsByOrganization(ctx, "org-a", models.PaymentCancelled, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(cancelled) != 1 || cancelled[0].ID != first[0].ID {
		t.Errorf("cancelled filter: total=%d %+v", total, cancelled)
	}
}

func TestAttempts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seedOrg(t, db, "org-a", true)
	p := seedPayment(t, db, "org-a", time.Now())

	for i, outcome := range []models.AttemptOutcome{models.AttemptSoftDecline, models.AttemptSucceeded} {
		a := &models.PaymentAttempt{PaymentID: p.ID, OrganizationID: "org-a", Number: i + 1, Outcome: outcome}
		if err := db.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	attempts, err := db.ListAttempts(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Outcome != models.AttemptSoftDecline || attempts[1].Number != 2 {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestWebhookEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := &models.WebhookEvent{
		Provider:       models.ProviderStripe,
		EventID:        "evt_1",
		EventType:      "payment_intent.succeeded",
		OrganizationID: "org-a",
		Status:         models.WebhookApplied,
		Payload:        []byte(`{"id":"evt_1"}`),
	}
	if err := db.InsertWebhookEvent(ctx, e); err != nil {
		t.Fatalf("InsertWebhookEvent: %v", err)
	}

	dup := *e
	dup.ID = ""
	if err := db.InsertWebhookEvent(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	// Same event id from another provider is distinct.
	other := &models.WebhookEvent{Provider: models.ProviderGoCardless, EventID: "evt_1", EventType: "payments.confirmed", Status: models.WebhookApplied}
	if err := db.InsertWebhookEvent(ctx, other); err != nil {
		t.Errorf("cross-provider insert: %v", err)
	}

	if err := db.UpdateWebhookEventStatus(ctx, models.ProviderStripe, "evt_1", models.WebhookStale, ""); err != nil {
		t.Fatalf("UpdateWebhookEventStatus: %v", err)
	}

	events, err := db.ListWebhookEvents(ctx, "org-a", 10)
	if err != nil {
		t.Fatalf("ListWebhookEvents: %v", err)
	}
	if len(events) != 1 || events[0].Status != models.WebhookStale || string(events[0].Payload) != `{"id":"evt_1"}` {
		t.Errorf("events = %+v", events)
	}

	if err := db.UpdateWebhookEventStatus(ctx, models.ProviderStripe, "evt_missing", models.WebhookApplied, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

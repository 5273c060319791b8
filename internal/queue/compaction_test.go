// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func completeN(t *testing.T, q *Queue, n int, prefix string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		mustEnqueue(t, q, "payment.charge", fmt.Sprintf("%s-%d", prefix, i))
	}
	jobs, err := q.Claim(ctx, "w", n)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for _, j := range jobs {
		if err := q.Complete(ctx, j.ID, "w"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
}

func TestCompactor_RemovesExpiredMarkers(t *testing.T) {
	q := setupQueue(t)
	clock := withClock(q)

	completeN(t, q, 3, "old")
	clock.Advance(2 * time.Hour)
	completeN(t, q, 2, "new")

	c := NewCompactor(q)
	if err := c.RunNow(); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	stats := c.GetStats()
	if stats.LastRemoved != 3 || stats.LastRun.IsZero() {
		t.Errorf("GetStats = %+v, want 3 removed", stats)
	}
	if s := q.Stats(); s.Done != 2 {
		t.Errorf("done markers left = %d, want 2", s.Done)
	}

	// Expired keys can be enqueued again.
	_, created, err := q.Enqueue(context.Background(), EnqueueRequest{Kind: "payment.charge", IdempotencyKey: "old-0"})
	if err != nil || !created {
		t.Errorf("Enqueue of compacted key = (%v, %v), want created", created, err)
	}
	_, created, err = q.Enqueue(context.Background(), EnqueueRequest{Kind: "payment.charge", IdempotencyKey: "new-0"})
	if err != nil || created {
		t.Errorf("Enqueue of retained key = (%v, %v), want duplicate", created, err)
	}
}

func TestCompactor_EmptyQueue(t *testing.T) {
	q := setupQueue(t)
	c := NewCompactor(q)
	if err := c.RunNow(); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if c.GetStats().LastRemoved != 0 {
		t.Error("removed markers from empty queue")
	}
}

func TestCompactor_StartStop(t *testing.T) {
	q := setupQueue(t)
	c := NewCompactor(q)

	if c.IsRunning() {
		t.Fatal("IsRunning before Start")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("IsRunning = false after Start")
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.GetStats().LastRun.IsZero() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.GetStats().LastRun.IsZero() {
		t.Error("compactor never ran")
	}

	c.Stop()
	c.Stop()
	if c.IsRunning() {
		t.Error("IsRunning after Stop")
	}
}

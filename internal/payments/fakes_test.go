// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package payments

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/events"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/provider"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Store with the same compare-and-set rules as
// the DuckDB implementation.
type fakeStore struct {
	mu       sync.Mutex
	orgs     map[string]models.Organization
	payments map[string]models.Payment
	attempts []models.PaymentAttempt
	webhooks map[string]models.WebhookEvent

	// beforeUpdate runs inside UpdatePaymentStatus before the status check.
	beforeUpdate func(id string, p *models.Payment)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orgs:     map[string]models.Organization{},
		payments: map[string]models.Payment{},
		webhooks: map[string]models.WebhookEvent{},
	}
}

func (s *fakeStore) addOrg(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[id] = models.Organization{ID: id, Name: id, Slug: id, Active: active, StripeAccountID: "acct_" + id}
}

func (s *fakeStore) addPayment(p models.Payment) *models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	if p.Provider == "" {
		p.Provider = models.ProviderStripe
	}
	if p.Currency == "" {
		p.Currency = "gbp"
	}
	if p.AmountMinor == 0 {
		p.AmountMinor = 4500
	}
	if p.ProviderMethodRef == "" {
		p.ProviderMethodRef = "pm_card"
	}
	s.payments[p.ID] = p
	return &p
}

func (s *fakeStore) payment(t *testing.T, id string) models.Payment {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		t.Fatalf("payment %s not found", id)
	}
	return p
}

func (s *fakeStore) attemptsFor(id string) []models.PaymentAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentAttempt
	for _, a := range s.attempts {
		if a.PaymentID == id {
			out = append(out, a)
		}
	}
	return out
}

func (s *fakeStore) webhook(provider models.Provider, id string) (models.WebhookEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.webhooks[string(provider)+":"+id]
	return e, ok
}

func (s *fakeStore) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &o, nil
}

func (s *fakeStore) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &p, nil
}

func (s *fakeStore) GetPaymentByProviderRef(_ context.Context, prov models.Provider, ref string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Provider == prov && p.ProviderPaymentRef == ref && ref != "" {
			return &p, nil
		}
	}
	return nil, database.ErrNotFound
}

func dueKey(p *models.Payment) time.Time {
	if p.NextAttemptAt != nil {
		return *p.NextAttemptAt
	}
	return p.DueAt
}

func (s *fakeStore) ListDuePaymentsAfter(_ context.Context, now time.Time, cursor database.DueCursor, limit int) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Payment
	for _, p := range s.payments {
		if !s.orgs[p.OrganizationID].Active || !p.Due(now) {
			continue
		}
		if cursor.ID != "" {
			k := dueKey(&p)
			if k.Before(cursor.At) || (k.Equal(cursor.At) && p.ID <= cursor.ID) {
				continue
			}
		}
		due = append(due, p)
	}
	sort.Slice(due, func(i, j int) bool {
		ki, kj := dueKey(&due[i]), dueKey(&due[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeStore) UpdatePaymentStatus(_ context.Context, id string, from, to models.PaymentStatus, mutate func(*models.Payment)) (*models.Payment, error) {
	if from != to && !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if s.beforeUpdate != nil {
		s.beforeUpdate(id, &p)
		s.payments[id] = p
	}
	if p.Status != from {
		return nil, fmt.Errorf("%w: payment %s is %s, expected %s", database.ErrStatusConflict, id, p.Status, from)
	}
	if mutate != nil {
		mutate(&p)
	}
	p.ID = id
	p.Status = to
	p.UpdatedAt = testNow
	s.payments[id] = p
	return &p, nil
}

func (s *fakeStore) RecordAttempt(_ context.Context, a *models.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *fakeStore) InsertWebhookEvent(_ context.Context, e *models.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(e.Provider) + ":" + e.EventID
	if _, ok := s.webhooks[key]; ok {
		return database.ErrDuplicate
	}
	s.webhooks[key] = *e
	return nil
}

func (s *fakeStore) UpdateWebhookEventStatus(_ context.Context, prov models.Provider, eventID string, status models.WebhookEventStatus, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(prov) + ":" + eventID
	e, ok := s.webhooks[key]
	if !ok {
		return database.ErrNotFound
	}
	e.Status = status
	if orgID != "" {
		e.OrganizationID = orgID
	}
	s.webhooks[key] = e
	return nil
}

// fakeCharger returns queued results in order.
type fakeCharger struct {
	mu       sync.Mutex
	name     models.Provider
	results  []chargeReply
	requests []provider.ChargeRequest
}

type chargeReply struct {
	result *provider.ChargeResult
	err    error
}

func (c *fakeCharger) reply(r *provider.ChargeResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, chargeReply{r, err})
}

func (c *fakeCharger) Name() models.Provider { return c.name }

func (c *fakeCharger) Charge(_ context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.results) == 0 {
		return &provider.ChargeResult{Status: provider.ChargeSucceeded, ProviderPaymentRef: "pi_default"}, nil
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r.result, r.err
}

func (c *fakeCharger) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, _ string, e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func setupQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.OpenForTesting(queue.Config{
		Path:          filepath.Join(t.TempDir(), "queue"),
		DoneRetention: time.Hour,
	})
	if err != nil {
		t.Fatalf("OpenForTesting: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// chargeJob builds the job ProcessDue would enqueue.
func chargeJob(t *testing.T, paymentID string, attempt int) *queue.Job {
	t.Helper()
	job := &queue.Job{
		ID:             "job-" + paymentID,
		Kind:           JobKindCharge,
		IdempotencyKey: ChargeKey(paymentID, attempt),
		OrganizationID: "org-1",
	}
	payload := fmt.Sprintf(`{"payment_id":%q,"attempt":%d}`, paymentID, attempt)
	job.Payload = []byte(payload)
	return job
}

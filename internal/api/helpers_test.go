// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/auth"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/authz"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/payments"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/webhook"
)

const (
	testSecret     = "test-jwt-secret-at-least-32-bytes-long"
	testCronSecret = "cron-secret"
	orgA           = "org-a"
	orgB           = "org-b"
)

type fakeIngestor struct {
	enabled map[models.Provider]bool
	readErr error
	result  *webhook.IngestResult
	err     error

	mu    sync.Mutex
	calls int
	body  []byte
}

func (f *fakeIngestor) Enabled(p models.Provider) bool { return f.enabled[p] }

func (f *fakeIngestor) ReadBody(r io.Reader) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return io.ReadAll(r)
}

func (f *fakeIngestor) Ingest(_ context.Context, p models.Provider, _ http.Header, body []byte) (*webhook.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.body = body
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &webhook.IngestResult{Provider: p, Accepted: 1}, nil
}

type fakeStore struct {
	payments map[string]*models.Payment
	attempts map[string][]models.PaymentAttempt
	events   []models.WebhookEvent
	listErr  error

	lastStatus models.PaymentStatus
	lastLimit  int
	lastOffset int
}

func (f *fakeStore) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListPaymentsByOrganization(_ context.Context, orgID string, status models.PaymentStatus, limit, offset int) ([]models.Payment, int, error) {
	f.lastStatus, f.lastLimit, f.lastOffset = status, limit, offset
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	var out []models.Payment
	for _, p := range f.payments {
		if p.OrganizationID == orgID && (status == "" || p.Status == status) {
			out = append(out, *p)
		}
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *fakeStore) ListAttempts(_ context.Context, paymentID string) ([]models.PaymentAttempt, error) {
	return f.attempts[paymentID], nil
}

func (f *fakeStore) ListWebhookEvents(_ context.Context, orgID string, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, e := range f.events {
		if e.OrganizationID == orgID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakePayments struct {
	runResult *payments.ProcessResult
	runErr    error
	cancelErr error

	mu       sync.Mutex
	triggers []string
	ctxErr   error
	canceled []string
}

func (f *fakePayments) Run(ctx context.Context, trigger string) (*payments.ProcessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	f.ctxErr = ctx.Err()
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.runResult != nil {
		return f.runResult, nil
	}
	return &payments.ProcessResult{}, nil
}

func (f *fakePayments) Cancel(_ context.Context, id string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.canceled = append(f.canceled, id)
	return &models.Payment{ID: id, OrganizationID: orgA, Status: models.PaymentCancelled}, nil
}

type fakeQueue struct {
	dead       []*queue.Job
	requeueErr error
	requeued   []string
}

func (f *fakeQueue) DeadLetters(_ context.Context, limit int) ([]*queue.Job, error) {
	if limit > 0 && len(f.dead) > limit {
		return f.dead[:limit], nil
	}
	return f.dead, nil
}

func (f *fakeQueue) Requeue(_ context.Context, id string) (*queue.Job, error) {
	if f.requeueErr != nil {
		return nil, f.requeueErr
	}
	for _, j := range f.dead {
		if j.ID == id {
			f.requeued = append(f.requeued, id)
			cp := *j
			cp.DeadAt = nil
			cp.Attempts = 0
			return &cp, nil
		}
	}
	return nil, queue.ErrJobNotFound
}

type testEnv struct {
	cfg      *config.Config
	ingestor *fakeIngestor
	store    *fakeStore
	payments *fakePayments
	queue    *fakeQueue
	tokens   *auth.JWTManager
	router   http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Security.JWTSecret = testSecret
	cfg.Security.RateLimitReqs = 10000
	cfg.Security.RateLimitWindow = time.Minute
	cfg.Cron.Secret = testCronSecret

	tokens, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	enforcer, err := authz.NewEnforcer("")
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}

	env := &testEnv{
		cfg: cfg,
		ingestor: &fakeIngestor{enabled: map[models.Provider]bool{
			models.ProviderStripe:     true,
			models.ProviderGoCardless: true,
		}},
		store: &fakeStore{
			payments: map[string]*models.Payment{},
			attempts: map[string][]models.PaymentAttempt{},
		},
		payments: &fakePayments{},
		queue:    &fakeQueue{},
		tokens:   tokens,
	}

	deps := Deps{
		Config:     cfg,
		Ingestor:   env.ingestor,
		Store:      env.store,
		Payments:   env.payments,
		Queue:      env.queue,
		Tokens:     tokens,
		Authorizer: enforcer,
	}
	for _, m := range mutate {
		m(&deps)
	}
	env.router = NewHandler(deps).Router()
	return env
}

func (e *testEnv) token(t *testing.T, orgID, role string) string {
	t.Helper()
	tok, err := e.tokens.GenerateToken("user-1", auth.AppMetadata{OrganizationID: orgID, OrgRole: role}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool             `json:"success"`
	Data    json.RawMessage  `json:"data"`
	Error   *models.APIError `json:"error"`
	Meta    models.Meta      `json:"meta"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return env
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) envelope {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	env := decode(t, rec)
	if env.Success || env.Error == nil {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q", env.Error.Code, code)
	}
	return env
}

func newRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

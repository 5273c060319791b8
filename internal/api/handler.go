// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/auth"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/authz"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/payments"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/webhook"
)

// Ingestor is the webhook pipeline.
type Ingestor interface {
	Enabled(provider models.Provider) bool
	ReadBody(r io.Reader) ([]byte, error)
	Ingest(ctx context.Context, provider models.Provider, header http.Header, body []byte) (*webhook.IngestResult, error)
}

// PaymentReader is the read side of the payment store.
type PaymentReader interface {
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	ListPaymentsByOrganization(ctx context.Context, orgID string, status models.PaymentStatus, limit, offset int) ([]models.Payment, int, error)
	ListAttempts(ctx context.Context, paymentID string) ([]models.PaymentAttempt, error)
	ListWebhookEvents(ctx context.Context, orgID string, limit int) ([]models.WebhookEvent, error)
}

// PaymentService runs state-changing payment operations.
type PaymentService interface {
	Run(ctx context.Context, trigger string) (*payments.ProcessResult, error)
	Cancel(ctx context.Context, paymentID string) (*models.Payment, error)
}

// DeadLetterQueue is the admin view of the job queue.
type DeadLetterQueue interface {
	DeadLetters(ctx context.Context, limit int) ([]*queue.Job, error)
	Requeue(ctx context.Context, jobID string) (*queue.Job, error)
}

// TokenValidator verifies access tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Authorizer answers role checks.
type Authorizer interface {
	Can(role string, p authz.Permission) bool
}

// HealthCheck reports whether a dependency can serve traffic.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of Handler. Nil Tokens or Authorizer make every
// authenticated route answer 401.
type Deps struct {
	Config     *config.Config
	Ingestor   Ingestor
	Store      PaymentReader
	Payments   PaymentService
	Queue      DeadLetterQueue
	Tokens     TokenValidator
	Authorizer Authorizer
	Readiness  map[string]HealthCheck
}

// Handler serves every route of the API.
type Handler struct {
	cfg        *config.Config
	ingestor   Ingestor
	store      PaymentReader
	payments   PaymentService
	queue      DeadLetterQueue
	tokens     TokenValidator
	authorizer Authorizer
	readiness  map[string]HealthCheck
	startTime  time.Time
}

// NewHandler creates the handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		cfg:        d.Config,
		ingestor:   d.Ingestor,
		store:      d.Store,
		payments:   d.Payments,
		queue:      d.Queue,
		tokens:     d.Tokens,
		authorizer: d.Authorizer,
		readiness:  d.Readiness,
		startTime:  time.Now(),
	}
}

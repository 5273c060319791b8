// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/auth"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/queue"
)

// DeadLetter is the API view of a dead-lettered job. Payloads stay internal.
type DeadLetter struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	IdempotencyKey string     `json:"idempotency_key"`
	OrganizationID string     `json:"organization_id,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DeadAt         *time.Time `json:"dead_at,omitempty"`
}

func toDeadLetter(j *queue.Job) DeadLetter {
	return DeadLetter{
		ID:             j.ID,
		Kind:           j.Kind,
		IdempotencyKey: j.IdempotencyKey,
		OrganizationID: j.OrganizationID,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
		DeadAt:         j.DeadAt,
	}
}

type listDeadQuery struct {
	Limit int `validate:"min=1,max=500"`
}

// ListDeadLetters returns the caller's organization's dead-lettered jobs,
// oldest first.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims, _ := auth.ClaimsFromContext(r.Context())

	limit, err := parseIntParam(r.URL.Query(), "limit", 100)
	if err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}
	query := listDeadQuery{Limit: limit}
	if !validateInto(rw, &query) {
		return
	}

	jobs, err := h.queue.DeadLetters(r.Context(), 0)
	if err != nil {
		rw.InternalError(err, "Failed to list dead letters")
		return
	}

	out := make([]DeadLetter, 0, len(jobs))
	for _, j := range jobs {
		if j.OrganizationID != claims.OrganizationID() {
			continue
		}
		out = append(out, toDeadLetter(j))
	}
	total := len(out)
	if len(out) > query.Limit {
		out = out[:query.Limit]
	}
	rw.SuccessWithTotal(out, total)
}

// RequeueDeadLetter moves a dead job back to the live queue.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	claims, _ := auth.ClaimsFromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")

	dead, err := h.queue.DeadLetters(r.Context(), 0)
	if err != nil {
		rw.InternalError(err, "Failed to list dead letters")
		return
	}
	owned := false
	for _, j := range dead {
		if j.ID == jobID && j.OrganizationID == claims.OrganizationID() {
			owned = true
			break
		}
	}
	if !owned {
		rw.NotFound("dead-lettered job not found")
		return
	}

	job, err := h.queue.Requeue(r.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		rw.NotFound("dead-lettered job not found")
		return
	}
	if err != nil {
		rw.InternalError(err, "Failed to requeue job")
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Str("user_id", claims.Subject).
		Msg("Dead-lettered job requeued")
	rw.Success(toDeadLetter(job))
}

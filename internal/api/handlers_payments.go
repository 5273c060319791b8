// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/payments"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/validation"
)

type listPaymentsQuery struct {
	Status string `validate:"omitempty,payment_status"`
	Limit  int    `validate:"min=1,max=200"`
	Offset int    `validate:"min=0"`
}

type listWebhooksQuery struct {
	Limit int `validate:"min=1,max=200"`
}

// ListPayments returns one page of an organization's payments, newest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	orgID := chi.URLParam(r, "orgID")

	q := r.URL.Query()
	limit, err := parseIntParam(q, "limit", 50)
	if err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}
	offset, err := parseIntParam(q, "offset", 0)
	if err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}
	query := listPaymentsQuery{Status: q.Get("status"), Limit: limit, Offset: offset}
	if !validateInto(rw, &query) {
		return
	}

	list, total, err := h.store.ListPaymentsByOrganization(r.Context(), orgID, models.PaymentStatus(query.Status), query.Limit, query.Offset)
	if err != nil {
		rw.InternalError(err, "Failed to list payments")
		return
	}
	if list == nil {
		list = []models.Payment{}
	}
	rw.SuccessWithTotal(list, total)
}

// GetPayment returns a payment with its attempt history.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	p, ok := h.loadTenantPayment(rw, r)
	if !ok {
		return
	}

	attempts, err := h.store.ListAttempts(r.Context(), p.ID)
	if err != nil {
		rw.InternalError(err, "Failed to list payment attempts")
		return
	}
	if attempts == nil {
		attempts = []models.PaymentAttempt{}
	}
	rw.Success(models.PaymentDetail{Payment: p, Attempts: attempts})
}

// CancelPayment stops any further charge attempts for a payment.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	p, ok := h.loadTenantPayment(rw, r)
	if !ok {
		return
	}

	cancelled, err := h.payments.Cancel(r.Context(), p.ID)
	switch {
	case errors.Is(err, payments.ErrAlreadyTerminal):
		rw.Conflict("payment is in a terminal state and can no longer be cancelled")
		return
	case errors.Is(err, database.ErrStatusConflict):
		rw.Conflict("payment changed while cancelling, retry")
		return
	case errors.Is(err, database.ErrNotFound):
		rw.NotFound("payment not found")
		return
	case err != nil:
		rw.InternalError(err, "Failed to cancel payment")
		return
	}

	rw.Success(cancelled)
}

// ListWebhookEvents returns the organization's most recent webhook events.
func (h *Handler) ListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	orgID := chi.URLParam(r, "orgID")

	limit, err := parseIntParam(r.URL.Query(), "limit", 50)
	if err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}
	query := listWebhooksQuery{Limit: limit}
	if !validateInto(rw, &query) {
		return
	}

	list, err := h.store.ListWebhookEvents(r.Context(), orgID, query.Limit)
	if err != nil {
		rw.InternalError(err, "Failed to list webhook events")
		return
	}
	if list == nil {
		list = []models.WebhookEvent{}
	}
	rw.Success(list)
}

// loadTenantPayment fetches {paymentID} and hides payments of other
// organizations behind a 404.
func (h *Handler) loadTenantPayment(rw *ResponseWriter, r *http.Request) (*models.Payment, bool) {
	orgID := chi.URLParam(r, "orgID")
	paymentID := chi.URLParam(r, "paymentID")

	p, err := h.store.GetPayment(r.Context(), paymentID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && p.OrganizationID != orgID) {
		rw.NotFound("payment not found")
		return nil, false
	}
	if err != nil {
		rw.InternalError(err, "Failed to load payment")
		return nil, false
	}
	return p, true
}

func validateInto(rw *ResponseWriter, s interface{}) bool {
	err := validation.ValidateStruct(s)
	if err == nil {
		return true
	}
	var verrs *validation.Errors
	if errors.As(err, &verrs) {
		rw.ValidationError(verrs.Error(), verrs.Details())
		return false
	}
	rw.ValidationError(err.Error(), nil)
	return false
}

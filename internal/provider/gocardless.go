// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

// GoCardlessClient creates Direct Debit payments against mandates. Payments
// are collected days later, so every accepted charge is pending until the
// confirmed or failed webhook arrives.
type GoCardlessClient struct {
	baseURL     string
	accessToken string
	version     string
	httpClient  *http.Client
}

var _ Charger = (*GoCardlessClient)(nil)

// NewGoCardlessClient creates a client for the GoCardless Pro API.
func NewGoCardlessClient(cfg *config.GoCardlessConfig) *GoCardlessClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	version := cfg.Version
	if version == "" {
		version = "2015-07-06"
	}
	return &GoCardlessClient{
		baseURL:     strings.TrimSuffix(cfg.APIBaseURL, "/"),
		accessToken: cfg.AccessToken,
		version:     version,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Name implements Charger.
func (c *GoCardlessClient) Name() models.Provider { return models.ProviderGoCardless }

type gcPaymentRequest struct {
	Payments gcPaymentCreate `json:"payments"`
}

type gcPaymentCreate struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Links       gcMandateLink     `json:"links"`
	Metadata    map[string]string `json:"metadata"`
}

type gcMandateLink struct {
	Mandate string `json:"mandate"`
}

type gcPaymentResponse struct {
	Payments struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payments"`
}

type gcErrorBody struct {
	Error struct {
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
		Errors    []struct {
			Reason  string `json:"reason"`
			Field   string `json:"field"`
			Message string `json:"message"`
			Links   struct {
				ConflictingResourceID string `json:"conflicting_resource_id"`
			} `json:"links"`
		} `json:"errors"`
	} `json:"error"`
}

// Charge creates a payment on the organization's mandate.
func (c *GoCardlessClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&gcPaymentRequest{Payments: gcPaymentCreate{
		Amount:      req.AmountMinor,
		Currency:    strings.ToUpper(req.Currency),
		Description: req.Description,
		Links:       gcMandateLink{Mandate: req.MethodRef},
		Metadata: map[string]string{
			"payment_id":      req.PaymentID,
			"organization_id": req.OrganizationID,
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal gocardless payment: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("GoCardless-Version", c.version)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gocardless request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gocardless response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var pr gcPaymentResponse
		if err := json.Unmarshal(body, &pr); err != nil {
			return nil, fmt.Errorf("decode gocardless payment: %w", err)
		}
		return &ChargeResult{Status: ChargePending, ProviderPaymentRef: pr.Payments.ID, RawStatus: pr.Payments.Status}, nil
	}

	var eb gcErrorBody
	_ = json.Unmarshal(body, &eb)
	e := eb.Error

	reason := e.Type
	for _, sub := range e.Errors {
		if sub.Reason == "idempotent_creation_conflict" && sub.Links.ConflictingResourceID != "" {
			// The payment was created by an earlier request with this key.
			return &ChargeResult{Status: ChargePending, ProviderPaymentRef: sub.Links.ConflictingResourceID,
				RawStatus: "idempotent_creation_conflict"}, nil
		}
		if sub.Reason != "" && reason == e.Type {
			reason = sub.Reason
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusBadRequest && e.Type == "validation_failed",
		resp.StatusCode == http.StatusConflict && e.Type == "invalid_state":
		de := NewDecline(reason, e.Message)
		if reason == "mandate_is_inactive" {
			de.Hard = true
		}
		return nil, de
	}

	return nil, &APIError{
		Provider:   models.ProviderGoCardless,
		StatusCode: resp.StatusCode,
		Type:       e.Type,
		Code:       reason,
		Message:    e.Message,
		RequestID:  e.RequestID,
	}
}

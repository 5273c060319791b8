// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

// StripeClient creates off-session PaymentIntents.
type StripeClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

var _ Charger = (*StripeClient)(nil)

// NewStripeClient creates a client for the Stripe REST API.
func NewStripeClient(cfg *config.StripeConfig) *StripeClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StripeClient{
		baseURL:    strings.TrimSuffix(cfg.APIBaseURL, "/"),
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Charger.
func (c *StripeClient) Name() models.Provider { return models.ProviderStripe }

type stripePaymentError struct {
	Type          string `json:"type"`
	Code          string `json:"code"`
	DeclineCode   string `json:"decline_code"`
	Message       string `json:"message"`
	PaymentIntent *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payment_intent"`
}

type stripePaymentIntent struct {
	ID               string              `json:"id"`
	Status           string              `json:"status"`
	LastPaymentError *stripePaymentError `json:"last_payment_error"`
}

type stripeErrorBody struct {
	Error stripePaymentError `json:"error"`
}

// Charge confirms a PaymentIntent against the stored payment method.
func (c *StripeClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("payment_method", req.MethodRef)
	form.Set("confirm", "true")
	form.Set("off_session", "true")
	form.Set("metadata[payment_id]", req.PaymentID)
	form.Set("metadata[organization_id]", req.OrganizationID)
	if req.CustomerRef != "" {
		form.Set("customer", req.CustomerRef)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if req.ConnectedAccount != "" {
		httpReq.Header.Set("Stripe-Account", req.ConnectedAccount)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read stripe response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var pi stripePaymentIntent
		if err := json.Unmarshal(body, &pi); err != nil {
			return nil, fmt.Errorf("decode stripe payment intent: %w", err)
		}
		return stripeIntentResult(&pi)
	}

	var eb stripeErrorBody
	_ = json.Unmarshal(body, &eb)
	e := eb.Error

	if resp.StatusCode == http.StatusPaymentRequired {
		code := e.DeclineCode
		if code == "" {
			code = e.Code
		}
		if code == "" {
			code = "card_declined"
		}
		de := NewDecline(code, e.Message)
		if e.PaymentIntent != nil {
			de.ProviderPaymentRef = e.PaymentIntent.ID
		}
		return nil, de
	}

	return nil, &APIError{
		Provider:   models.ProviderStripe,
		StatusCode: resp.StatusCode,
		Type:       e.Type,
		Code:       e.Code,
		Message:    e.Message,
		RequestID:  resp.Header.Get("Request-Id"),
	}
}

func stripeIntentResult(pi *stripePaymentIntent) (*ChargeResult, error) {
	switch pi.Status {
	case "succeeded":
		return &ChargeResult{Status: ChargeSucceeded, ProviderPaymentRef: pi.ID, RawStatus: pi.Status}, nil
	case "processing":
		return &ChargeResult{Status: ChargePending, ProviderPaymentRef: pi.ID, RawStatus: pi.Status}, nil
	case "requires_action":
		// Off-session charges cannot complete 3DS without the member.
		return nil, &DeclineError{Code: "authentication_required", ProviderPaymentRef: pi.ID,
			Message: "payment requires customer authentication"}
	case "canceled":
		return nil, &DeclineError{Code: "canceled", Hard: true, ProviderPaymentRef: pi.ID,
			Message: "payment intent was canceled"}
	default:
		code, msg := pi.Status, ""
		if pi.LastPaymentError != nil {
			msg = pi.LastPaymentError.Message
			if pi.LastPaymentError.DeclineCode != "" {
				code = pi.LastPaymentError.DeclineCode
			} else if pi.LastPaymentError.Code != "" {
				code = pi.LastPaymentError.Code
			}
		}
		de := NewDecline(code, msg)
		de.ProviderPaymentRef = pi.ID
		return nil, de
	}
}

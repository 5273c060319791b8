// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package models

import "time"

// APIResponse is the envelope returned by every JSON endpoint.
//
//	{"success": true, "data": {...}, "meta": {"timestamp": "...", "duration_ms": 3}}
//	{"success": false, "error": {"code": "NOT_FOUND", "message": "payment not found", "request_id": "..."}}
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    Meta        `json:"meta"`
}

// Meta carries response timing.
type Meta struct {
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
	Total      *int      `json:"total,omitempty"`
}

// APIError is a machine-readable error.
//
// Codes: VALIDATION_ERROR, UNAUTHORIZED, FORBIDDEN, NOT_FOUND, CONFLICT,
// PAYLOAD_TOO_LARGE, RATE_LIMIT_EXCEEDED, SIGNATURE_INVALID, INTERNAL_ERROR.
type APIError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PaymentDetail is a payment with its attempt history.
type PaymentDetail struct {
	Payment  *Payment         `json:"payment"`
	Attempts []PaymentAttempt `json:"attempts"`
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

// RecordAttempt appends a charge attempt.
func (db *DB) RecordAttempt(ctx context.Context, a *models.PaymentAttempt) (err error) {
	defer db.observe("INSERT", "payment_attempts", time.Now(), &err)

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = db.now()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = a.FinishedAt
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO payment_attempts (id, payment_id, organization_id, number, outcome, error_code,
			error_message, provider_payment_ref, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PaymentID, a.OrganizationID, a.Number, string(a.Outcome), a.ErrorCode,
		a.ErrorMessage, a.ProviderPaymentRef, a.StartedAt.UTC(), a.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record attempt for payment %s: %w", a.PaymentID, err)
	}
	return nil
}

// ListAttempts returns a payment's attempts in order.
func (db *DB) ListAttempts(ctx context.Context, paymentID string) (out []models.PaymentAttempt, err error) {
	defer db.observe("SELECT", "payment_attempts", time.Now(), &err)

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, payment_id, organization_id, number, outcome, error_code, error_message,
			provider_payment_ref, started_at, finished_at
		FROM payment_attempts WHERE payment_id = ? ORDER BY number, started_at`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer closeQuietly(rows)

	for rows.Next() {
		var a models.PaymentAttempt
		var outcome string
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.OrganizationID, &a.Number, &outcome, &a.ErrorCode,
			&a.ErrorMessage, &a.ProviderPaymentRef, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Outcome = models.AttemptOutcome(outcome)
		a.StartedAt = a.StartedAt.UTC()
		a.FinishedAt = a.FinishedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

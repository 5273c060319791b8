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

// InsertWebhookEvent stores the audit row for a provider event. A second
// insert for the same (provider, event_id) returns ErrDuplicate.
func (db *DB) InsertWebhookEvent(ctx context.Context, e *models.WebhookEvent) (err error) {
	defer db.observe("INSERT", "webhook_events", time.Now(), &err)

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = db.now()
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, event_type, organization_id, payment_ref,
			received_at, status, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		e.ID, string(e.Provider), e.EventID, e.EventType, e.OrganizationID, e.PaymentRef,
		e.ReceivedAt.UTC(), string(e.Status), string(e.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert webhook event %s: %w", e.EventID, err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		return ErrDuplicate
	}
	return nil
}

// UpdateWebhookEventStatus records what the apply step decided.
func (db *DB) UpdateWebhookEventStatus(ctx context.Context, provider models.Provider, eventID string, status models.WebhookEventStatus, orgID string) (err error) {
	defer db.observe("UPDATE", "webhook_events", time.Now(), &err)

	res, err := db.conn.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = ?, organization_id = CASE WHEN ? <> '' THEN ? ELSE organization_id END
		WHERE provider = ? AND event_id = ?`,
		string(status), orgID, orgID, string(provider), eventID)
	if err != nil {
		return fmt.Errorf("failed to update webhook event %s: %w", eventID, err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebhookEvents returns a tenant's most recent events.
func (db *DB) ListWebhookEvents(ctx context.Context, orgID string, limit int) (out []models.WebhookEvent, err error) {
	defer db.observe("SELECT", "webhook_events", time.Now(), &err)

	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, provider, event_id, event_type, organization_id, payment_ref, received_at, status, payload
		FROM webhook_events WHERE organization_id = ?
		ORDER BY received_at DESC, id DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer closeQuietly(rows)

	for rows.Next() {
		var (
			e                       models.WebhookEvent
			provider, status, payld string
		)
		if err := rows.Scan(&e.ID, &provider, &e.EventID, &e.EventType, &e.OrganizationID, &e.PaymentRef,
			&e.ReceivedAt, &status, &payld); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		e.Provider = models.Provider(provider)
		e.Status = models.WebhookEventStatus(status)
		e.ReceivedAt = e.ReceivedAt.UTC()
		if payld != "" {
			e.Payload = []byte(payld)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

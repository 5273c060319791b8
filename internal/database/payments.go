// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/database/query"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

const paymentColumns = `p.id, p.organization_id, p.customer_id, p.provider, p.amount_minor, p.currency,
	p.description, p.provider_customer_ref, p.provider_method_ref, p.provider_payment_ref, p.status,
	p.attempts, p.next_attempt_at, p.last_error, p.last_decline_code, p.due_at, p.created_at, p.updated_at`

// InsertPayment stores a new payment. ID, status and timestamps are filled
// in when empty.
func (db *DB) InsertPayment(ctx context.Context, p *models.Payment) (err error) {
	defer db.observe("INSERT", "payments", time.Now(), &err)

	if p.OrganizationID == "" || p.CustomerID == "" {
		return errors.New("payment requires organization_id and customer_id")
	}
	if !p.Provider.Valid() {
		return fmt.Errorf("payment has unknown provider %q", p.Provider)
	}
	if p.AmountMinor <= 0 {
		return fmt.Errorf("payment amount must be positive, got %d", p.AmountMinor)
	}
	now := db.now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	if p.DueAt.IsZero() {
		p.DueAt = now
	}
	p.CreatedAt, p.UpdatedAt = now, now

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO payments (id, organization_id, customer_id, provider, amount_minor, currency,
			description, provider_customer_ref, provider_method_ref, provider_payment_ref, status,
			attempts, next_attempt_at, last_error, last_decline_code, due_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.OrganizationID, p.CustomerID, string(p.Provider), p.AmountMinor, p.Currency,
		p.Description, p.ProviderCustomerRef, p.ProviderMethodRef, p.ProviderPaymentRef, string(p.Status),
		p.Attempts, nullTime(p.NextAttemptAt), p.LastError, p.LastDeclineCode, p.DueAt.UTC(), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetPayment returns a payment or ErrNotFound.
func (db *DB) GetPayment(ctx context.Context, id string) (p *models.Payment, err error) {
	defer db.observe("SELECT", "payments", time.Now(), &err)

	row := db.conn.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = ?`, id)
	return scanPayment(row)
}

// GetPaymentByProviderRef finds a payment by the provider's own ID for it.
func (db *DB) GetPaymentByProviderRef(ctx context.Context, provider models.Provider, ref string) (p *models.Payment, err error) {
	defer db.observe("SELECT", "payments", time.Now(), &err)

	if ref == "" {
		return nil, ErrNotFound
	}
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.provider = ? AND p.provider_payment_ref = ? LIMIT 1`,
		string(provider), ref)
	return scanPayment(row)
}

// DueCursor is the keyset position after the last payment of a batch.
type DueCursor struct {
	At time.Time
	ID string
}

// Next returns the cursor positioned after p. The position mirrors the
// COALESCE(next_attempt_at, due_at) sort key, whatever p's status.
func (c DueCursor) Next(p *models.Payment) DueCursor {
	at := p.DueAt
	if p.NextAttemptAt != nil {
		at = *p.NextAttemptAt
	}
	return DueCursor{At: at.UTC(), ID: p.ID}
}

// ListDuePayments returns up to limit payments to charge at now: pending
// with due_at <= now, or retry_scheduled with next_attempt_at <= now, for
// active organizations only, oldest first.
func (db *DB) ListDuePayments(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	return db.ListDuePaymentsAfter(ctx, now, DueCursor{}, limit)
}

// ListDuePaymentsAfter is ListDuePayments starting after cursor.
func (db *DB) ListDuePaymentsAfter(ctx context.Context, now time.Time, cursor DueCursor, limit int) (out []models.Payment, err error) {
	defer db.observe("SELECT", "payments", time.Now(), &err)

	if limit <= 0 {
		limit = 100
	}
	now = now.UTC()

	const dueKey = `COALESCE(p.next_attempt_at, p.due_at)`
	wb := query.NewWhereBuilder().
		AddClause("o.active").
		AddClause(`((p.status = ? AND p.due_at <= ?) OR (p.status = ? AND p.next_attempt_at <= ?))`,
			string(models.PaymentPending), now, string(models.PaymentRetryScheduled), now)
	if cursor.ID != "" {
		wb.AddClause(`(`+dueKey+` > ? OR (`+dueKey+` = ? AND p.id > ?))`, cursor.At, cursor.At, cursor.ID)
	}
	where, args := wb.BuildWithPrefix()
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments p
		JOIN organizations o ON o.id = p.organization_id
		`+where+`
		ORDER BY `+dueKey+`, p.id
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list due payments: %w", err)
	}
	return collectPayments(rows)
}

// ListPaymentsByOrganization pages through a tenant's payments, newest
// first. An empty status lists all. It also returns the total match count.
func (db *DB) ListPaymentsByOrganization(ctx context.Context, orgID string, status models.PaymentStatus, limit, offset int) (out []models.Payment, total int, err error) {
	defer db.observe("SELECT", "payments", time.Now(), &err)

	wb := query.NewWhereBuilder().
		AddClause("p.organization_id = ?", orgID).
		AddEquals("p.status", string(status))
	where, args := wb.BuildWithPrefix()

	if err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments p `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count payments: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments p `+where+`
		ORDER BY p.created_at DESC, p.id DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list payments: %w", err)
	}
	out, err = collectPayments(rows)
	return out, total, err
}

// UpdatePaymentStatus moves a payment from one status to another and lets
// mutate change other fields in the same write. The update only applies if
// the stored status still equals from; otherwise ErrStatusConflict is
// returned. from == to updates fields without a transition. The stored
// payment after the update is returned.
func (db *DB) UpdatePaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, mutate func(*models.Payment)) (p *models.Payment, err error) {
	defer db.observe("UPDATE", "payments", time.Now(), &err)

	if from != to && !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	p, err = scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = ?`, id))
	if err != nil {
		return nil, err
	}
	if p.Status != from {
		return nil, fmt.Errorf("%w: payment %s is %s, expected %s", ErrStatusConflict, id, p.Status, from)
	}

	if mutate != nil {
		mutate(p)
	}
	p.ID = id
	p.Status = to
	p.UpdatedAt = db.now()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, last_decline_code = ?,
			provider_payment_ref = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(p.Status), p.Attempts, nullTime(p.NextAttemptAt), p.LastError, p.LastDeclineCode,
		p.ProviderPaymentRef, p.UpdatedAt, id, string(from))
	if err != nil {
		if isTransactionConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrStatusConflict, err)
		}
		return nil, fmt.Errorf("failed to update payment %s: %w", id, err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		err = fmt.Errorf("%w: payment %s changed concurrently", ErrStatusConflict, id)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		if isTransactionConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrStatusConflict, err)
		}
		return nil, fmt.Errorf("failed to commit payment update: %w", err)
	}
	return p, nil
}

func collectPayments(rows *sql.Rows) ([]models.Payment, error) {
	defer closeQuietly(rows)

	var out []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return out, nil
}

func scanPayment(s rowScanner) (*models.Payment, error) {
	var (
		p        models.Payment
		provider string
		status   string
		next     sql.NullTime
	)
	err := s.Scan(&p.ID, &p.OrganizationID, &p.CustomerID, &provider, &p.AmountMinor, &p.Currency,
		&p.Description, &p.ProviderCustomerRef, &p.ProviderMethodRef, &p.ProviderPaymentRef, &status,
		&p.Attempts, &next, &p.LastError, &p.LastDeclineCode, &p.DueAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.Provider = models.Provider(provider)
	p.Status = models.PaymentStatus(status)
	p.NextAttemptAt = timePtr(next)
	p.DueAt = p.DueAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

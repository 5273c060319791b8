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

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/models"
)

const organizationColumns = `id, name, slug, stripe_account_id, gocardless_creditor_id, active, created_at`

// UpsertOrganization inserts or updates an organization by ID.
func (db *DB) UpsertOrganization(ctx context.Context, org *models.Organization) (err error) {
	defer db.observe("UPSERT", "organizations", time.Now(), &err)

	if org.ID == "" {
		return errors.New("organization id is required")
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = db.now()
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO organizations (`+organizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			slug = excluded.slug,
			stripe_account_id = excluded.stripe_account_id,
			gocardless_creditor_id = excluded.gocardless_creditor_id,
			active = excluded.active`,
		org.ID, org.Name, org.Slug, org.StripeAccountID, org.GoCardlessCreditorID, org.Active, org.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert organization %s: %w", org.ID, err)
	}
	return nil
}

// GetOrganization returns an organization or ErrNotFound.
func (db *DB) GetOrganization(ctx context.Context, id string) (org *models.Organization, err error) {
	defer db.observe("SELECT", "organizations", time.Now(), &err)

	row := db.conn.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = ?`, id)
	return scanOrganization(row)
}

// FindOrganizationByProviderAccount resolves the tenant behind a provider
// account: a Stripe Connect account ID or a GoCardless creditor ID.
func (db *DB) FindOrganizationByProviderAccount(ctx context.Context, provider models.Provider, account string) (org *models.Organization, err error) {
	defer db.observe("SELECT", "organizations", time.Now(), &err)

	var column string
	switch provider {
	case models.ProviderStripe:
		column = "stripe_account_id"
	case models.ProviderGoCardless:
		column = "gocardless_creditor_id"
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	if account == "" {
		return nil, ErrNotFound
	}
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE `+column+` = ? LIMIT 1`, account)
	return scanOrganization(row)
}

// ListActiveOrganizations returns active organizations ordered by name.
func (db *DB) ListActiveOrganizations(ctx context.Context) (orgs []models.Organization, err error) {
	defer db.observe("SELECT", "organizations", time.Now(), &err)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE active ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer closeQuietly(rows)

	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, *org)
	}
	return orgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(s rowScanner) (*models.Organization, error) {
	var org models.Organization
	err := s.Scan(&org.ID, &org.Name, &org.Slug, &org.StripeAccountID, &org.GoCardlessCreditorID,
		&org.Active, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan organization: %w", err)
	}
	org.CreatedAt = org.CreatedAt.UTC()
	return &org, nil
}

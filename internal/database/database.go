// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package database persists organizations, payments, charge attempts and the
// webhook audit log in DuckDB.
//
// Payment status changes go through UpdatePaymentStatus, which compares and
// sets the status inside a transaction so two workers racing on the same
// payment cannot both apply a transition.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate")

	// ErrStatusConflict is returned when a payment is no longer in the
	// expected status, or a concurrent writer won the race.
	ErrStatusConflict = errors.New("payment status conflict")

	// ErrInvalidTransition is returned for a transition the status machine forbids.
	ErrInvalidTransition = errors.New("invalid payment status transition")
)

// DB wraps the DuckDB connection pool.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
	now  func() time.Time
}

// New opens the database at cfg.Path (in memory when empty or ":memory:")
// and creates the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	params := []string{fmt.Sprintf("threads=%d", threads)}
	if cfg.MaxMemory != "" {
		params = append(params, "max_memory="+cfg.MaxMemory)
	}
	dsn := path + "?" + strings.Join(params, "&")

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{conn: conn, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.createSchema(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// Close checkpoints and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint database before close")
	}
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return errors.New("database connection is nil")
	}
	return db.conn.PingContext(ctx)
}

// Conn exposes the pool for tests and health checks.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id VARCHAR PRIMARY KEY,
		name VARCHAR NOT NULL,
		slug VARCHAR NOT NULL,
		stripe_account_id VARCHAR NOT NULL DEFAULT '',
		gocardless_creditor_id VARCHAR NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR PRIMARY KEY,
		organization_id VARCHAR NOT NULL,
		customer_id VARCHAR NOT NULL,
		provider VARCHAR NOT NULL,
		amount_minor BIGINT NOT NULL,
		currency VARCHAR NOT NULL,
		description VARCHAR NOT NULL DEFAULT '',
		provider_customer_ref VARCHAR NOT NULL DEFAULT '',
		provider_method_ref VARCHAR NOT NULL DEFAULT '',
		provider_payment_ref VARCHAR NOT NULL DEFAULT '',
		status VARCHAR NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP,
		last_error VARCHAR NOT NULL DEFAULT '',
		last_decline_code VARCHAR NOT NULL DEFAULT '',
		due_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
		id VARCHAR PRIMARY KEY,
		payment_id VARCHAR NOT NULL,
		organization_id VARCHAR NOT NULL,
		number INTEGER NOT NULL,
		outcome VARCHAR NOT NULL,
		error_code VARCHAR NOT NULL DEFAULT '',
		error_message VARCHAR NOT NULL DEFAULT '',
		provider_payment_ref VARCHAR NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id VARCHAR PRIMARY KEY,
		provider VARCHAR NOT NULL,
		event_id VARCHAR NOT NULL,
		event_type VARCHAR NOT NULL,
		organization_id VARCHAR NOT NULL DEFAULT '',
		payment_ref VARCHAR NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL,
		status VARCHAR NOT NULL,
		payload VARCHAR NOT NULL DEFAULT '',
		UNIQUE (provider, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_due ON payments(status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_org ON payments(organization_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_payment ON payment_attempts(payment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_org ON webhook_events(organization_id)`,
}

func (db *DB) createSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// observe records query metrics; use as defer db.observe("SELECT", "payments", time.Now(), &err).
func (db *DB) observe(operation, table string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrStatusConflict) {
			err = nil
		}
	}
	metrics.RecordDBQuery(operation, table, time.Since(start), err)
}

// isTransactionConflict reports DuckDB optimistic concurrency failures.
func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Transaction conflict") || strings.Contains(s, "Conflict on update") ||
		strings.Contains(s, "write-write conflict")
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

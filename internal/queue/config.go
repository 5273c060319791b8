// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package queue

import (
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
)

// Config holds the storage and lease settings of a Queue.
type Config struct {
	// Path is the BadgerDB directory.
	Path string

	// SyncWrites fsyncs every commit. Keep on in production.
	SyncWrites bool

	// LeaseDuration is how long a claimed job stays invisible to other
	// workers. It should comfortably exceed the slowest handler.
	LeaseDuration time.Duration

	// MaxAttempts is the default attempt budget for jobs that do not set one.
	MaxAttempts int

	// DoneRetention is how long an idempotency key is remembered after the
	// job completes.
	DoneRetention time.Duration

	// CompactionInterval is how often the Compactor runs.
	CompactionInterval time.Duration

	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int
	Compression      bool

	// GCRatio is the discard ratio passed to RunValueLogGC.
	GCRatio float64

	// CloseTimeout bounds Close.
	CloseTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:               "/data/queue",
		SyncWrites:         true,
		LeaseDuration:      2 * time.Minute,
		MaxAttempts:        8,
		DoneRetention:      30 * 24 * time.Hour,
		CompactionInterval: time.Hour,
		MemTableSize:       16 << 20,
		ValueLogFileSize:   64 << 20,
		NumCompactors:      2,
		Compression:        true,
		GCRatio:            0.5,
		CloseTimeout:       30 * time.Second,
	}
}

// NewConfig builds a queue Config from the application configuration,
// keeping defaults for the Badger tuning knobs it does not expose.
func NewConfig(qc *config.QueueConfig) Config {
	cfg := DefaultConfig()
	cfg.Path = qc.Path
	cfg.SyncWrites = qc.SyncWrites
	if qc.LeaseDuration > 0 {
		cfg.LeaseDuration = qc.LeaseDuration
	}
	if qc.MaxAttempts > 0 {
		cfg.MaxAttempts = qc.MaxAttempts
	}
	if qc.DoneRetention > 0 {
		cfg.DoneRetention = qc.DoneRetention
	}
	if qc.CompactionInterval > 0 {
		cfg.CompactionInterval = qc.CompactionInterval
	}
	if qc.MemTableSize > 0 {
		cfg.MemTableSize = qc.MemTableSize
	}
	if qc.ValueLogFileSize > 0 {
		cfg.ValueLogFileSize = qc.ValueLogFileSize
	}
	return cfg
}

// Validate checks that the configuration is usable in production.
func (c *Config) Validate() error {
	if c.Path == "" {
		return &ConfigError{Field: "Path", Message: "queue path is required"}
	}
	if c.LeaseDuration < 10*time.Second {
		return &ConfigError{Field: "LeaseDuration", Message: "must be at least 10 seconds"}
	}
	if c.MaxAttempts < 1 {
		return &ConfigError{Field: "MaxAttempts", Message: "must be at least 1"}
	}
	if c.DoneRetention < time.Hour {
		return &ConfigError{Field: "DoneRetention", Message: "must be at least 1 hour"}
	}
	if c.CompactionInterval < time.Minute {
		return &ConfigError{Field: "CompactionInterval", Message: "must be at least 1 minute"}
	}
	if c.MemTableSize < 1<<20 {
		return &ConfigError{Field: "MemTableSize", Message: "must be at least 1MB"}
	}
	if c.ValueLogFileSize < 1<<20 {
		return &ConfigError{Field: "ValueLogFileSize", Message: "must be at least 1MB"}
	}
	if c.NumCompactors < 2 {
		return &ConfigError{Field: "NumCompactors", Message: "must be at least 2 (BadgerDB requirement)"}
	}
	if c.GCRatio <= 0 || c.GCRatio >= 1 {
		return &ConfigError{Field: "GCRatio", Message: "must be between 0 and 1"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "queue config error: " + e.Field + ": " + e.Message
}

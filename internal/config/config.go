// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package config loads the service configuration.
//
// Loading order (Koanf v2), highest priority last:
//  1. Defaults from defaultConfig()
//  2. Optional YAML file (CONFIG_PATH, config.yaml, /etc/atlas-billing/config.yaml)
//  3. Environment variables, SECTION_FIELD -> section.field
//
// Example:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    logging.Fatal().Err(err).Msg("Invalid configuration")
//	}
//	db, err := database.New(&cfg.Database)
package config

import (
	"fmt"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Queue      QueueConfig      `koanf:"queue"`
	Retry      RetryConfig      `koanf:"retry"`
	Stripe     StripeConfig     `koanf:"stripe"`
	GoCardless GoCardlessConfig `koanf:"gocardless"`
	Webhook    WebhookConfig    `koanf:"webhook"`
	Cron       CronConfig       `koanf:"cron"`
	Security   SecurityConfig   `koanf:"security"`
	Events     EventsConfig     `koanf:"events"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	DrainDelay      time.Duration `koanf:"drain_delay" validate:"min=0"`
	Environment     string        `koanf:"environment" validate:"oneof=development staging production"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the DuckDB store. An empty Path opens an
// in-memory database.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// QueueConfig configures the BadgerDB job queue.
type QueueConfig struct {
	Path               string        `koanf:"path" validate:"required"`
	SyncWrites         bool          `koanf:"sync_writes"`
	LeaseDuration      time.Duration `koanf:"lease_duration"`
	PollInterval       time.Duration `koanf:"poll_interval"`
	Workers            int           `koanf:"workers" validate:"min=1,max=256"`
	ClaimBatch         int           `koanf:"claim_batch" validate:"min=1"`
	MaxAttempts        int           `koanf:"max_attempts" validate:"min=1"`
	DoneRetention      time.Duration `koanf:"done_retention"`
	CompactionInterval time.Duration `koanf:"compaction_interval"`
	MemTableSize       int64         `koanf:"memtable_size"`
	ValueLogFileSize   int64         `koanf:"value_log_file_size"`

	// Transient-error backoff for jobs, separate from the payment retry schedule.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
}

// RetryConfig is the payment retry schedule after a soft decline.
type RetryConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1"`
	Jitter      float64       `koanf:"jitter" validate:"min=0,max=1"`
}

// StripeConfig configures the Stripe client and webhook endpoint.
type StripeConfig struct {
	Enabled            bool          `koanf:"enabled"`
	APIBaseURL         string        `koanf:"api_base_url"`
	SecretKey          string        `koanf:"secret_key"`
	WebhookSecret      string        `koanf:"webhook_secret"`
	SignatureTolerance time.Duration `koanf:"signature_tolerance"`
	Timeout            time.Duration `koanf:"timeout"`
}

// GoCardlessConfig configures the GoCardless client and webhook endpoint.
type GoCardlessConfig struct {
	Enabled       bool          `koanf:"enabled"`
	APIBaseURL    string        `koanf:"api_base_url"`
	AccessToken   string        `koanf:"access_token"`
	WebhookSecret string        `koanf:"webhook_secret"`
	Version       string        `koanf:"version"`
	Timeout       time.Duration `koanf:"timeout"`
}

// WebhookConfig limits inbound deliveries.
type WebhookConfig struct {
	MaxBodyBytes int64         `koanf:"max_body_bytes" validate:"min=1024"`
	ReplayWindow time.Duration `koanf:"replay_window"`
	OrgRate      float64       `koanf:"org_rate" validate:"gt=0"`
	OrgBurst     int           `koanf:"org_burst" validate:"min=1"`
	IdleEviction time.Duration `koanf:"idle_eviction"`

	// OrgCacheSize and OrgCacheTTL bound the account to organization cache.
	OrgCacheSize int           `koanf:"org_cache_size" validate:"min=0"`
	OrgCacheTTL  time.Duration `koanf:"org_cache_ttl"`
}

// CronConfig configures the payment processing schedule.
type CronConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Schedule  string        `koanf:"schedule"`
	Secret    string        `koanf:"secret"`
	BatchSize int           `koanf:"batch_size" validate:"min=1,max=10000"`
	Timeout   time.Duration `koanf:"timeout"`
}

// SecurityConfig holds API authentication and abuse limits.
type SecurityConfig struct {
	JWTSecret       string        `koanf:"jwt_secret"`
	JWTIssuer       string        `koanf:"jwt_issuer"`
	JWTAudience     string        `koanf:"jwt_audience"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`

	// PolicyPath optionally replaces the embedded Casbin role policy.
	PolicyPath string `koanf:"policy_path"`
}

// EventsConfig selects the event transport. An empty NATSURL keeps events
// in process unless Embedded starts a local NATS server.
type EventsConfig struct {
	NATSURL        string        `koanf:"nats_url"`
	ClientName     string        `koanf:"client_name"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`

	// Embedded runs a JetStream-enabled NATS server inside the process.
	Embedded     bool   `koanf:"embedded"`
	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port" validate:"min=-1,max=65535"`
	StoreDir     string `koanf:"store_dir"`

	// Stream is created or updated at startup to capture every topic.
	StreamName      string        `koanf:"stream_name"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// IsProduction reports whether the service runs with production checks.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

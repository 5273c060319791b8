// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/atlas-billing/config.yaml",
	"/etc/atlas-billing/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			DrainDelay:      0,
			Environment:     "development",
		},
		Database: DatabaseConfig{
			Path:      "/data/billing.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Queue: QueueConfig{
			Path:               "/data/queue",
			SyncWrites:         true,
			LeaseDuration:      2 * time.Minute,
			PollInterval:       time.Second,
			Workers:            4,
			ClaimBatch:         16,
			MaxAttempts:        8,
			DoneRetention:      30 * 24 * time.Hour,
			CompactionInterval: time.Hour,
			MemTableSize:       16 << 20,
			ValueLogFileSize:   64 << 20,
			RetryBaseDelay:     5 * time.Second,
			RetryMaxDelay:      5 * time.Minute,
		},
		// Retries land on day 1, 3 and 7 after the first decline.
		Retry: RetryConfig{
			BaseDelay:   24 * time.Hour,
			Multiplier:  2,
			MaxDelay:    7 * 24 * time.Hour,
			MaxAttempts: 4,
			Jitter:      0,
		},
		Stripe: StripeConfig{
			Enabled:            false,
			APIBaseURL:         "https://api.stripe.com",
			SignatureTolerance: 5 * time.Minute,
			Timeout:            30 * time.Second,
		},
		GoCardless: GoCardlessConfig{
			Enabled:    false,
			APIBaseURL: "https://api.gocardless.com",
			Version:    "2015-07-06",
			Timeout:    30 * time.Second,
		},
		Webhook: WebhookConfig{
			MaxBodyBytes: 64 << 10,
			ReplayWindow: 72 * time.Hour,
			OrgRate:      20,
			OrgBurst:     100,
			IdleEviction: 10 * time.Minute,
			OrgCacheSize: 1024,
			OrgCacheTTL:  5 * time.Minute,
		},
		Cron: CronConfig{
			Enabled:   true,
			Schedule:  "*/15 * * * *",
			BatchSize: 200,
			Timeout:   5 * time.Minute,
		},
		Security: SecurityConfig{
			JWTIssuer:       "",
			JWTAudience:     "authenticated",
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Events: EventsConfig{
			NATSURL:        "",
			ClientName:     "atlas-billing",
			PublishTimeout: 5 * time.Second,

			Embedded:        false,
			EmbeddedHost:    "127.0.0.1",
			EmbeddedPort:    4222,
			StoreDir:        "./data/nats",
			StreamName:      "BILLING_EVENTS",
			StreamMaxAge:    7 * 24 * time.Hour,
			DuplicateWindow: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads defaults, the optional config file and the environment, then
// validates the result.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// sections are the koanf top-level keys that env vars may address with the
// SECTION_FIELD form.
var sections = []string{
	"server", "database", "queue", "retry", "stripe", "gocardless",
	"webhook", "cron", "security", "events", "logging",
}

// envAliases keeps the short names used by deployment manifests.
var envAliases = map[string]string{
	"port":                 "server.port",
	"environment":          "server.environment",
	"duckdb_path":          "database.path",
	"jwt_secret":           "security.jwt_secret",
	"supabase_jwt_secret":  "security.jwt_secret",
	"cron_secret":          "cron.secret",
	"nats_url":             "events.nats_url",
	"log_level":            "logging.level",
	"log_format":           "logging.format",
	"cors_origins":         "security.cors_origins",
	"stripe_secret_key":    "stripe.secret_key",
	"gocardless_token":     "gocardless.access_token",
	"rate_limit_requests":  "security.rate_limit_reqs",
	"rate_limit_window":    "security.rate_limit_window",
	"webhook_max_body":     "webhook.max_body_bytes",
	"queue_workers":        "queue.workers",
	"payment_max_attempts": "retry.max_attempts",
}

// envTransformFunc maps an env var name to a koanf path, or "" to skip it.
//
//	SERVER_PORT           -> server.port
//	STRIPE_WEBHOOK_SECRET -> stripe.webhook_secret
//	CRON_SECRET           -> cron.secret
func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	if mapped, ok := envAliases[key]; ok {
		return mapped
	}
	for _, s := range sections {
		if rest, ok := strings.CutPrefix(key, s+"_"); ok && rest != "" {
			return s + "." + rest
		}
	}
	return ""
}

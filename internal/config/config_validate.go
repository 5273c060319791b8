// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/validation"
)

// Validate returns the first configuration problem found.
func (c *Config) Validate() error {
	checks := []func() error{
		c.validateTags,
		c.validateServer,
		c.validateQueue,
		c.validateRetry,
		c.validateProviders,
		c.validateWebhook,
		c.validateCron,
		c.validateSecurity,
		c.validateEvents,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTags() error {
	if err := validation.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return errors.New("server.read_timeout and server.write_timeout must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	return nil
}

func (c *Config) validateQueue() error {
	q := c.Queue
	switch {
	case q.LeaseDuration <= 0:
		return errors.New("queue.lease_duration must be positive")
	case q.PollInterval <= 0:
		return errors.New("queue.poll_interval must be positive")
	case q.DoneRetention <= 0:
		return errors.New("queue.done_retention must be positive")
	case q.CompactionInterval <= 0:
		return errors.New("queue.compaction_interval must be positive")
	case q.RetryBaseDelay <= 0 || q.RetryMaxDelay < q.RetryBaseDelay:
		return fmt.Errorf("queue.retry_max_delay (%s) must be >= queue.retry_base_delay (%s) > 0",
			q.RetryMaxDelay, q.RetryBaseDelay)
	}
	return nil
}

func (c *Config) validateRetry() error {
	r := c.Retry
	if r.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be positive")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", r.Multiplier)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) must be >= retry.base_delay (%s)", r.MaxDelay, r.BaseDelay)
	}
	return nil
}

func (c *Config) validateProviders() error {
	if c.Stripe.Enabled {
		if c.Stripe.SecretKey == "" {
			return errors.New("STRIPE_SECRET_KEY is required when STRIPE_ENABLED=true")
		}
		if c.Stripe.WebhookSecret == "" {
			return errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_ENABLED=true")
		}
		if c.Stripe.SignatureTolerance <= 0 {
			return errors.New("stripe.signature_tolerance must be positive")
		}
		if err := validateHTTPURL(c.Stripe.APIBaseURL, "stripe.api_base_url"); err != nil {
			return err
		}
	}
	if c.GoCardless.Enabled {
		if c.GoCardless.AccessToken == "" {
			return errors.New("GOCARDLESS_ACCESS_TOKEN is required when GOCARDLESS_ENABLED=true")
		}
		if c.GoCardless.WebhookSecret == "" {
			return errors.New("GOCARDLESS_WEBHOOK_SECRET is required when GOCARDLESS_ENABLED=true")
		}
		if err := validateHTTPURL(c.GoCardless.APIBaseURL, "gocardless.api_base_url"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateWebhook() error {
	if c.Webhook.ReplayWindow <= 0 {
		return errors.New("webhook.replay_window must be positive")
	}
	if c.Stripe.Enabled && c.Webhook.ReplayWindow < c.Stripe.SignatureTolerance {
		return fmt.Errorf("webhook.replay_window (%s) must cover stripe.signature_tolerance (%s)",
			c.Webhook.ReplayWindow, c.Stripe.SignatureTolerance)
	}
	return nil
}

func (c *Config) validateCron() error {
	if c.Cron.Secret == "" && c.IsProduction() {
		return errors.New("CRON_SECRET is required in production")
	}
	if !c.Cron.Enabled {
		return nil
	}
	if _, err := cron.ParseStandard(c.Cron.Schedule); err != nil {
		return fmt.Errorf("cron.schedule %q is invalid: %w", c.Cron.Schedule, err)
	}
	if c.Cron.Timeout <= 0 {
		return errors.New("cron.timeout must be positive")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if c.Security.RateLimitWindow <= 0 {
		return errors.New("security.rate_limit_window must be positive")
	}
	if c.IsProduction() && len(c.Security.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters in production")
	}
	return nil
}

func (c *Config) validateEvents() error {
	if c.Events.NATSURL != "" || c.Events.Embedded {
		if err := validateStreamName(c.Events.StreamName); err != nil {
			return err
		}
	}
	if c.Events.Embedded {
		if c.Events.NATSURL != "" {
			return errors.New("events.embedded and events.nats_url are mutually exclusive")
		}
		if c.Events.StoreDir == "" {
			return errors.New("events.store_dir is required when events.embedded is true")
		}
		return nil
	}
	if c.Events.NATSURL == "" {
		return nil
	}
	u, err := url.Parse(c.Events.NATSURL)
	if err != nil {
		return fmt.Errorf("events.nats_url failed to parse: %w", err)
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return fmt.Errorf("events.nats_url scheme must be nats, tls, ws or wss, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("events.nats_url host is required")
	}
	return nil
}

// validateStreamName rejects names JetStream refuses: empty, or containing
// whitespace, dots, wildcards or path separators.
func validateStreamName(name string) error {
	if name == "" {
		return errors.New("events.stream_name is required")
	}
	if strings.ContainsAny(name, " \t\r\n.*>/\\") {
		return fmt.Errorf("events.stream_name %q contains invalid characters", name)
	}
	return nil
}

// validateHTTPURL accepts an http(s) base URL with no path or query.
func validateHTTPURL(rawURL, field string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s failed to parse URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got: %s", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s host is required", field)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("%s should be base URL only, remove path: %s", field, u.Path)
	}
	if u.RawQuery != "" {
		return fmt.Errorf("%s should not contain query parameters", field)
	}
	return nil
}

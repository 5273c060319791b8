// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package events

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
)

// StreamSubjects are the subjects captured by the billing stream. Every
// Topic constant must fall under one of them.
var StreamSubjects = []string{"payments.>", "webhooks.>"}

// EnsureStream creates the billing stream, or updates it when it already
// exists, so the publisher never has to provision streams itself.
func EnsureStream(ctx context.Context, url string, cfg *config.EventsConfig) (*jetstream.StreamInfo, error) {
	nc, err := natsgo.Connect(url, natsgo.Name(cfg.ClientName+"-provisioner"), natsgo.Timeout(publishTimeout(cfg)))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   StreamSubjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.StreamMaxAge,
		MaxMsgs:    -1,
		Duplicates: cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		Replicas:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}
	return stream.Info(ctx)
}

func publishTimeout(cfg *config.EventsConfig) time.Duration {
	if cfg.PublishTimeout <= 0 {
		return 5 * time.Second
	}
	return cfg.PublishTimeout
}

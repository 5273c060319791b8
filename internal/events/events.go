// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package events publishes payment lifecycle events over Watermill.
//
// Two transports are supported. By default events go to an in-process
// gochannel pub/sub, which is enough for a single binary and for tests.
// When events.nats_url is configured, or events.embedded starts a NATS
// server inside the process, they are published to NATS JetStream through
// watermill-nats, one subject per topic. A single stream captures every
// topic and is provisioned by EnsureStream before the publisher starts.
//
// Publishing is fire-and-forget from the caller's point of view: Emit logs
// and counts failures but never returns them, so a broker outage cannot fail
// a charge or a webhook. A gobreaker circuit stops hammering a broker that is
// already down.
//
//	bus, err := events.New(&cfg.Events)
//	bus.Emit(ctx, events.TopicPayments, &events.Event{
//		Type:           events.PaymentSucceeded,
//		OrganizationID: p.OrganizationID,
//		PaymentID:      p.ID,
//	})
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Topics.
const (
	TopicPayments = "payments.events"
	TopicWebhooks = "webhooks.events"
)

// Type identifies what happened.
type Type string

const (
	PaymentSucceeded      Type = "payment.succeeded"
	PaymentFailed         Type = "payment.failed"
	PaymentRetryScheduled Type = "payment.retry_scheduled"
	PaymentPending        Type = "payment.pending_confirmation"
	PaymentCancelled      Type = "payment.cancelled"
	WebhookReceived       Type = "webhook.received"
)

// Metadata keys set on every message.
const (
	MetadataOrganization = "organization_id"
	MetadataEventType    = "event_type"
)

var (
	// ErrClosed is returned when publishing on a closed bus.
	ErrClosed = errors.New("event bus is closed")

	// ErrMissingType is returned for an event without a Type.
	ErrMissingType = errors.New("event type is required")
)

// Event is the JSON body of every lifecycle message.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	OrganizationID string    `json:"organization_id"`
	PaymentID      string    `json:"payment_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	ProviderEvent  string    `json:"provider_event_id,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Emitter is the narrow interface business code depends on.
type Emitter interface {
	Emit(ctx context.Context, topic string, e *Event)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, string, *Event) {}

// NewMessage encodes e as a Watermill message. Missing ID and OccurredAt are
// filled in; the event ID doubles as the message UUID so JetStream can
// deduplicate redeliveries.
func NewMessage(e *Event) (*message.Message, error) {
	if e == nil || e.Type == "" {
		return nil, ErrMissingType
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(e.ID, body)
	msg.Metadata.Set(MetadataEventType, string(e.Type))
	msg.Metadata.Set(MetadataOrganization, e.OrganizationID)
	return msg, nil
}

// Decode parses a message produced by NewMessage.
func Decode(msg *message.Message) (*Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event %s: %w", msg.UUID, err)
	}
	return &e, nil
}

// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/metrics"
)

const breakerName = "events-publisher"

// Bus publishes lifecycle events with circuit breaker protection.
type Bus struct {
	publisher message.Publisher

	// subscriber is only set for the in-process transport.
	subscriber message.Subscriber

	// embedded is the in-process NATS server, if this bus started one.
	embedded *EmbeddedServer

	breaker   *gobreaker.CircuitBreaker[struct{}]
	transport string

	mu     sync.RWMutex
	closed bool
}

// New builds a bus for cfg: NATS JetStream when NATSURL is set or Embedded
// starts a local server, otherwise an in-process gochannel.
func New(cfg *config.EventsConfig) (*Bus, error) {
	if cfg == nil || (cfg.NATSURL == "" && !cfg.Embedded) {
		return NewInMemory(), nil
	}

	url := cfg.NATSURL
	var embedded *EmbeddedServer
	if cfg.Embedded {
		var err error
		embedded, err = NewEmbeddedServer(cfg)
		if err != nil {
			return nil, err
		}
		url = embedded.ClientURL()
		logging.Info().Str("url", url).Str("store_dir", cfg.StoreDir).Msg("Embedded NATS server started")
	}

	bus, err := newNATSBus(url, cfg)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, err
	}
	bus.embedded = embedded
	return bus, nil
}

func newNATSBus(url string, cfg *config.EventsConfig) (*Bus, error) {
	timeout := publishTimeout(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	info, err := EnsureStream(ctx, url, cfg)
	cancel()
	if err != nil {
		return nil, err
	}

	natsOpts := []natsgo.Option{
		natsgo.Name(cfg.ClientName),
		natsgo.Timeout(timeout),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			// The stream is provisioned above; topics contain dots, which
			// are not valid stream names.
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
				natsgo.AckWait(timeout),
			},
		},
	}, newLoggerAdapter())
	if err != nil {
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}

	logging.Info().
		Str("transport", "nats").
		Str("stream", info.Config.Name).
		Uint64("messages", info.State.Msgs).
		Msg("Event bus ready")
	return newBus(pub, nil, "nats"), nil
}

// NewInMemory returns a bus backed by a gochannel pub/sub. Use Subscribe to
// consume from it.
func NewInMemory() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, newLoggerAdapter())
	return newBus(ch, ch, "memory")
}

func newBus(pub message.Publisher, sub message.Subscriber, transport string) *Bus {
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		transport:  transport,
		breaker:    newBreaker(),
	}
}

func newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Event publisher circuit changed state")
			metrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	})
}

// Transport reports "memory" or "nats".
func (b *Bus) Transport() string {
	return b.transport
}

// Publish sends e to topic and returns any error.
func (b *Bus) Publish(ctx context.Context, topic string, e *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg, err := NewMessage(e)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set("correlation_id", id)
	}

	_, err = b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.publisher.Publish(topic, msg)
	})
	metrics.RecordEventPublish(topic, err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("publish %s skipped: %w", e.Type, err)
		}
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Emit publishes e and logs failures instead of returning them.
func (b *Bus) Emit(ctx context.Context, topic string, e *Event) {
	if err := b.Publish(ctx, topic, e); err != nil {
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("topic", topic).
			Str("event_type", string(e.Type)).
			Msg("Failed to publish event")
	}
}

// Subscribe consumes topic from the in-process transport. Messages must be
// acked. NATS consumers live outside this service and are not supported here.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b.subscriber == nil {
		return nil, fmt.Errorf("subscribe not supported on %s transport", b.transport)
	}
	return b.subscriber.Subscribe(ctx, topic)
}

// Close shuts the transport down. Safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.publisher.Close()
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
	return err
}

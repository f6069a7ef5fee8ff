package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/nexus/pkg/events"
)

const originMetadataKey = "origin"

// Sink receives events consumed from the external broker.
type Sink func(ctx context.Context, event events.Event) error

// Bridge connects the in-process bus to a watermill broker: selected bus events
// are forwarded to the broker topic and broker messages are handed to a Sink.
type Bridge struct {
	bus        *Bus
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	origin     string
	logger     *slog.Logger

	mu            sync.Mutex
	subscriptions []Subscription
}

func NewBridge(bus *Bus, pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:        bus,
		publisher:  pub,
		subscriber: sub,
		topic:      events.Topic,
		origin:     watermill.NewULID(),
		logger:     logger.With("module", "event_bridge"),
	}
}

// Forward subscribes to each event type on the bus and republishes it on the broker.
func (br *Bridge) Forward(eventTypes ...events.EventType) error {
	for _, eventType := range eventTypes {
		sub, err := br.bus.Subscribe(eventType, br.publish)
		if err != nil {
			return fmt.Errorf("failed to forward %s: %w", eventType, err)
		}

		br.mu.Lock()
		br.subscriptions = append(br.subscriptions, sub)
		br.mu.Unlock()
	}

	return nil
}

func (br *Bridge) publish(_ context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.Type))
	msg.Metadata.Set(originMetadataKey, br.origin)

	return br.publisher.Publish(br.topic, msg)
}

// Consume reads broker messages until ctx is done and hands each event to sink.
// Messages this bridge forwarded itself are acknowledged and skipped.
func (br *Bridge) Consume(ctx context.Context, sink Sink) error {
	messages, err := br.subscriber.Subscribe(ctx, br.topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			if msg.Metadata.Get(originMetadataKey) == br.origin {
				msg.Ack()

				continue
			}

			var event events.Event

			err := json.Unmarshal(msg.Payload, &event)
			if err != nil || event.Type == "" {
				br.logger.WarnContext(ctx, "Dropping malformed broker message", "message_id", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			err = sink(ctx, event)
			if err != nil {
				br.logger.ErrorContext(ctx, "Failed to hand off broker event", "event_type", event.Type, "error", err)
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

// Close detaches from the bus and closes the broker clients.
func (br *Bridge) Close() error {
	br.mu.Lock()
	for _, sub := range br.subscriptions {
		br.bus.Unsubscribe(sub)
	}

	br.subscriptions = nil
	br.mu.Unlock()

	err := br.publisher.Close()
	if err != nil {
		return err
	}

	return br.subscriber.Close()
}

// Package eventbus provides the in-process publish/subscribe bus that connects
// services, the orchestrator and the snapshot manager.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/dukex/nexus/pkg/errdefs"
	"github.com/dukex/nexus/pkg/events"
)

// Handler receives a copy of the published event. A returned error or a panic
// is logged and isolated from the publisher and from other handlers.
type Handler func(ctx context.Context, event events.Event) error

// Subscription identifies a registered handler.
type Subscription struct {
	id        uint64
	eventType events.EventType
}

func (s Subscription) EventType() events.EventType {
	return s.eventType
}

// Observer is notified about deliveries, e.g. to export metrics.
type Observer interface {
	EventPublished(eventType events.EventType, subscribers int)
	HandlerFailed(eventType events.EventType, err error)
}

type subscriber struct {
	id      uint64
	handler Handler
}

type Bus struct {
	logger      *slog.Logger
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[events.EventType][]subscriber
	observers   []Observer
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:      logger.With("module", "event_bus"),
		subscribers: make(map[events.EventType][]subscriber),
	}
}

// Observe registers an observer for future publishes.
func (b *Bus) Observe(observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observers = append(b.observers, observer)
}

// Subscribe registers handler for future publishes of eventType.
func (b *Bus) Subscribe(eventType events.EventType, handler Handler) (Subscription, error) {
	if eventType == "" {
		return Subscription{}, fmt.Errorf("%w: event type must not be empty", errdefs.ErrValidation)
	}

	if handler == nil {
		return Subscription{}, fmt.Errorf("%w: handler must not be nil", errdefs.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := Subscription{id: b.nextID, eventType: eventType}
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{id: sub.id, handler: handler})

	b.logger.Debug("Subscribed to event type", "event_type", eventType, "subscription_id", sub.id)

	return sub, nil
}

// Unsubscribe removes the handler. It reports false if it was not registered.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subscribers[sub.eventType]
	for i, s := range current {
		if s.id != sub.id {
			continue
		}

		remaining := append(current[:i:i], current[i+1:]...)
		if len(remaining) == 0 {
			delete(b.subscribers, sub.eventType)
		} else {
			b.subscribers[sub.eventType] = remaining
		}

		return true
	}

	return false
}

// SubscriberCount returns the number of handlers currently subscribed to eventType.
func (b *Bus) SubscriberCount(eventType events.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[eventType])
}

// Publish delivers payload to every handler subscribed to eventType and returns
// once all of them have run or failed. Handler failures never surface here; the
// only error is an invalid event type.
func (b *Bus) Publish(ctx context.Context, eventType events.EventType, payload map[string]any) error {
	if eventType == "" {
		return fmt.Errorf("%w: event type must not be empty", errdefs.ErrValidation)
	}

	b.PublishEvent(ctx, events.NewEvent(eventType, payload))

	return nil
}

// PublishEvent delivers an already built event, keeping its ID and timestamp.
func (b *Bus) PublishEvent(ctx context.Context, event events.Event) {
	b.mu.RLock()
	targets := make([]subscriber, len(b.subscribers[event.Type]))
	copy(targets, b.subscribers[event.Type])
	observers := b.observers
	b.mu.RUnlock()

	for _, o := range observers {
		o.EventPublished(event.Type, len(targets))
	}

	if len(targets) == 0 {
		b.logger.DebugContext(ctx, "No subscribers for event type", "event_type", event.Type)

		return
	}

	var wg sync.WaitGroup

	for i, target := range targets {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := b.deliver(ctx, target, event)
			if err == nil {
				return
			}

			handlerErr := &errdefs.HandlerError{
				EventType: string(event.Type),
				Handler:   fmt.Sprintf("#%d", i),
				Err:       err,
			}

			b.logger.ErrorContext(ctx, "Event handler failed",
				"event_type", event.Type,
				"event_id", event.ID,
				"subscription_id", target.id,
				"error", handlerErr,
			)

			for _, o := range observers {
				o.HandlerFailed(event.Type, handlerErr)
			}
		}()
	}

	wg.Wait()
}

func (b *Bus) deliver(ctx context.Context, target subscriber, event events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	// Each handler gets its own top-level payload map.
	event.Payload = maps.Clone(event.Payload)
	if event.Payload == nil {
		event.Payload = make(map[string]any)
	}

	err = target.handler(ctx, event)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}

	return err
}

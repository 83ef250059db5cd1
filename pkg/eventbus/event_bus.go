// Package eventbus carries entropy events between components.
package eventbus

import (
	"context"
	"fmt"

	"github.com/dukex/entropy/pkg/events"
)

// Event is anything published on the bus.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes events. The key partitions them, usually by
// experiment id so a broker keeps one experiment's events in order.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber dispatches decoded events to handlers registered per type.
// Handle must be called before Subscribe.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives the decoded event, a pointer from events.New.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}

// On registers a handler typed to one event struct. Both *T and T payloads
// reach handler; anything else is an error so the message is redelivered.
func On[T Event](bus EventSubscriber, eventType events.EventType, handler func(ctx context.Context, event T) error) error {
	return bus.Handle(eventType, func(ctx context.Context, event any) error {
		switch e := event.(type) {
		case *T:
			return handler(ctx, *e)
		case T:
			return handler(ctx, e)
		default:
			return fmt.Errorf("unexpected %T payload for %s", event, eventType)
		}
	})
}

package eventbus

import (
	"context"

	"github.com/dukex/entropy/pkg/events"
)

// Noop drops every event. It is used when no bus is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, Event) error { return nil }
func (Noop) Handle(events.EventType, EventHandler) error  { return nil }
func (Noop) Subscribe(context.Context) error              { return nil }
func (Noop) Close() error                                 { return nil }

// Package events is the in-process publish/subscribe channel that carries
// domain events from the modules that record changes to the handlers that
// react to them, such as outbound forwarders.
// This is part of the platform layer and contains no business logic.
package events

import (
	"context"
	"time"
)

// Event is a fact that already happened. EventName doubles as the
// subscription key and as the routing key when the event leaves the process.
type Event interface {
	EventName() string
	OccurredAt() time.Time
}

// BaseEvent carries the instant an event was recorded. Embed it in concrete
// events.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// OccurredAt returns when the event was recorded.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// NewBaseEventAt stamps an event with at. Producers pass the instant from
// their clock so events agree with the rows written in the same step.
func NewBaseEventAt(at time.Time) BaseEvent {
	return BaseEvent{Timestamp: at}
}

// Handler reacts to a published event.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc lets a plain function serve as a Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus routes events to the handlers subscribed to their name.
type Bus interface {
	// Publish hands the event to its handlers without waiting for them.
	Publish(ctx context.Context, event Event)
	// PublishSync runs every handler before returning their joined errors.
	PublishSync(ctx context.Context, event Event) error
	// Subscribe registers handler for events named eventName.
	Subscribe(eventName string, handler Handler)
}

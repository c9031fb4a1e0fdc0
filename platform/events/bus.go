package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"leadsegments_backend/platform/logger"
)

// InMemoryBus is a process-local Bus. Publish runs handlers on their own
// goroutines; PublishSync runs them in subscription order on the caller's.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	log      *logger.Logger
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
}

// Publish dispatches the event asynchronously. Handler errors and panics are
// logged, never returned.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	handlers := b.snapshot(event.EventName())
	if len(handlers) == 0 {
		return
	}

	// Handlers outlive the publisher's request scope.
	detached := context.WithoutCancel(ctx)
	for _, h := range handlers {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			if err := b.invoke(detached, h, event); err != nil && b.log != nil {
				b.log.Error("event handler failed", "event", event.EventName(), "error", err)
			}
		}(h)
	}
}

// PublishSync dispatches the event and waits for every handler. All handler
// errors are joined.
func (b *InMemoryBus) PublishSync(ctx context.Context, event Event) error {
	var errs []error
	for _, h := range b.snapshot(event.EventName()) {
		if err := b.invoke(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every asynchronously published handler has returned.
func (b *InMemoryBus) Wait() {
	b.wg.Wait()
}

func (b *InMemoryBus) snapshot(eventName string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := b.handlers[eventName]
	out := make([]Handler, len(handlers))
	copy(out, handlers)
	return out
}

func (b *InMemoryBus) invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", event.EventName(), r)
		}
	}()
	return h.Handle(ctx, event)
}

var _ Bus = (*InMemoryBus)(nil)

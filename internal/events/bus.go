package events

import (
	platformevents "leadsegments_backend/platform/events"
	"leadsegments_backend/platform/logger"
)

type InMemoryBus = platformevents.InMemoryBus

func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return platformevents.NewInMemoryBus(log)
}

// SubscribeAll registers handler for every lead domain event.
func SubscribeAll(bus Bus, handler Handler) {
	for _, name := range AllNames() {
		bus.Subscribe(name, handler)
	}
}

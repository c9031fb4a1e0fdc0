package ports

import (
	"context"
	"time"

	"leadsegments_backend/platform/events"

	"github.com/google/uuid"
)

// EventSink receives domain events after each successful unit of work.
// platform/events.Bus satisfies it.
type EventSink interface {
	Publish(ctx context.Context, event events.Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, events.Event) {}

// Clock is the injectable source of "now".
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }

// Locker serializes work per key across every writer of that key.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LeadLockKey is the lock key guarding a lead's membership and score writes.
func LeadLockKey(leadID uuid.UUID) string {
	return "lead:" + leadID.String()
}

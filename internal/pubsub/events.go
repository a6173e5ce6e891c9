// Package pubsub provides a generic publish/subscribe event system used for
// in-process fan-out: the in-memory broker adapter, the fast-path wake
// channel and process manager notifications are all built on it.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// MessageEvent carries a broker message delivery.
	MessageEvent EventType = "message"
	// NotifyEvent carries a fast-path outbox wake signal.
	NotifyEvent EventType = "notify"
	// StateEvent carries a state-change notification (command or process).
	StateEvent EventType = "state"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload. Publish
// reports how many subscribers received the event.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T) int
}

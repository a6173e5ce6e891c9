// Package broker defines the transport port between the outbox relay and
// the consumers. Queue topics (APP.CMD.*.Q and the reply queue) have
// work-queue semantics: each message is delivered to one consumer and a
// nacked message is redelivered. Event topics (events.*) fan out to every
// subscriber and are fire-and-forget.
package broker

import (
	"context"
	"strings"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
)

// Broker is the transport port. Implementations live in subpackages
// (memory, redis).
type Broker interface {
	// Publish sends an envelope to a topic. For queue topics the message
	// is enqueued for exactly one consumer; for event topics it fans out.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error

	// Consume returns a channel of deliveries for a topic. The channel is
	// closed when ctx is cancelled or the broker shuts down.
	Consume(ctx context.Context, topic string) (<-chan *Delivery, error)

	// Close shuts the broker down and closes all consumer channels.
	Close() error
}

// Delivery is one message handed to a consumer. The consumer must settle
// it with Ack or Nack; Nack requeues the message for redelivery.
type Delivery struct {
	Envelope *envelope.Envelope

	ack  func()
	nack func()
}

// NewDelivery wraps an envelope with its settlement callbacks. Adapters
// may pass nil for either callback.
func NewDelivery(env *envelope.Envelope, ack, nack func()) *Delivery {
	return &Delivery{Envelope: env, ack: ack, nack: nack}
}

// Ack settles the delivery as processed.
func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack returns the message to the queue for redelivery.
func (d *Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// IsEventTopic reports whether a topic uses fan-out semantics.
func IsEventTopic(topic string) bool {
	return strings.HasPrefix(topic, "events.")
}

// Package memory implements the broker port in process. Queue topics are
// backed by buffered channels; event topics fan out through the generic
// pubsub broker. Intended for single-node deployments and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/broker"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/pubsub"
)

const queueDepth = 1024

// ErrClosed is returned when publishing to a closed broker.
var ErrClosed = errors.New("broker closed")

// Broker implements broker.Broker in process.
type Broker struct {
	mu     sync.Mutex
	queues map[string]chan *envelope.Envelope
	events map[string]*pubsub.Broker[*envelope.Envelope]
	done   chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty in-process broker. Topics are created on first use.
func New() *Broker {
	return &Broker{
		queues: make(map[string]chan *envelope.Envelope),
		events: make(map[string]*pubsub.Broker[*envelope.Envelope]),
		done:   make(chan struct{}),
	}
}

// queue returns the channel backing a queue topic, creating it if needed.
func (b *Broker) queue(topic string) chan *envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan *envelope.Envelope, queueDepth)
		b.queues[topic] = q
	}
	return q
}

// fanout returns the pubsub broker backing an event topic.
func (b *Broker) fanout(topic string) *pubsub.Broker[*envelope.Envelope] {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.events[topic]
	if !ok {
		p = pubsub.NewBroker[*envelope.Envelope]()
		b.events[topic] = p
	}
	return p
}

// Publish enqueues on a queue topic or fans out on an event topic.
func (b *Broker) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	if broker.IsEventTopic(topic) {
		b.fanout(topic).Publish(pubsub.MessageEvent, env)
		return nil
	}

	select {
	case b.queue(topic) <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Consume returns deliveries for a topic. Queue deliveries carry a Nack
// that requeues the message; event deliveries are fire-and-forget.
func (b *Broker) Consume(ctx context.Context, topic string) (<-chan *broker.Delivery, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}

	out := make(chan *broker.Delivery)
	if broker.IsEventTopic(topic) {
		sub := b.fanout(topic).Subscribe(ctx)
		go func() {
			defer close(out)
			for event := range sub {
				delivery := broker.NewDelivery(event.Payload, nil, nil)
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	q := b.queue(topic)
	go func() {
		defer close(out)
		for {
			select {
			case env := <-q:
				delivery := broker.NewDelivery(env, nil, func() {
					if err := b.Publish(context.Background(), topic, env); err != nil {
						log.ErrorErr(log.CatBroker, "failed to requeue nacked message", err,
							"topic", topic, "messageId", env.MessageID)
					}
				})
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down all topics.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	default:
	}
	close(b.done)
	for _, p := range b.events {
		p.Close()
	}
	return nil
}

// Depth reports the number of buffered messages on a queue topic.
// Used by tests and the metrics collector.
func (b *Broker) Depth(topic string) (int, error) {
	if broker.IsEventTopic(topic) {
		return 0, fmt.Errorf("topic %q is not a queue", topic)
	}
	return len(b.queue(topic)), nil
}

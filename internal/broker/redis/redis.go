// Package redis implements the broker port on Redis for multi-node
// deployments. Queue topics are Redis lists (LPUSH/BRPOP), which gives
// single-consumer delivery; event topics use Redis pub/sub fan-out. A
// nacked delivery is pushed back onto its list.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/broker"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
)

const popTimeout = time.Second

// Broker implements broker.Broker on a Redis connection.
type Broker struct {
	client *redis.Client
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ broker.Broker = (*Broker)(nil)

// New connects to the Redis instance at addr and verifies the connection.
func New(ctx context.Context, addr string) (*Broker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	log.Info(log.CatBroker, "redis broker connected", "addr", addr)
	return &Broker{client: client, done: make(chan struct{})}, nil
}

// Publish LPUSHes queue messages and PUBLISHes event messages.
func (b *Broker) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if broker.IsEventTopic(topic) {
		if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
			return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
		}
		return nil
	}
	if err := b.client.LPush(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", topic, err)
	}
	return nil
}

// Consume starts a consumer loop for the topic. Queue topics poll with
// BRPOP; event topics subscribe.
func (b *Broker) Consume(ctx context.Context, topic string) (<-chan *broker.Delivery, error) {
	out := make(chan *broker.Delivery)
	if broker.IsEventTopic(topic) {
		sub := b.client.Subscribe(ctx, topic)
		// Wait for the subscription so publishes after Consume returns are
		// never missed.
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		b.wg.Add(1)
		go b.consumeEvents(ctx, sub, out)
		return out, nil
	}

	b.wg.Add(1)
	go b.consumeQueue(ctx, topic, out)
	return out, nil
}

func (b *Broker) consumeEvents(ctx context.Context, sub *redis.PubSub, out chan<- *broker.Delivery) {
	defer b.wg.Done()
	defer close(out)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := envelope.Decode([]byte(msg.Payload))
			if err != nil {
				log.ErrorErr(log.CatBroker, "dropping malformed event message", err, "topic", msg.Channel)
				continue
			}
			select {
			case out <- broker.NewDelivery(env, nil, nil):
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
}

func (b *Broker) consumeQueue(ctx context.Context, topic string, out chan<- *broker.Delivery) {
	defer b.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		result, err := b.client.BRPop(ctx, popTimeout, topic).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.ErrorErr(log.CatBroker, "queue pop failed", err, "topic", topic)
			select {
			case <-time.After(popTimeout):
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
			continue
		}

		// BRPOP returns [key, value].
		raw := []byte(result[1])
		env, err := envelope.Decode(raw)
		if err != nil {
			log.ErrorErr(log.CatBroker, "dropping malformed queue message", err, "topic", topic)
			continue
		}

		delivery := broker.NewDelivery(env, nil, func() {
			if err := b.client.LPush(context.Background(), topic, raw).Err(); err != nil {
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
	}
}

// Close stops all consumer loops and closes the connection.
func (b *Broker) Close() error {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
	return b.client.Close()
}

// Depth reports the length of a queue topic's backing list.
func (b *Broker) Depth(ctx context.Context, topic string) (int64, error) {
	if broker.IsEventTopic(topic) {
		return 0, fmt.Errorf("topic %q is not a queue", topic)
	}
	n, err := b.client.LLen(ctx, topic).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth for %s: %w", topic, err)
	}
	return n, nil
}

// Package consumer receives command messages, guards them with the durable
// inbox and invokes the registered handler. Outcomes commit atomically with
// their reply outbox row, so a crash after commit is repaired by the relay
// and a crash before commit is repaired by broker redelivery.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/broker"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/metrics"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/registry"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/tracing"
)

// Options tunes a consumer instance.
type Options struct {
	// NodeName identifies this process in dead-letter rows.
	NodeName string
	// Lease bounds one handler invocation; expiry is authoritative.
	Lease time.Duration
	// MaxRetries is the redelivery budget for transient failures.
	MaxRetries int
}

// Consumer drains the command queues for every registered handler.
type Consumer struct {
	store      store.Store
	broker     broker.Broker
	registry   *registry.Registry
	classifier *Classifier
	opts       Options
}

// New creates a consumer.
func New(st store.Store, br broker.Broker, reg *registry.Registry, cl *Classifier, opts Options) *Consumer {
	return &Consumer{store: st, broker: br, registry: reg, classifier: cl, opts: opts}
}

// Run consumes every command queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, name := range c.registry.Names() {
		deliveries, err := c.broker.Consume(ctx, envelope.CommandTopic(name))
		if err != nil {
			return fmt.Errorf("failed to consume %s: %w", envelope.CommandTopic(name), err)
		}
		wg.Add(1)
		go func(name string, deliveries <-chan *broker.Delivery) {
			defer wg.Done()
			for d := range deliveries {
				c.Handle(ctx, name, d)
			}
		}(name, deliveries)
		log.Info(log.CatInbox, "consuming command queue", "command", name)
	}
	wg.Wait()
	return ctx.Err()
}

// Handle processes one delivery end to end and settles it.
func (c *Consumer) Handle(ctx context.Context, name string, d *broker.Delivery) {
	env := d.Envelope
	handlerName := name + "Handler"

	inserted, err := c.store.Inbox().InsertIfAbsent(ctx, env.MessageID, handlerName)
	if err != nil {
		log.ErrorErr(log.CatInbox, "inbox insert failed", err, "messageId", env.MessageID)
		d.Nack()
		return
	}
	if !inserted {
		metrics.InboxDuplicates.Inc()
		log.Debug(log.CatInbox, "duplicate delivery suppressed",
			"messageId", env.MessageID, "handler", handlerName)
		d.Ack()
		return
	}

	cmd, err := c.store.Commands().Get(ctx, env.CommandID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn(log.CatInbox, "message references unknown command",
			"messageId", env.MessageID, "commandId", env.CommandID)
		d.Ack()
		return
	}
	if err != nil {
		// A store hiccup must not strand the command; release the dedup
		// record so the redelivery can reach the handler.
		log.ErrorErr(log.CatInbox, "failed to load command", err, "commandId", env.CommandID)
		c.release(ctx, env.MessageID, handlerName)
		d.Nack()
		return
	}
	if cmd.Status.IsTerminal() {
		d.Ack()
		return
	}

	if err := c.store.Commands().MarkRunning(ctx, cmd.ID, time.Now().Add(c.opts.Lease)); err != nil {
		log.ErrorErr(log.CatInbox, "failed to lease command", err, "commandId", cmd.ID)
		c.release(ctx, env.MessageID, handlerName)
		d.Nack()
		return
	}

	handler, err := c.registry.Resolve(name)
	if err != nil {
		c.fail(ctx, env, cmd, err)
		d.Ack()
		return
	}

	start := time.Now()
	result, herr := handler(tracing.Extract(ctx, env), env.Payload)
	metrics.HandlerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if herr == nil {
		c.complete(ctx, env, cmd, result)
		d.Ack()
		return
	}

	if c.classifier.Transient(name, herr) && cmd.Retries < c.opts.MaxRetries {
		log.Warn(log.CatInbox, "transient handler failure, redelivering",
			"commandId", cmd.ID, "retries", cmd.Retries+1, "error", herr.Error())
		if err := c.store.Commands().MarkRetrying(ctx, cmd.ID, herr.Error()); err != nil {
			log.ErrorErr(log.CatInbox, "failed to record retry", err, "commandId", cmd.ID)
		}
		c.release(ctx, env.MessageID, handlerName)
		d.Nack()
		return
	}

	c.fail(ctx, env, cmd, herr)
	d.Ack()
}

// release drops the inbox dedup record so a redelivery re-enters the
// handler.
func (c *Consumer) release(ctx context.Context, messageID, handlerName string) {
	if err := c.store.Inbox().Remove(ctx, messageID, handlerName); err != nil {
		log.ErrorErr(log.CatInbox, "failed to release inbox record", err, "messageId", messageID)
	}
}

// complete commits SUCCEEDED and the CommandCompleted reply in one
// transaction.
func (c *Consumer) complete(ctx context.Context, env *envelope.Envelope, cmd *store.Command, result map[string]any) {
	reply, err := envelope.NewCompletedReply(env, result)
	if err != nil {
		c.fail(ctx, env, cmd, err)
		return
	}
	if err := c.commitReply(ctx, env, reply, cmd, store.CommandSucceeded, ""); err != nil {
		log.ErrorErr(log.CatInbox, "failed to commit completion", err, "commandId", cmd.ID)
		return
	}
	metrics.CommandsTerminal.WithLabelValues(cmd.Name, string(store.CommandSucceeded)).Inc()
	log.Info(log.CatInbox, "command succeeded", "command", cmd.Name, "commandId", cmd.ID)
}

// fail commits FAILED, the CommandFailed reply and the dead-letter row in
// one transaction. Permanent failures are never retried.
func (c *Consumer) fail(ctx context.Context, env *envelope.Envelope, cmd *store.Command, herr error) {
	reply := envelope.NewFailedReply(env, herr.Error())
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Commands().MarkTerminal(ctx, cmd.ID, store.CommandFailed, herr.Error()); err != nil {
			return err
		}
		if err := insertReply(ctx, tx, env, reply); err != nil {
			return err
		}
		return tx.DLQ().Park(ctx, &store.DeadLetter{
			CommandID:    cmd.ID,
			CommandName:  cmd.Name,
			BusinessKey:  cmd.BusinessKey,
			Payload:      cmd.Payload,
			FailedStatus: store.CommandFailed,
			ErrorClass:   "permanent",
			ErrorMessage: herr.Error(),
			Attempts:     cmd.Retries + 1,
			ParkedBy:     c.opts.NodeName,
		})
	})
	if err != nil {
		log.ErrorErr(log.CatInbox, "failed to commit failure", err, "commandId", cmd.ID)
		return
	}
	metrics.CommandsTerminal.WithLabelValues(cmd.Name, string(store.CommandFailed)).Inc()
	metrics.DeadLetters.WithLabelValues(cmd.Name).Inc()
	log.Warn(log.CatInbox, "command failed permanently",
		"command", cmd.Name, "commandId", cmd.ID, "error", herr.Error())
}

func (c *Consumer) commitReply(ctx context.Context, request, reply *envelope.Envelope, cmd *store.Command, status store.CommandStatus, lastError string) error {
	return c.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Commands().MarkTerminal(ctx, cmd.ID, status, lastError); err != nil {
			return err
		}
		return insertReply(ctx, tx, request, reply)
	})
}

// insertReply writes the reply outbox row targeted at the request's
// replyTo queue.
func insertReply(ctx context.Context, tx store.Tx, request, reply *envelope.Envelope) error {
	data, err := reply.Encode()
	if err != nil {
		return err
	}
	topic := request.Header(envelope.HeaderReplyTo)
	if topic == "" {
		topic = envelope.ReplyQueue
	}
	_, err = tx.Outbox().Insert(ctx, &store.OutboxEntry{
		Category: store.CategoryReply,
		Topic:    topic,
		Key:      reply.BusinessKey(),
		Type:     string(reply.Type),
		Payload:  data,
		Headers:  reply.Headers,
	})
	return err
}

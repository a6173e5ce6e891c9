package consumer

import (
	"context"
	"fmt"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/broker"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/bus"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/metrics"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

const replyHandlerName = "ReplyConsumer"

// ReplyHandler receives command replies. The process manager implements it
// to drive orchestrations forward.
type ReplyHandler interface {
	HandleReply(ctx context.Context, reply *envelope.Envelope) error
}

// ReplyConsumer drains the shared reply queue, fulfills synchronous
// waiters and forwards each reply to the reply handler. Deliveries are
// deduplicated through the durable inbox like any other message.
type ReplyConsumer struct {
	store     store.Store
	broker    broker.Broker
	responses *bus.Responses
	handler   ReplyHandler
}

// NewReplyConsumer creates a reply consumer. responses and handler may each
// be nil.
func NewReplyConsumer(st store.Store, br broker.Broker, responses *bus.Responses, handler ReplyHandler) *ReplyConsumer {
	return &ReplyConsumer{store: st, broker: br, responses: responses, handler: handler}
}

// Run consumes the reply queue until ctx is cancelled.
func (rc *ReplyConsumer) Run(ctx context.Context) error {
	deliveries, err := rc.broker.Consume(ctx, envelope.ReplyQueue)
	if err != nil {
		return fmt.Errorf("failed to consume reply queue: %w", err)
	}
	log.Info(log.CatInbox, "consuming reply queue")
	for d := range deliveries {
		rc.Handle(ctx, d)
	}
	return ctx.Err()
}

// Handle processes one reply delivery and settles it.
func (rc *ReplyConsumer) Handle(ctx context.Context, d *broker.Delivery) {
	reply := d.Envelope
	if !reply.IsReply() {
		log.Warn(log.CatInbox, "non-reply message on reply queue",
			"messageId", reply.MessageID, "type", string(reply.Type))
		d.Ack()
		return
	}

	inserted, err := rc.store.Inbox().InsertIfAbsent(ctx, reply.MessageID, replyHandlerName)
	if err != nil {
		log.ErrorErr(log.CatInbox, "inbox insert failed", err, "messageId", reply.MessageID)
		d.Nack()
		return
	}
	if !inserted {
		metrics.InboxDuplicates.Inc()
		d.Ack()
		return
	}

	if rc.responses != nil {
		// Synchronous submitters wait on the idempotency key they sent;
		// other waiters key by command id.
		rc.responses.Fulfill(reply.CommandID, reply)
		if key := reply.Header(envelope.HeaderIdempotencyKey); key != "" {
			rc.responses.Fulfill(key, reply)
		}
	}

	if rc.handler != nil {
		if err := rc.handler.HandleReply(ctx, reply); err != nil {
			// Release the dedup record and redeliver; reply application
			// must not be lost to a transient store error.
			log.ErrorErr(log.CatInbox, "reply handling failed, redelivering", err,
				"commandId", reply.CommandID)
			if rerr := rc.store.Inbox().Remove(ctx, reply.MessageID, replyHandlerName); rerr != nil {
				log.ErrorErr(log.CatInbox, "failed to release inbox record", rerr, "messageId", reply.MessageID)
			}
			d.Nack()
			return
		}
	}
	d.Ack()
}

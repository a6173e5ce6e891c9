// Package relay moves committed outbox rows to the broker. The scheduled
// sweep claims batches under the claim/lease protocol; the fast-path pool
// publishes single rows the moment the bus commits them. A separate sweeper
// releases claims abandoned by crashed relays. Publishing never happens
// inside a database transaction.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/broker"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/metrics"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// Options tunes a relay instance.
type Options struct {
	// Claimer identifies this process in outbox claims.
	Claimer string
	// BatchSize caps rows claimed per sweep.
	BatchSize int
	// SweepInterval is the scheduled sweep period.
	SweepInterval time.Duration
	// StuckThreshold is the claim lease.
	StuckThreshold time.Duration
	// BackoffBase and BackoffCap bound the publish retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Relay publishes claimed outbox entries.
type Relay struct {
	store  store.Store
	broker broker.Broker
	opts   Options
}

// New creates a relay.
func New(st store.Store, br broker.Broker, opts Options) *Relay {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 300 * time.Second
	}
	return &Relay{store: st, broker: br, opts: opts}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	log.Info(log.CatOutbox, "relay started",
		"claimer", r.opts.Claimer, "interval", r.opts.SweepInterval.String())
	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.ErrorErr(log.CatOutbox, "sweep failed", err)
			}
		case <-ctx.Done():
			log.Info(log.CatOutbox, "relay stopped", "claimer", r.opts.Claimer)
			return ctx.Err()
		}
	}
}

// Sweep claims one batch and publishes every claimed entry. Returns the
// number of entries published.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	entries, err := r.store.Outbox().ClaimBatch(ctx, r.opts.BatchSize, r.opts.Claimer, r.opts.StuckThreshold)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox batch: %w", err)
	}

	published := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if r.publish(ctx, entry) {
			published++
		}
	}
	return published, nil
}

// publish drives one claimed entry through SENDING to PUBLISHED, or back to
// NEW with backoff on broker failure. Returns true when the entry was
// published and finalized.
func (r *Relay) publish(ctx context.Context, entry *store.OutboxEntry) bool {
	env, err := envelope.Decode(entry.Payload)
	if err != nil {
		// A malformed payload never becomes publishable; park it.
		log.ErrorErr(log.CatOutbox, "parking malformed outbox entry", err, "outboxId", entry.ID)
		if err := r.store.Outbox().MarkFailed(ctx, entry.ID, err.Error()); err != nil {
			log.ErrorErr(log.CatOutbox, "failed to park outbox entry", err, "outboxId", entry.ID)
		}
		return false
	}

	if err := r.store.Outbox().MarkSending(ctx, entry.ID, r.opts.Claimer); err != nil {
		// Ownership was lost to recovery; the new owner publishes instead.
		log.Warn(log.CatOutbox, "lost outbox claim before send", "outboxId", entry.ID)
		return false
	}

	if err := r.broker.Publish(ctx, entry.Topic, env); err != nil {
		delay := Backoff(entry.Attempts, r.opts.BackoffBase, r.opts.BackoffCap)
		log.Warn(log.CatOutbox, "publish failed, rescheduling",
			"outboxId", entry.ID, "topic", entry.Topic, "attempts", entry.Attempts+1,
			"delay", delay.String(), "error", err.Error())
		if err := r.store.Outbox().Reschedule(ctx, entry.ID, time.Now().Add(delay), err.Error()); err != nil {
			log.ErrorErr(log.CatOutbox, "failed to reschedule outbox entry", err, "outboxId", entry.ID)
		}
		metrics.OutboxRescheduled.Inc()
		return false
	}

	if err := r.store.Outbox().MarkPublished(ctx, entry.ID, r.opts.Claimer); err != nil {
		// Published but ownership lost; the inbox guard absorbs the
		// duplicate the recovering relay will emit.
		log.Warn(log.CatOutbox, "lost outbox claim after publish", "outboxId", entry.ID)
		return false
	}
	metrics.OutboxPublished.WithLabelValues(string(entry.Category)).Inc()
	log.Debug(log.CatOutbox, "outbox entry published",
		"outboxId", entry.ID, "topic", entry.Topic, "category", string(entry.Category))
	return true
}

// PublishNow claims a single NEW entry and publishes it immediately. Used
// by the fast path; losing the claim race is not an error.
func (r *Relay) PublishNow(ctx context.Context, outboxID int64) {
	entry, err := r.store.Outbox().ClaimIfNew(ctx, outboxID, r.opts.Claimer)
	if err != nil {
		// Another publisher owns the row, or it is not yet eligible.
		return
	}
	r.publish(ctx, entry)
}

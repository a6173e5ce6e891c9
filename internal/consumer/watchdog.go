package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/metrics"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

const watchdogBatch = 100

// Watchdog times out RUNNING commands whose lease expired without a
// terminal result, emitting a CommandTimedOut reply so waiting processes
// can react. Lease expiry is authoritative: a handler still limping along
// loses, and its late terminal write is absorbed by status monotonicity.
type Watchdog struct {
	store    store.Store
	interval time.Duration
}

// NewWatchdog creates a watchdog sweeping on the given interval.
func NewWatchdog(st store.Store, interval time.Duration) *Watchdog {
	return &Watchdog{store: st, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Info(log.CatInbox, "command watchdog started", "interval", w.interval.String())
	for {
		select {
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.ErrorErr(log.CatInbox, "watchdog sweep failed", err)
			}
		case <-ctx.Done():
			log.Info(log.CatInbox, "command watchdog stopped")
			return ctx.Err()
		}
	}
}

// Sweep times out every expired command. Returns the number timed out.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	expired, err := w.store.Commands().ExpiredRunning(ctx, time.Now(), watchdogBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired commands: %w", err)
	}

	timedOut := 0
	for _, cmd := range expired {
		if err := w.timeout(ctx, cmd); err != nil {
			log.ErrorErr(log.CatInbox, "failed to time out command", err, "commandId", cmd.ID)
			continue
		}
		timedOut++
	}
	return timedOut, nil
}

func (w *Watchdog) timeout(ctx context.Context, cmd *store.Command) error {
	request, err := w.requestEnvelope(ctx, cmd)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("lease expired after %d retries", cmd.Retries)
	reply := envelope.NewTimedOutReply(request, reason)

	err = w.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Commands().MarkTerminal(ctx, cmd.ID, store.CommandTimedOut, reason); err != nil {
			return err
		}
		return insertReply(ctx, tx, request, reply)
	})
	if err != nil {
		return err
	}
	metrics.CommandsTerminal.WithLabelValues(cmd.Name, string(store.CommandTimedOut)).Inc()
	log.Warn(log.CatInbox, "command timed out", "command", cmd.Name, "commandId", cmd.ID)
	return nil
}

// requestEnvelope recovers the original CommandRequested envelope from the
// outbox so the timeout reply carries the right correlation ids.
func (w *Watchdog) requestEnvelope(ctx context.Context, cmd *store.Command) (*envelope.Envelope, error) {
	entries, err := w.store.Outbox().FindByCommandID(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Category != store.CategoryCommand {
			continue
		}
		env, err := envelope.Decode(entry.Payload)
		if err != nil {
			continue
		}
		return env, nil
	}
	return nil, fmt.Errorf("no command envelope found for %s", cmd.ID)
}

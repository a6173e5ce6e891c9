package relay

import (
	"context"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/metrics"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// Sweeper releases outbox claims abandoned by crashed or stalled relays.
// Recovered rows go back to NEW and the next sweep republishes them; the
// inbox guard on the consumer side absorbs any resulting duplicate.
type Sweeper struct {
	store     store.Store
	interval  time.Duration
	olderThan time.Duration
}

// NewSweeper creates a sweeper that recovers claims older than olderThan.
func NewSweeper(st store.Store, interval, olderThan time.Duration) *Sweeper {
	return &Sweeper{store: st, interval: interval, olderThan: olderThan}
}

// Run recovers stuck claims on the configured interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info(log.CatOutbox, "sweeper started", "olderThan", s.olderThan.String())
	for {
		select {
		case <-ticker.C:
			n, err := s.store.Outbox().RecoverStuck(ctx, s.olderThan)
			if err != nil {
				if ctx.Err() == nil {
					log.ErrorErr(log.CatOutbox, "stuck recovery failed", err)
				}
				continue
			}
			if n > 0 {
				metrics.OutboxRecovered.Add(float64(n))
				log.Warn(log.CatOutbox, "recovered stuck outbox claims", "count", n)
			}
		case <-ctx.Done():
			log.Info(log.CatOutbox, "sweeper stopped")
			return ctx.Err()
		}
	}
}

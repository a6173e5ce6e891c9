package relay

import (
	"context"
	"sync"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/metrics"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/pubsub"
)

// FastPath is the best-effort wake channel between the command bus and a
// bounded publisher pool. Notifications beyond the pool's buffer are
// dropped; the scheduled sweep remains the correctness path.
type FastPath struct {
	relay   *Relay
	wake    *pubsub.Broker[int64]
	permits int
	wg      sync.WaitGroup
}

// NewFastPath creates a fast path over the relay with the given worker
// count.
func NewFastPath(r *Relay, permits int) *FastPath {
	return &FastPath{
		relay:   r,
		wake:    pubsub.NewBrokerWithBuffer[int64](permits * 4),
		permits: permits,
	}
}

// Notify wakes a publisher for a committed outbox row. Never blocks; a
// notification that reaches no worker is counted and left to the sweep.
func (f *FastPath) Notify(outboxID int64) {
	if f.wake.Publish(pubsub.NotifyEvent, outboxID) == 0 {
		metrics.FastPathDropped.Inc()
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (f *FastPath) Run(ctx context.Context) error {
	sub := f.wake.Subscribe(ctx)
	log.Info(log.CatOutbox, "fast path started", "permits", f.permits)

	for i := 0; i < f.permits; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for event := range sub {
				f.relay.PublishNow(ctx, event.Payload)
			}
		}()
	}

	<-ctx.Done()
	f.wg.Wait()
	f.wake.Close()
	log.Info(log.CatOutbox, "fast path stopped")
	return ctx.Err()
}

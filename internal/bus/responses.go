package bus

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
)

// ErrReplyTimeout is returned when no reply arrives within the registry TTL.
var ErrReplyTimeout = errors.New("reply timeout")

// Responses maps reply waiters by key. Synchronous submitters key waiters
// by idempotency key so they can register before the command is accepted;
// the reply consumer fulfills by both idempotency key and commandId.
// Entries carry a strict time-to-live; a waiter that times out is evicted
// explicitly and the late reply is dropped. The background cache janitor
// reaps abandoned entries.
type Responses struct {
	ttl     time.Duration
	waiters *cache.Cache
}

// NewResponses creates a registry with the given waiter TTL.
func NewResponses(ttl time.Duration) *Responses {
	return &Responses{
		ttl:     ttl,
		waiters: cache.New(ttl, 2*ttl),
	}
}

// Expect registers a waiter under a key. Call before Accept so a reply
// racing the accept cannot slip past the registration.
func (r *Responses) Expect(key string) {
	r.waiters.Set(key, make(chan *envelope.Envelope, 1), cache.DefaultExpiration)
}

// Forget drops a waiter that will never be awaited, such as after a
// failed accept.
func (r *Responses) Forget(key string) {
	r.waiters.Delete(key)
}

// Fulfill delivers a reply to the waiter, if one is still registered.
// Returns false when the waiter is gone (timed out or never registered).
func (r *Responses) Fulfill(key string, reply *envelope.Envelope) bool {
	v, ok := r.waiters.Get(key)
	if !ok {
		return false
	}
	ch := v.(chan *envelope.Envelope)
	select {
	case ch <- reply:
		return true
	default:
		return false
	}
}

// Await blocks until the reply arrives, the TTL elapses or ctx is
// cancelled. The waiter is evicted on every exit path.
func (r *Responses) Await(ctx context.Context, key string) (*envelope.Envelope, error) {
	defer r.waiters.Delete(key)

	v, ok := r.waiters.Get(key)
	if !ok {
		return nil, ErrReplyTimeout
	}
	ch := v.(chan *envelope.Envelope)

	timer := time.NewTimer(r.ttl)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, ErrReplyTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/broker"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/broker/memory"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/relay"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/testutil"
)

func testOptions() relay.Options {
	return relay.Options{
		Claimer:        "test-node",
		BatchSize:      500,
		SweepInterval:  time.Second,
		StuckThreshold: 10 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     300 * time.Second,
	}
}

func insertCommandEntry(t *testing.T, db store.Store, name string) int64 {
	t.Helper()
	env := envelope.NewCommand(name, "c-1", "corr-1", "", "user-1",
		json.RawMessage(`{"username":"alice"}`), nil)
	data, err := env.Encode()
	require.NoError(t, err)
	id, err := db.Outbox().Insert(context.Background(), &store.OutboxEntry{
		Category: store.CategoryCommand,
		Topic:    envelope.CommandTopic(name),
		Key:      "user-1",
		Type:     name,
		Payload:  data,
		Headers:  env.Headers,
	})
	require.NoError(t, err)
	return id
}

func TestSweep_PublishesClaimedEntries(t *testing.T) {
	db := testutil.NewTestStore(t)
	b := memory.New()
	defer func() { _ = b.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := envelope.CommandTopic("CreateUser")
	deliveries, err := b.Consume(ctx, topic)
	require.NoError(t, err)

	id := insertCommandEntry(t, db, "CreateUser")

	r := relay.New(db, b, testOptions())
	published, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published)

	select {
	case d := <-deliveries:
		require.Equal(t, envelope.TypeCommandRequested, d.Envelope.Type)
		d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	entry, err := db.Outbox().Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.OutboxPublished, entry.Status)
}

func TestSweep_EmptyOutbox(t *testing.T) {
	db := testutil.NewTestStore(t)
	b := memory.New()
	defer func() { _ = b.Close() }()

	r := relay.New(db, b, testOptions())
	published, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, published)
}

// failingBroker fails a configured number of publishes, then delegates.
type failingBroker struct {
	inner    broker.Broker
	mu       sync.Mutex
	failures int
}

func (f *failingBroker) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	return f.inner.Publish(ctx, topic, env)
}

func (f *failingBroker) Consume(ctx context.Context, topic string) (<-chan *broker.Delivery, error) {
	return f.inner.Consume(ctx, topic)
}

func (f *failingBroker) Close() error { return f.inner.Close() }

func TestSweep_ReschedulesOnBrokerError(t *testing.T) {
	db := testutil.NewTestStore(t)
	b := &failingBroker{inner: memory.New(), failures: 1}
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	id := insertCommandEntry(t, db, "CreateUser")

	r := relay.New(db, b, testOptions())
	published, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, published)

	entry, err := db.Outbox().Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.OutboxNew, entry.Status)
	require.Equal(t, 1, entry.Attempts)
	require.NotNil(t, entry.NextAt)
	require.Equal(t, "broker unavailable", entry.LastError)
	// First failure backs off by the base delay.
	require.WithinDuration(t, time.Now().Add(time.Second), *entry.NextAt, 500*time.Millisecond)

	// Not republished while next_at is in the future.
	published, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, published)
}

func TestSweep_ParksMalformedPayload(t *testing.T) {
	db := testutil.NewTestStore(t)
	b := memory.New()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	id, err := db.Outbox().Insert(ctx, &store.OutboxEntry{
		Category: store.CategoryCommand,
		Topic:    "T",
		Type:     "CreateUser",
		Payload:  json.RawMessage(`{"no":"envelope fields"}`),
	})
	require.NoError(t, err)

	r := relay.New(db, b, testOptions())
	published, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, published)

	entry, err := db.Outbox().Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.OutboxFailed, entry.Status)
}

func TestPublishNow_WinsClaimOnce(t *testing.T) {
	db := testutil.NewTestStore(t)
	b := memory.New()
	defer func() { _ = b.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := envelope.CommandTopic("CreateUser")
	deliveries, err := b.Consume(ctx, topic)
	require.NoError(t, err)

	id := insertCommandEntry(t, db, "CreateUser")

	r := relay.New(db, b, testOptions())
	r.PublishNow(ctx, id)

	select {
	case d := <-deliveries:
		d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	entry, err := db.Outbox().Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.OutboxPublished, entry.Status)

	// A second notification for the same row is a silent no-op.
	r.PublishNow(ctx, id)
	select {
	case <-deliveries:
		t.Fatal("row published twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFastPath_PublishesNotifiedRows(t *testing.T) {
	db := testutil.NewTestStore(t)
	b := memory.New()
	defer func() { _ = b.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := envelope.CommandTopic("CreateUser")
	deliveries, err := b.Consume(ctx, topic)
	require.NoError(t, err)

	r := relay.New(db, b, testOptions())
	fp := relay.NewFastPath(r, 4)
	go func() { _ = fp.Run(ctx) }()

	// Wait for the pool to subscribe before notifying.
	require.Eventually(t, func() bool {
		id := insertCommandEntry(t, db, "CreateUser")
		fp.Notify(id)
		select {
		case d := <-deliveries:
			d.Ack()
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweeper_RecoversAbandonedClaims(t *testing.T) {
	db := testutil.NewTestStore(t)
	ctx := context.Background()

	id := insertCommandEntry(t, db, "CreateUser")
	_, err := db.Outbox().ClaimIfNew(ctx, id, "crashed-node")
	require.NoError(t, err)

	n, err := db.Outbox().RecoverStuck(ctx, -time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	entry, err := db.Outbox().Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.OutboxNew, entry.Status)

	// The next sweep by a live relay publishes it.
	b := memory.New()
	defer func() { _ = b.Close() }()
	r := relay.New(db, b, testOptions())
	published, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published)
}

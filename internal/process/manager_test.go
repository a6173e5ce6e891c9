package process_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/process"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/testutil"
)

// simplePayment is the reference orchestration: book limits, run FX and
// validations in parallel, then create the transaction and the payment.
type simplePayment struct{}

func (simplePayment) ProcessType() string { return "SimplePayment" }

func (simplePayment) Definition() (*process.Graph, error) {
	b := process.NewBuilder("SimplePayment")
	b.StartWith("BookLimits").WithCompensation("ReverseLimits")
	p := b.ThenParallel()
	p.Branch("BookFx").WithCompensation("UnwindFx")
	p.Branch("ValidateBalance")
	p.Branch("ValidateRisk")
	b = p.JoinAt("CreateTransaction")
	b.Then("CreatePayment")
	return b.End()
}

func (simplePayment) Payload(step string, data map[string]any) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"step": step, "amount": data["amount"]})
}

// issued records one command accepted by the fake bus.
type issued struct {
	Name        string
	Key         string
	BusinessKey string
	Payload     json.RawMessage
	Headers     map[string]string
	CommandID   string
}

// fakeBus implements the acceptor port with real idempotency semantics.
type fakeBus struct {
	mu    sync.Mutex
	calls []issued
	byKey map[string]string
}

func newFakeBus() *fakeBus {
	return &fakeBus{byKey: make(map[string]string)}
}

func (b *fakeBus) Accept(ctx context.Context, name, idempotencyKey, businessKey string, payload json.RawMessage, headers map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.byKey[idempotencyKey]; ok {
		return id, nil
	}
	id := uuid.New().String()
	b.byKey[idempotencyKey] = id
	b.calls = append(b.calls, issued{
		Name: name, Key: idempotencyKey, BusinessKey: businessKey,
		Payload: payload, Headers: headers, CommandID: id,
	})
	return id, nil
}

func (b *fakeBus) issued() []issued {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]issued(nil), b.calls...)
}

// last returns the most recent issuance of a command name.
func (b *fakeBus) last(t *testing.T, name string) issued {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.calls) - 1; i >= 0; i-- {
		if b.calls[i].Name == name {
			return b.calls[i]
		}
	}
	t.Fatalf("command %s was never issued", name)
	return issued{}
}

// reply reconstructs the request envelope for an issuance and builds a
// reply of the requested kind.
func reply(t *testing.T, cmd issued, kind envelope.MessageType, result map[string]any, errMsg string) *envelope.Envelope {
	t.Helper()
	headers := map[string]string{}
	if branch := cmd.Headers[envelope.HeaderParallelBranch]; branch != "" {
		headers[envelope.HeaderParallelBranch] = branch
	}
	correlationID := cmd.Headers["correlationId"]
	request := envelope.NewCommand(cmd.Name, cmd.CommandID, correlationID, "", cmd.BusinessKey, cmd.Payload, headers)
	switch kind {
	case envelope.TypeCommandCompleted:
		r, err := envelope.NewCompletedReply(request, result)
		require.NoError(t, err)
		return r
	case envelope.TypeCommandFailed:
		return envelope.NewFailedReply(request, errMsg)
	case envelope.TypeCommandTimedOut:
		return envelope.NewTimedOutReply(request, errMsg)
	default:
		t.Fatalf("unsupported reply kind %s", kind)
		return nil
	}
}

func newManager(t *testing.T, db store.Store, bus process.Acceptor) *process.Manager {
	t.Helper()
	m := process.NewManager(db, bus, process.Options{
		MaxRetries:        3,
		RetryBase:         5 * time.Millisecond,
		TransientPatterns: []string{"timeout", "connection", "temporary", "deadlock"},
	})
	require.NoError(t, m.Register(simplePayment{}))
	return m
}

func eventTypes(t *testing.T, m *process.Manager, processID string) []process.EventType {
	t.Helper()
	events, err := m.Replay(context.Background(), processID)
	require.NoError(t, err)
	types := make([]process.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestManager_RegisterDuplicateType(t *testing.T) {
	db := testutil.NewTestStore(t)
	m := process.NewManager(db, newFakeBus(), process.Options{})
	require.NoError(t, m.Register(simplePayment{}))
	require.ErrorIs(t, m.Register(simplePayment{}), process.ErrDuplicateProcessType)
}

func TestManager_HappyPath(t *testing.T) {
	db := testutil.NewTestStore(t)
	bus := newFakeBus()
	m := newManager(t, db, bus)
	ctx := context.Background()

	pid, err := m.StartProcess(ctx, "SimplePayment", "pay-1", map[string]any{"amount": 100.0})
	require.NoError(t, err)

	// The initial step went out with an attempt-scoped idempotency key.
	first := bus.last(t, "BookLimits")
	require.Equal(t, pid+":BookLimits#0", first.Key)
	require.Equal(t, pid, first.Headers["correlationId"])
	require.Equal(t, "pay-1", first.BusinessKey)

	// BookLimits completes: the three branches fan out.
	require.NoError(t, m.HandleReply(ctx, reply(t, first, envelope.TypeCommandCompleted,
		map[string]any{"limitId": "L-1"}, "")))
	require.Len(t, bus.issued(), 4)
	for _, branch := range []string{"BookFx", "ValidateBalance", "ValidateRisk"} {
		cmd := bus.last(t, branch)
		require.Equal(t, pid+":"+branch+"#0", cmd.Key)
		require.Equal(t, branch, cmd.Headers[envelope.HeaderParallelBranch])
	}

	inst, err := m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, "CreateTransaction", inst.CurrentStep)
	require.Equal(t, store.ProcessRunning, inst.Status)

	// Two branches done: still waiting at the join.
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookFx"),
		envelope.TypeCommandCompleted, map[string]any{"fxRate": 1.25}, "")))
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "ValidateBalance"),
		envelope.TypeCommandCompleted, nil, "")))
	require.Len(t, bus.issued(), 4)

	// Last branch unlocks the join.
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "ValidateRisk"),
		envelope.TypeCommandCompleted, nil, "")))
	require.Len(t, bus.issued(), 5)
	require.Equal(t, "CreateTransaction", bus.last(t, "CreateTransaction").Name)

	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "CreateTransaction"),
		envelope.TypeCommandCompleted, map[string]any{"transactionId": "T-1"}, "")))
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "CreatePayment"),
		envelope.TypeCommandCompleted, map[string]any{"paymentId": "P-1"}, "")))

	inst, err = m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessSucceeded, inst.Status)
	require.Equal(t, store.TerminalStep, inst.CurrentStep)
	// Reply data merged shallowly; manager bookkeeping removed.
	require.Equal(t, "L-1", inst.Data["limitId"])
	require.Equal(t, 1.25, inst.Data["fxRate"])
	require.Equal(t, "P-1", inst.Data["paymentId"])
	require.NotContains(t, inst.Data, "__parallel__")

	require.Equal(t, []process.EventType{
		process.EventProcessStarted,
		process.EventStepStarted,   // BookLimits
		process.EventStepCompleted, // BookLimits
		process.EventStepStarted,   // BookFx
		process.EventStepStarted,   // ValidateBalance
		process.EventStepStarted,   // ValidateRisk
		process.EventStepCompleted, // BookFx
		process.EventStepCompleted, // ValidateBalance
		process.EventStepCompleted, // ValidateRisk
		process.EventStepStarted,   // CreateTransaction
		process.EventStepCompleted, // CreateTransaction
		process.EventStepStarted,   // CreatePayment
		process.EventStepCompleted, // CreatePayment
		process.EventProcessCompleted,
	}, eventTypes(t, m, pid))

	// The fan-out logged one branch-tagged StepStarted per branch.
	events, err := m.Replay(ctx, pid)
	require.NoError(t, err)
	branchStarts := map[string]int{}
	for _, ev := range events {
		if ev.Type == process.EventStepStarted && ev.Branch != "" {
			branchStarts[ev.Branch]++
		}
	}
	require.Equal(t, map[string]int{"BookFx": 1, "ValidateBalance": 1, "ValidateRisk": 1}, branchStarts)

	// The terminal transition emitted a lifecycle event outbox row.
	entries, err := db.Outbox().ClaimBatch(ctx, 10, "test", time.Second)
	require.NoError(t, err)
	var eventRows int
	for _, e := range entries {
		if e.Category == store.CategoryEvent {
			eventRows++
			require.Equal(t, "events.SimplePayment", e.Topic)
			require.Equal(t, string(process.EventProcessCompleted), e.Type)
		}
	}
	require.Equal(t, 1, eventRows)
}

func TestManager_CompensationInReverseCompletionOrder(t *testing.T) {
	db := testutil.NewTestStore(t)
	bus := newFakeBus()
	m := newManager(t, db, bus)
	ctx := context.Background()

	pid, err := m.StartProcess(ctx, "SimplePayment", "pay-2", map[string]any{"amount": 50.0})
	require.NoError(t, err)

	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookLimits"),
		envelope.TypeCommandCompleted, nil, "")))
	for _, branch := range []string{"BookFx", "ValidateBalance", "ValidateRisk"} {
		require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, branch),
			envelope.TypeCommandCompleted, nil, "")))
	}

	// CreateTransaction fails with a domain error: never retried.
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "CreateTransaction"),
		envelope.TypeCommandFailed, nil, "insufficient funds")))

	inst, err := m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessCompensating, inst.Status)
	// Reverse completion order: BookFx completed after BookLimits, so
	// UnwindFx runs before ReverseLimits.
	require.Equal(t, "UnwindFx", inst.CurrentStep)
	require.Equal(t, pid+":UnwindFx#0", bus.last(t, "UnwindFx").Key)

	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "UnwindFx"),
		envelope.TypeCommandCompleted, nil, "")))
	require.Equal(t, pid+":ReverseLimits#0", bus.last(t, "ReverseLimits").Key)

	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "ReverseLimits"),
		envelope.TypeCommandCompleted, nil, "")))

	inst, err = m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessCompensated, inst.Status)
	require.Equal(t, store.TerminalStep, inst.CurrentStep)

	types := eventTypes(t, m, pid)
	require.Equal(t, []process.EventType{
		process.EventStepFailed,
		process.EventCompensationStarted,   // UnwindFx
		process.EventCompensationCompleted, // UnwindFx
		process.EventCompensationStarted,   // ReverseLimits
		process.EventCompensationCompleted, // ReverseLimits
		process.EventProcessCompensated,
	}, types[len(types)-6:])
}

func TestManager_CompensationFailurePermanent(t *testing.T) {
	db := testutil.NewTestStore(t)
	bus := newFakeBus()
	m := newManager(t, db, bus)
	ctx := context.Background()

	pid, err := m.StartProcess(ctx, "SimplePayment", "pay-3", nil)
	require.NoError(t, err)

	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookLimits"),
		envelope.TypeCommandCompleted, nil, "")))
	// A branch fails permanently: compensation starts with BookLimits'
	// compensation (only completed step).
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookFx"),
		envelope.TypeCommandFailed, nil, "invalid currency pair")))

	inst, err := m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessCompensating, inst.Status)
	require.Equal(t, "ReverseLimits", inst.CurrentStep)

	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "ReverseLimits"),
		envelope.TypeCommandFailed, nil, "ledger rejected reversal")))

	inst, err = m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessFailed, inst.Status)

	types := eventTypes(t, m, pid)
	require.Equal(t, process.EventProcessFailed, types[len(types)-1])
	require.Equal(t, process.EventCompensationFailed, types[len(types)-2])

	// The domain error was classified non-retryable.
	events, err := m.Replay(ctx, pid)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Type == process.EventStepFailed {
			require.Equal(t, "BookFx", ev.Step)
			require.False(t, ev.Retryable)
		}
	}
}

func TestManager_ParallelBranchesRetryIndependently(t *testing.T) {
	db := testutil.NewTestStore(t)
	bus := newFakeBus()
	m := newManager(t, db, bus)
	ctx := context.Background()

	pid, err := m.StartProcess(ctx, "SimplePayment", "pay-7", nil)
	require.NoError(t, err)
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookLimits"),
		envelope.TypeCommandCompleted, nil, "")))
	require.Len(t, bus.issued(), 4)

	// Two branches fail transiently back to back. Each must be re-issued;
	// neither failure may consume the other's retry budget.
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookFx"),
		envelope.TypeCommandFailed, nil, "connection timeout")))
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "ValidateBalance"),
		envelope.TypeCommandFailed, nil, "connection timeout")))

	hasKey := func(key string) func() bool {
		return func() bool {
			for _, c := range bus.issued() {
				if c.Key == key {
					return true
				}
			}
			return false
		}
	}
	require.Eventually(t, hasKey(pid+":BookFx#1"), 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, hasKey(pid+":ValidateBalance#1"), 5*time.Second, 5*time.Millisecond)
	require.Len(t, bus.issued(), 6)

	// Both retries carry their branch header for reply routing.
	require.Equal(t, "BookFx", bus.last(t, "BookFx").Headers[envelope.HeaderParallelBranch])
	require.Equal(t, "ValidateBalance", bus.last(t, "ValidateBalance").Headers[envelope.HeaderParallelBranch])

	for _, branch := range []string{"BookFx", "ValidateBalance", "ValidateRisk"} {
		require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, branch),
			envelope.TypeCommandCompleted, nil, "")))
	}

	inst, err := m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessRunning, inst.Status)
	require.Equal(t, "CreateTransaction", inst.CurrentStep)
	require.Equal(t, "CreateTransaction", bus.last(t, "CreateTransaction").Name)

	var scheduled []string
	events, err := m.Replay(ctx, pid)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Type == process.EventStepRetryScheduled {
			require.Equal(t, ev.Step, ev.Branch)
			require.Equal(t, 1, ev.Attempt)
			scheduled = append(scheduled, ev.Step)
		}
	}
	require.ElementsMatch(t, []string{"BookFx", "ValidateBalance"}, scheduled)
}

func TestManager_TransientFailureRetriesSameStep(t *testing.T) {
	db := testutil.NewTestStore(t)
	bus := newFakeBus()
	m := newManager(t, db, bus)
	ctx := context.Background()

	pid, err := m.StartProcess(ctx, "SimplePayment", "pay-4", nil)
	require.NoError(t, err)

	// Two transient failures, then success.
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookLimits"),
			envelope.TypeCommandFailed, nil, "connection timeout")))

		inst, err := m.Get(ctx, pid)
		require.NoError(t, err)
		require.Equal(t, store.ProcessRunning, inst.Status)
		require.Equal(t, attempt, inst.Retries)

		// The retry goroutine re-issues with a fresh attempt key.
		wantKey := fmt.Sprintf("%s:BookLimits#%d", pid, attempt)
		require.Eventually(t, func() bool {
			return bus.last(t, "BookLimits").Key == wantKey
		}, 5*time.Second, 5*time.Millisecond)
	}

	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookLimits"),
		envelope.TypeCommandCompleted, nil, "")))

	inst, err := m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessRunning, inst.Status)
	require.Equal(t, "CreateTransaction", inst.CurrentStep)
	// Retries reset once the step completes.
	require.Zero(t, inst.Retries)

	var retriesScheduled, completed int
	events, err := m.Replay(ctx, pid)
	require.NoError(t, err)
	for _, ev := range events {
		switch {
		case ev.Type == process.EventStepRetryScheduled:
			retriesScheduled++
		case ev.Type == process.EventStepCompleted && ev.Step == "BookLimits":
			completed++
		}
	}
	require.Equal(t, 2, retriesScheduled)
	require.Equal(t, 1, completed)
}

func TestManager_TimedOutEscalatesWithoutRetry(t *testing.T) {
	db := testutil.NewTestStore(t)
	bus := newFakeBus()
	m := newManager(t, db, bus)
	ctx := context.Background()

	pid, err := m.StartProcess(ctx, "SimplePayment", "pay-5", nil)
	require.NoError(t, err)

	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookLimits"),
		envelope.TypeCommandTimedOut, nil, "lease expired after 0 retries")))

	// Nothing completed yet, so compensation is vacuous.
	inst, err := m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessCompensated, inst.Status)
	require.Len(t, bus.issued(), 1)

	// The timeout is logged as its own event kind, not a plain failure.
	types := eventTypes(t, m, pid)
	require.Equal(t, []process.EventType{
		process.EventProcessStarted,
		process.EventStepStarted,
		process.EventStepTimedOut,
		process.EventProcessCompensated,
	}, types)
}

func TestManager_PauseSuspendsIssuance(t *testing.T) {
	db := testutil.NewTestStore(t)
	bus := newFakeBus()
	m := newManager(t, db, bus)
	ctx := context.Background()

	pid, err := m.StartProcess(ctx, "SimplePayment", "pay-6", nil)
	require.NoError(t, err)
	require.NoError(t, m.Pause(ctx, pid))

	// The in-flight reply is applied, but no new step goes out.
	require.NoError(t, m.HandleReply(ctx, reply(t, bus.last(t, "BookLimits"),
		envelope.TypeCommandCompleted, nil, "")))
	require.Len(t, bus.issued(), 1)

	inst, err := m.Get(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, store.ProcessPaused, inst.Status)

	// Resume fans the parallel section out.
	require.NoError(t, m.Resume(ctx, pid))
	require.Len(t, bus.issued(), 4)

	// Double pause and resume are rejected.
	require.Error(t, m.Resume(ctx, pid))
	require.NoError(t, m.Pause(ctx, pid))
	require.Error(t, m.Pause(ctx, pid))
}

func TestManager_IgnoresForeignReplies(t *testing.T) {
	db := testutil.NewTestStore(t)
	m := newManager(t, db, newFakeBus())
	ctx := context.Background()

	// Self-correlated replies belong to simple commands, not processes.
	request := envelope.NewCommand("CreateUser", "c-1", "c-1", "", "", json.RawMessage(`{}`), nil)
	r, err := envelope.NewCompletedReply(request, nil)
	require.NoError(t, err)
	require.NoError(t, m.HandleReply(ctx, r))

	// Unknown process ids are logged and dropped.
	request = envelope.NewCommand("CreateUser", "c-2", uuid.New().String(), "", "", json.RawMessage(`{}`), nil)
	r, err = envelope.NewCompletedReply(request, nil)
	require.NoError(t, err)
	require.NoError(t, m.HandleReply(ctx, r))
}

func TestManager_StartUnknownType(t *testing.T) {
	db := testutil.NewTestStore(t)
	m := process.NewManager(db, newFakeBus(), process.Options{})
	_, err := m.StartProcess(context.Background(), "Nope", "k", nil)
	require.Error(t, err)
}

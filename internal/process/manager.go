package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/metrics"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// Reserved data keys owned by the manager. Handlers must not write them.
const (
	parallelKey     = "__parallel__"
	compensationKey = "__compensation__"
)

// Parallel branch states tracked under the parallelKey subtree.
const (
	branchPending   = "PENDING"
	branchCompleted = "COMPLETED"
	branchFailed    = "FAILED"
)

// branchRetriesKey holds the per-branch retry counts inside the parallel
// subtree. Branch names are command types, so the key cannot collide.
const branchRetriesKey = "__retries__"

const replayLimit = 10_000

// ErrDuplicateProcessType is returned when two configurations claim the
// same process type.
var ErrDuplicateProcessType = errors.New("duplicate process type")

// Acceptor is the command bus surface the manager issues steps through.
type Acceptor interface {
	Accept(ctx context.Context, name, idempotencyKey, businessKey string, payload json.RawMessage, headers map[string]string) (string, error)
}

// Configuration declares one process type: its graph and how step payloads
// are rendered from instance data.
type Configuration interface {
	ProcessType() string
	Definition() (*Graph, error)
	Payload(step string, data map[string]any) (json.RawMessage, error)
}

// RetryPolicy optionally overrides the default retry behavior per step.
type RetryPolicy interface {
	IsRetryable(step, errMsg string) bool
	MaxRetries(step string) int
}

// TimeoutPolicy optionally makes timed-out steps retryable. Without it a
// CommandTimedOut reply always escalates to compensation.
type TimeoutPolicy interface {
	RetryTimedOut(step string) bool
}

// BackoffPolicy optionally overrides the retry delay per step.
type BackoffPolicy interface {
	RetryDelay(step string, attempt int) time.Duration
}

// Options tunes the manager.
type Options struct {
	// MaxRetries is the per-step retry budget when the configuration does
	// not override it.
	MaxRetries int
	// RetryBase is the base for the exponential retry delay base * 2^attempt.
	RetryBase time.Duration
	// TransientPatterns classifies retryable step errors by
	// case-insensitive substring match when the configuration does not
	// override the verdict.
	TransientPatterns []string
}

// Manager orchestrates process instances. It implements the reply-handler
// contract of the reply consumer; replies are applied serially because the
// reply queue has a single consumer.
type Manager struct {
	store   store.Store
	bus     Acceptor
	opts    Options
	configs map[string]Configuration
	graphs  map[string]*Graph
}

// NewManager creates a manager with no registered process types.
func NewManager(st store.Store, bus Acceptor, opts Options) *Manager {
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	return &Manager{
		store:   st,
		bus:     bus,
		opts:    opts,
		configs: make(map[string]Configuration),
		graphs:  make(map[string]*Graph),
	}
}

// Register builds and caches the graph for each configuration. A duplicate
// process type or an invalid graph fails startup.
func (m *Manager) Register(configs ...Configuration) error {
	for _, cfg := range configs {
		processType := cfg.ProcessType()
		if _, exists := m.configs[processType]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateProcessType, processType)
		}
		graph, err := cfg.Definition()
		if err != nil {
			return fmt.Errorf("failed to build graph for %s: %w", processType, err)
		}
		m.configs[processType] = cfg
		m.graphs[processType] = graph
		log.Info(log.CatProcess, "process type registered", "processType", processType,
			"initialStep", graph.InitialStep())
	}
	return nil
}

func (m *Manager) graph(processType string) (*Graph, Configuration, error) {
	g, ok := m.graphs[processType]
	if !ok {
		return nil, nil, fmt.Errorf("unknown process type %s", processType)
	}
	return g, m.configs[processType], nil
}

// StartProcess creates and runs a new instance. The returned processId is
// the correlation id on every command the process issues.
func (m *Manager) StartProcess(ctx context.Context, processType, businessKey string, initialData map[string]any) (string, error) {
	g, _, err := m.graph(processType)
	if err != nil {
		return "", err
	}

	data := make(map[string]any, len(initialData))
	for k, v := range initialData {
		data[k] = v
	}
	inst := &store.ProcessInstance{
		ProcessID:   uuid.New().String(),
		ProcessType: processType,
		BusinessKey: businessKey,
		Status:      store.ProcessRunning,
		CurrentStep: g.InitialStep(),
		Data:        data,
	}
	if err := m.store.Processes().Insert(ctx, inst, Event{Type: EventProcessStarted, Step: g.InitialStep()}.logEvent()); err != nil {
		return "", fmt.Errorf("failed to start process: %w", err)
	}
	metrics.ProcessTransitions.WithLabelValues(processType, string(store.ProcessRunning)).Inc()
	log.Info(log.CatProcess, "process started",
		"processType", processType, "processId", inst.ProcessID, "businessKey", businessKey)

	if err := m.executeStep(ctx, inst); err != nil {
		return inst.ProcessID, err
	}
	return inst.ProcessID, nil
}

// executeStep issues the instance's current step. A fan-out step seeds the
// parallel bookkeeping, parks the instance at the join and issues every
// branch.
func (m *Manager) executeStep(ctx context.Context, inst *store.ProcessInstance) error {
	g, cfg, err := m.graph(inst.ProcessType)
	if err != nil {
		return err
	}

	step := inst.CurrentStep
	if g.IsParallel(step) {
		branches := g.ParallelBranches(step)
		par := make(map[string]any, len(branches))
		for _, branch := range branches {
			par[branch] = branchPending
		}
		inst.Data[parallelKey] = par
		inst.CurrentStep = g.JoinStep(step)
		// One StepStarted per branch; the join gets its own when it unlocks.
		for _, branch := range branches {
			if err := m.update(ctx, inst, Event{Type: EventStepStarted, Step: branch, Branch: branch}); err != nil {
				return err
			}
		}
		for _, branch := range branches {
			if _, err := m.issue(ctx, inst, cfg, branch, 0, branch); err != nil {
				return err
			}
		}
		return nil
	}

	if err := m.update(ctx, inst, Event{Type: EventStepStarted, Step: step}); err != nil {
		return err
	}
	_, err = m.issue(ctx, inst, cfg, step, inst.Retries, "")
	return err
}

// issue accepts one step command through the bus. The idempotency key is
// scoped to the attempt, so re-running the issuance cannot double-emit work
// while a genuine retry becomes a fresh command.
func (m *Manager) issue(ctx context.Context, inst *store.ProcessInstance, cfg Configuration, step string, attempt int, branch string) (string, error) {
	payload, err := cfg.Payload(step, inst.Data)
	if err != nil {
		return "", fmt.Errorf("failed to render payload for %s: %w", step, err)
	}
	headers := map[string]string{"correlationId": inst.ProcessID}
	if branch != "" {
		headers[envelope.HeaderParallelBranch] = branch
	}
	key := fmt.Sprintf("%s:%s#%d", inst.ProcessID, step, attempt)
	commandID, err := m.bus.Accept(ctx, step, key, inst.BusinessKey, payload, headers)
	if err != nil {
		return "", fmt.Errorf("failed to issue step %s: %w", step, err)
	}
	log.Debug(log.CatProcess, "step issued",
		"processId", inst.ProcessID, "step", step, "attempt", attempt, "commandId", commandID)
	return commandID, nil
}

// HandleReply applies one command reply to its process instance. Replies
// whose correlation id is not a known process are ignored; simple commands
// correlate to themselves.
func (m *Manager) HandleReply(ctx context.Context, reply *envelope.Envelope) error {
	processID := reply.CorrelationID
	if processID == "" || processID == reply.CommandID {
		return nil
	}
	inst, err := m.store.Processes().FindByID(ctx, processID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn(log.CatProcess, "reply for unknown process",
			"correlationId", processID, "commandId", reply.CommandID)
		return nil
	}
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		log.Debug(log.CatProcess, "late reply for finished process",
			"processId", processID, "commandId", reply.CommandID)
		return nil
	}
	g, cfg, err := m.graph(inst.ProcessType)
	if err != nil {
		log.Warn(log.CatProcess, "reply for unregistered process type",
			"processId", processID, "processType", inst.ProcessType)
		return nil
	}

	if inst.Status == store.ProcessCompensating {
		return m.handleCompensationReply(ctx, inst, g, cfg, reply)
	}

	paused := inst.Status == store.ProcessPaused
	switch reply.Type {
	case envelope.TypeCommandCompleted:
		return m.handleCompleted(ctx, inst, g, reply, paused)
	case envelope.TypeCommandFailed:
		return m.handleFailed(ctx, inst, g, cfg, reply, true)
	case envelope.TypeCommandTimedOut:
		allowRetry := false
		if tp, ok := cfg.(TimeoutPolicy); ok {
			allowRetry = tp.RetryTimedOut(m.failedStep(inst, reply))
		}
		return m.handleFailed(ctx, inst, g, cfg, reply, allowRetry)
	default:
		log.Warn(log.CatProcess, "unexpected reply type",
			"processId", processID, "type", string(reply.Type))
		return nil
	}
}

func (m *Manager) handleCompleted(ctx context.Context, inst *store.ProcessInstance, g *Graph, reply *envelope.Envelope, paused bool) error {
	result, err := reply.Result()
	if err != nil {
		return err
	}
	mergeData(inst.Data, result)

	branch := reply.Header(envelope.HeaderParallelBranch)
	if par := parallelState(inst); par != nil && branch != "" {
		if _, tracked := par[branch]; tracked {
			par[branch] = branchCompleted
			ev := Event{Type: EventStepCompleted, Step: branch, Branch: branch, CommandID: reply.CommandID}
			if !allBranches(par, branchCompleted) {
				return m.update(ctx, inst, ev)
			}
			// Join unlocked.
			delete(inst.Data, parallelKey)
			inst.Retries = 0
			if err := m.update(ctx, inst, ev); err != nil {
				return err
			}
			if paused {
				return nil
			}
			return m.executeStep(ctx, inst)
		}
	}

	step := inst.CurrentStep
	ev := Event{Type: EventStepCompleted, Step: step, CommandID: reply.CommandID}
	next, ok := g.NextStep(step, inst.Data)
	if !ok {
		if err := m.update(ctx, inst, ev); err != nil {
			return err
		}
		return m.finish(ctx, inst, store.ProcessSucceeded, Event{Type: EventProcessCompleted})
	}

	inst.CurrentStep = next
	inst.Retries = 0
	if err := m.update(ctx, inst, ev); err != nil {
		return err
	}
	if paused {
		return nil
	}
	return m.executeStep(ctx, inst)
}

// failedStep resolves which step a failure reply refers to.
func (m *Manager) failedStep(inst *store.ProcessInstance, reply *envelope.Envelope) string {
	if branch := reply.Header(envelope.HeaderParallelBranch); branch != "" {
		return branch
	}
	return inst.CurrentStep
}

func (m *Manager) handleFailed(ctx context.Context, inst *store.ProcessInstance, g *Graph, cfg Configuration, reply *envelope.Envelope, allowRetry bool) error {
	step := m.failedStep(inst, reply)
	branch := reply.Header(envelope.HeaderParallelBranch)
	par := parallelState(inst)
	if branch != "" && par != nil {
		par[branch] = branchFailed
	}

	// Each parallel branch carries its own retry budget; concurrent branch
	// failures must not consume each other's attempts.
	retryable := m.isRetryable(cfg, step, reply.Error)
	attempts := inst.Retries
	if branch != "" && par != nil {
		attempts = branchRetries(par, branch)
	}
	if allowRetry && retryable && attempts < m.maxRetries(cfg, step) {
		attempt := attempts + 1
		if branch != "" && par != nil {
			setBranchRetries(par, branch, attempt)
			par[branch] = branchPending
		} else {
			inst.Retries = attempt
		}
		delay := m.retryDelay(cfg, step, attempt)
		ev := Event{Type: EventStepRetryScheduled, Step: step, Branch: branch, Attempt: attempt,
			Error: reply.Error, DelayMillis: delay.Milliseconds(), CommandID: reply.CommandID}
		if err := m.update(ctx, inst, ev); err != nil {
			return err
		}
		log.Warn(log.CatProcess, "step retry scheduled",
			"processId", inst.ProcessID, "step", step, "attempt", attempt, "delay", delay.String())
		go m.retryLater(ctx, inst.ProcessID, step, branch, attempt, delay)
		return nil
	}

	evType := EventStepFailed
	if reply.Type == envelope.TypeCommandTimedOut {
		evType = EventStepTimedOut
	}
	ev := Event{Type: evType, Step: step, Branch: branch, Error: reply.Error,
		Retryable: allowRetry && retryable, CommandID: reply.CommandID}
	if err := m.update(ctx, inst, ev); err != nil {
		return err
	}
	log.Warn(log.CatProcess, "step failed, compensating",
		"processId", inst.ProcessID, "step", step, "error", reply.Error)
	return m.startCompensation(ctx, inst, g, cfg)
}

// retryLater re-issues a step after its backoff delay. The sleep happens
// outside any transaction and aborts on shutdown.
func (m *Manager) retryLater(ctx context.Context, processID, step, branch string, attempt int, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	inst, err := m.store.Processes().FindByID(ctx, processID)
	if err != nil {
		log.ErrorErr(log.CatProcess, "retry lost its process instance", err, "processId", processID)
		return
	}
	// A concurrent transition (pause, compensation, newer retry) wins.
	if inst.Status != store.ProcessRunning && inst.Status != store.ProcessCompensating {
		return
	}
	if branch != "" {
		if par := parallelState(inst); par == nil || branchRetries(par, branch) != attempt {
			return
		}
	} else if inst.Retries != attempt {
		return
	}
	_, cfg, err := m.graph(inst.ProcessType)
	if err != nil {
		return
	}
	if err := m.update(ctx, inst, Event{Type: EventStepStarted, Step: step, Branch: branch, Attempt: attempt}); err != nil {
		log.ErrorErr(log.CatProcess, "failed to record retry start", err, "processId", processID)
		return
	}
	if _, err := m.issue(ctx, inst, cfg, step, attempt, branch); err != nil {
		log.ErrorErr(log.CatProcess, "failed to re-issue step", err,
			"processId", processID, "step", step, "attempt", attempt)
	}
}

// ===========================================================================
// Compensation
// ===========================================================================

// compensationItem pairs a completed forward step with its compensation
// step. Stored under compensationKey, so values must survive a JSON round
// trip.
type compensationItem struct {
	Step string
	Comp string
}

// startCompensation enumerates completed steps in reverse completion order
// and issues their compensations one at a time.
func (m *Manager) startCompensation(ctx context.Context, inst *store.ProcessInstance, g *Graph, cfg Configuration) error {
	inst.Status = store.ProcessCompensating
	inst.Retries = 0
	metrics.ProcessTransitions.WithLabelValues(inst.ProcessType, string(store.ProcessCompensating)).Inc()

	plan, err := m.compensationPlan(ctx, inst, g)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return m.finish(ctx, inst, store.ProcessCompensated, Event{Type: EventProcessCompensated})
	}
	return m.issueCompensation(ctx, inst, cfg, plan[0], plan[1:])
}

// compensationPlan reads the process log and returns the compensation items
// for completed steps, most recently completed first.
func (m *Manager) compensationPlan(ctx context.Context, inst *store.ProcessInstance, g *Graph) ([]compensationItem, error) {
	entries, err := m.store.Processes().Log(ctx, inst.ProcessID, replayLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read process log: %w", err)
	}

	var completed []string
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.EventType != string(EventStepCompleted) {
			continue
		}
		ev, err := ParseEvent(entry)
		if err != nil || ev.Step == "" || seen[ev.Step] {
			continue
		}
		seen[ev.Step] = true
		completed = append(completed, ev.Step)
	}

	var plan []compensationItem
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if comp := g.CompensationStep(step); comp != "" {
			plan = append(plan, compensationItem{Step: step, Comp: comp})
		}
	}
	return plan, nil
}

func (m *Manager) issueCompensation(ctx context.Context, inst *store.ProcessInstance, cfg Configuration, current compensationItem, rest []compensationItem) error {
	remaining := make([]any, 0, len(rest))
	for _, item := range rest {
		remaining = append(remaining, map[string]any{"step": item.Step, "comp": item.Comp})
	}
	inst.Data[compensationKey] = map[string]any{
		"active":    current.Comp,
		"for":       current.Step,
		"remaining": remaining,
	}
	inst.CurrentStep = current.Comp
	if err := m.update(ctx, inst, Event{Type: EventCompensationStarted, Step: current.Comp}); err != nil {
		return err
	}
	_, err := m.issue(ctx, inst, cfg, current.Comp, inst.Retries, "")
	return err
}

func (m *Manager) handleCompensationReply(ctx context.Context, inst *store.ProcessInstance, g *Graph, cfg Configuration, reply *envelope.Envelope) error {
	comp, _ := inst.Data[compensationKey].(map[string]any)
	active, _ := comp["active"].(string)

	if reply.Name != active {
		// A straggling forward reply; record its completion and extend the
		// plan so its work is unwound too.
		if reply.Type != envelope.TypeCommandCompleted {
			return nil
		}
		result, err := reply.Result()
		if err != nil {
			return err
		}
		mergeData(inst.Data, result)
		step := reply.Name
		if c := g.CompensationStep(step); c != "" {
			remaining, _ := comp["remaining"].([]any)
			comp["remaining"] = append(remaining, map[string]any{"step": step, "comp": c})
		}
		return m.update(ctx, inst, Event{Type: EventStepCompleted, Step: step, CommandID: reply.CommandID})
	}

	switch reply.Type {
	case envelope.TypeCommandCompleted:
		inst.Retries = 0
		if err := m.update(ctx, inst, Event{Type: EventCompensationCompleted, Step: active}); err != nil {
			return err
		}
		remaining, _ := comp["remaining"].([]any)
		if len(remaining) == 0 {
			delete(inst.Data, compensationKey)
			return m.finish(ctx, inst, store.ProcessCompensated, Event{Type: EventProcessCompensated})
		}
		next, _ := remaining[0].(map[string]any)
		item := compensationItem{Step: stringAt(next, "step"), Comp: stringAt(next, "comp")}
		rest := make([]compensationItem, 0, len(remaining)-1)
		for _, raw := range remaining[1:] {
			r, _ := raw.(map[string]any)
			rest = append(rest, compensationItem{Step: stringAt(r, "step"), Comp: stringAt(r, "comp")})
		}
		return m.issueCompensation(ctx, inst, cfg, item, rest)

	default:
		// Failed or timed out.
		if reply.Type == envelope.TypeCommandFailed &&
			m.isRetryable(cfg, active, reply.Error) && inst.Retries < m.maxRetries(cfg, active) {
			attempt := inst.Retries + 1
			inst.Retries = attempt
			delay := m.retryDelay(cfg, active, attempt)
			ev := Event{Type: EventStepRetryScheduled, Step: active, Attempt: attempt,
				Error: reply.Error, DelayMillis: delay.Milliseconds()}
			if err := m.update(ctx, inst, ev); err != nil {
				return err
			}
			go m.retryLater(ctx, inst.ProcessID, active, "", attempt, delay)
			return nil
		}
		if err := m.update(ctx, inst, Event{Type: EventCompensationFailed, Step: active, Error: reply.Error}); err != nil {
			return err
		}
		return m.finish(ctx, inst, store.ProcessFailed, Event{Type: EventProcessFailed, Error: reply.Error})
	}
}

// finish moves the instance to a terminal status and emits its lifecycle
// event on the process type's event topic.
func (m *Manager) finish(ctx context.Context, inst *store.ProcessInstance, status store.ProcessStatus, ev Event) error {
	inst.Status = status
	inst.CurrentStep = store.TerminalStep
	if err := m.update(ctx, inst, ev); err != nil {
		return err
	}
	metrics.ProcessTransitions.WithLabelValues(inst.ProcessType, string(status)).Inc()
	log.Info(log.CatProcess, "process finished",
		"processId", inst.ProcessID, "processType", inst.ProcessType, "status", string(status))
	m.emitLifecycleEvent(ctx, inst, ev.Type)
	return nil
}

// emitLifecycleEvent writes a best-effort event outbox row announcing the
// terminal status on events.<ProcessType>.
func (m *Manager) emitLifecycleEvent(ctx context.Context, inst *store.ProcessInstance, eventType EventType) {
	payload, err := json.Marshal(map[string]any{
		"processId":   inst.ProcessID,
		"processType": inst.ProcessType,
		"businessKey": inst.BusinessKey,
		"status":      string(inst.Status),
	})
	if err != nil {
		return
	}
	key := inst.BusinessKey
	env := &envelope.Envelope{
		MessageID:     uuid.New().String(),
		Type:          envelope.MessageType(eventType),
		Name:          inst.ProcessType,
		CorrelationID: inst.ProcessID,
		OccurredAt:    time.Now().UTC(),
		Headers:       map[string]string{envelope.HeaderSchemaVersion: envelope.SchemaVersion},
		Payload:       payload,
	}
	if key != "" {
		env.Key = &key
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	_, err = m.store.Outbox().Insert(ctx, &store.OutboxEntry{
		Category: store.CategoryEvent,
		Topic:    envelope.EventTopic(inst.ProcessType),
		Key:      key,
		Type:     string(eventType),
		Payload:  data,
		Headers:  env.Headers,
	})
	if err != nil {
		log.ErrorErr(log.CatProcess, "failed to emit lifecycle event", err, "processId", inst.ProcessID)
	}
}

// ===========================================================================
// Operator surface
// ===========================================================================

// Pause suspends step issuance for a RUNNING instance. In-flight commands
// still complete and their replies are applied; the next step waits for
// Resume.
func (m *Manager) Pause(ctx context.Context, processID string) error {
	inst, err := m.store.Processes().FindByID(ctx, processID)
	if err != nil {
		return err
	}
	if inst.Status != store.ProcessRunning {
		return fmt.Errorf("cannot pause process in status %s", inst.Status)
	}
	inst.Status = store.ProcessPaused
	if err := m.update(ctx, inst, Event{Type: EventProcessPaused}); err != nil {
		return err
	}
	metrics.ProcessTransitions.WithLabelValues(inst.ProcessType, string(store.ProcessPaused)).Inc()
	log.Info(log.CatProcess, "process paused", "processId", processID)
	return nil
}

// Resume returns a PAUSED instance to RUNNING and re-issues the current
// step. Attempt-scoped idempotency keys make the re-issue a no-op when the
// step is already in flight.
func (m *Manager) Resume(ctx context.Context, processID string) error {
	inst, err := m.store.Processes().FindByID(ctx, processID)
	if err != nil {
		return err
	}
	if inst.Status != store.ProcessPaused {
		return fmt.Errorf("cannot resume process in status %s", inst.Status)
	}
	inst.Status = store.ProcessRunning
	if err := m.update(ctx, inst, Event{Type: EventProcessResumed}); err != nil {
		return err
	}
	metrics.ProcessTransitions.WithLabelValues(inst.ProcessType, string(store.ProcessRunning)).Inc()
	log.Info(log.CatProcess, "process resumed", "processId", processID)
	return m.executeStep(ctx, inst)
}

// Get returns an instance for the operator surface.
func (m *Manager) Get(ctx context.Context, processID string) (*store.ProcessInstance, error) {
	return m.store.Processes().FindByID(ctx, processID)
}

// Replay decodes the full event history of an instance.
func (m *Manager) Replay(ctx context.Context, processID string) ([]Event, error) {
	entries, err := m.store.Processes().Log(ctx, processID, replayLimit)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := ParseEvent(entry)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// ===========================================================================
// Helpers
// ===========================================================================

func (m *Manager) update(ctx context.Context, inst *store.ProcessInstance, ev Event) error {
	if err := m.store.Processes().Update(ctx, inst, ev.logEvent()); err != nil {
		return fmt.Errorf("failed to update process %s: %w", inst.ProcessID, err)
	}
	return nil
}

func (m *Manager) isRetryable(cfg Configuration, step, errMsg string) bool {
	if rp, ok := cfg.(RetryPolicy); ok {
		return rp.IsRetryable(step, errMsg)
	}
	msg := strings.ToLower(errMsg)
	for _, p := range m.opts.TransientPatterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (m *Manager) maxRetries(cfg Configuration, step string) int {
	if rp, ok := cfg.(RetryPolicy); ok {
		return rp.MaxRetries(step)
	}
	return m.opts.MaxRetries
}

func (m *Manager) retryDelay(cfg Configuration, step string, attempt int) time.Duration {
	if bp, ok := cfg.(BackoffPolicy); ok {
		return bp.RetryDelay(step, attempt)
	}
	delay := m.opts.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// mergeData shallow-merges reply keys over instance keys. Reserved
// subtrees stay owned by the manager.
func mergeData(data, result map[string]any) {
	for k, v := range result {
		if k == parallelKey || k == compensationKey {
			continue
		}
		data[k] = v
	}
}

func parallelState(inst *store.ProcessInstance) map[string]any {
	par, _ := inst.Data[parallelKey].(map[string]any)
	return par
}

func allBranches(par map[string]any, state string) bool {
	for k, v := range par {
		if k == branchRetriesKey {
			continue
		}
		if v != state {
			return false
		}
	}
	return true
}

// branchRetries reads a branch's retry count from the parallel subtree.
// Counts survive a JSON round trip as float64.
func branchRetries(par map[string]any, branch string) int {
	counts, _ := par[branchRetriesKey].(map[string]any)
	switch n := counts[branch].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func setBranchRetries(par map[string]any, branch string, attempt int) {
	counts, ok := par[branchRetriesKey].(map[string]any)
	if !ok {
		counts = make(map[string]any)
		par[branchRetriesKey] = counts
	}
	counts[branch] = attempt
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Package store defines the domain entities and port interfaces for the
// platform schema: command, inbox, outbox, dlq, process_instance and
// process_log. Implementations live in subpackages (sqlite).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist or is not claimable.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned on unique-constraint conflicts (idempotency key,
// inbox record). Callers treat it as the silent duplicate path.
var ErrDuplicate = errors.New("duplicate")

// ===========================================================================
// Command
// ===========================================================================

// CommandStatus is the lifecycle state of an accepted command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandRunning   CommandStatus = "RUNNING"
	CommandSucceeded CommandStatus = "SUCCEEDED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimedOut  CommandStatus = "TIMED_OUT"
)

// IsTerminal reports whether the status is terminal. Terminal statuses do
// not transition back.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandSucceeded, CommandFailed, CommandTimedOut:
		return true
	default:
		return false
	}
}

// Command is a durably accepted unit of work.
type Command struct {
	ID             string
	Name           string
	BusinessKey    string
	IdempotencyKey string
	Payload        json.RawMessage
	Status         CommandStatus
	Retries        int
	LeaseUntil     *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CommandStore provides typed operations over the command table.
type CommandStore interface {
	// Insert persists a new PENDING command.
	// Returns ErrDuplicate when the idempotency key already exists.
	Insert(ctx context.Context, cmd *Command) error

	// FindByIdempotency resolves an idempotency key to its command.
	// Returns ErrNotFound when the key is unknown.
	FindByIdempotency(ctx context.Context, key string) (*Command, error)

	// Get retrieves a command by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Command, error)

	// MarkRunning promotes a command to RUNNING under a lease.
	MarkRunning(ctx context.Context, id string, leaseUntil time.Time) error

	// MarkRetrying increments retries and clears the lease, leaving the
	// command RUNNING and claimable by the next delivery.
	MarkRetrying(ctx context.Context, id string, lastError string) error

	// MarkTerminal moves a command to a terminal status. Rows already in a
	// terminal status are left untouched (status is monotonic).
	MarkTerminal(ctx context.Context, id string, status CommandStatus, lastError string) error

	// ExpiredRunning lists RUNNING commands whose lease expired before now.
	ExpiredRunning(ctx context.Context, now time.Time, limit int) ([]*Command, error)
}

// ===========================================================================
// Outbox
// ===========================================================================

// OutboxCategory routes an outbox entry to its destination kind.
type OutboxCategory string

const (
	CategoryCommand OutboxCategory = "command"
	CategoryReply   OutboxCategory = "reply"
	CategoryEvent   OutboxCategory = "event"
)

// OutboxStatus is the publishing state of an outbox entry.
type OutboxStatus string

const (
	OutboxNew       OutboxStatus = "NEW"
	OutboxClaimed   OutboxStatus = "CLAIMED"
	OutboxSending   OutboxStatus = "SENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEntry is a pending outbound message co-committed with state.
type OutboxEntry struct {
	ID          int64
	Category    OutboxCategory
	Topic       string
	Key         string
	Type        string
	Payload     json.RawMessage
	Headers     map[string]string
	Status      OutboxStatus
	Attempts    int
	NextAt      *time.Time
	ClaimedBy   string
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	PublishedAt *time.Time
	LastError   string
}

// OutboxStore provides the claim/publish protocol over the outbox table.
type OutboxStore interface {
	// Insert persists a NEW entry and returns its monotonic id.
	Insert(ctx context.Context, entry *OutboxEntry) (int64, error)

	// ClaimIfNew atomically claims a single NEW, eligible entry for the
	// claimer. Returns ErrNotFound when the row is absent, already owned
	// or not yet eligible.
	ClaimIfNew(ctx context.Context, id int64, claimer string) (*OutboxEntry, error)

	// ClaimBatch atomically claims up to n eligible entries for the
	// claimer, ordered by created_at ascending. Eligible rows are NEW, or
	// CLAIMED/SENDING with a claim older than stuckThreshold, with next_at
	// null or past. No row is ever returned to two claimers.
	ClaimBatch(ctx context.Context, n int, claimer string, stuckThreshold time.Duration) ([]*OutboxEntry, error)

	// MarkSending transitions a claimed entry to SENDING. The claimer must
	// still own the row; returns ErrNotFound when ownership was lost.
	MarkSending(ctx context.Context, id int64, claimer string) error

	// MarkPublished finalizes an entry. The claimer must still own the
	// row; returns ErrNotFound when ownership was lost to recovery.
	MarkPublished(ctx context.Context, id int64, claimer string) error

	// Reschedule releases a claimed entry back to NEW with an incremented
	// attempt counter and a next_at eligibility time.
	Reschedule(ctx context.Context, id int64, nextAt time.Time, lastError string) error

	// MarkFailed permanently parks an entry (unroutable or poisoned).
	MarkFailed(ctx context.Context, id int64, lastError string) error

	// RecoverStuck releases CLAIMED/SENDING entries whose claim is older
	// than olderThan back to NEW. Returns the number of recovered rows.
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	// Get retrieves an entry by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id int64) (*OutboxEntry, error)

	// FindByCommandID lists entries whose envelope belongs to a command.
	FindByCommandID(ctx context.Context, commandID string) ([]*OutboxEntry, error)
}

// ===========================================================================
// Inbox
// ===========================================================================

// InboxStore is the durable dedup set of (message, handler) tuples.
type InboxStore interface {
	// InsertIfAbsent records the tuple. Returns true when this call made
	// the insert, false when the tuple already existed. Duplicate inserts
	// never raise.
	InsertIfAbsent(ctx context.Context, messageID, handler string) (bool, error)

	// Remove releases a tuple so a redelivery can be processed again.
	// Used by the transient-retry path; removing an absent tuple is a
	// no-op.
	Remove(ctx context.Context, messageID, handler string) error
}

// ===========================================================================
// Dead letters
// ===========================================================================

// DeadLetter is an immutable parking row for a permanently failed command.
type DeadLetter struct {
	ID           int64
	CommandID    string
	CommandName  string
	BusinessKey  string
	Payload      json.RawMessage
	FailedStatus CommandStatus
	ErrorClass   string
	ErrorMessage string
	Attempts     int
	ParkedBy     string
	ParkedAt     time.Time
}

// DeadLetterStore parks and lists dead letters.
type DeadLetterStore interface {
	Park(ctx context.Context, letter *DeadLetter) error
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
}

// ===========================================================================
// Process instances
// ===========================================================================

// ProcessStatus is the lifecycle state of a process instance.
type ProcessStatus string

const (
	ProcessNew          ProcessStatus = "NEW"
	ProcessRunning      ProcessStatus = "RUNNING"
	ProcessSucceeded    ProcessStatus = "SUCCEEDED"
	ProcessFailed       ProcessStatus = "FAILED"
	ProcessCompensating ProcessStatus = "COMPENSATING"
	ProcessCompensated  ProcessStatus = "COMPENSATED"
	ProcessPaused       ProcessStatus = "PAUSED"
)

// IsTerminal reports whether the status is terminal.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessSucceeded, ProcessFailed, ProcessCompensated:
		return true
	default:
		return false
	}
}

// TerminalStep is the distinguished current_step marker for finished
// processes.
const TerminalStep = "__end__"

// ProcessInstance is the persisted state of one orchestration run.
type ProcessInstance struct {
	ProcessID   string
	ProcessType string
	BusinessKey string
	Status      ProcessStatus
	CurrentStep string
	Data        map[string]any
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProcessLogEntry is one append-only event record. Seq is strictly
// increasing per process.
type ProcessLogEntry struct {
	ProcessID string
	Seq       int64
	At        time.Time
	EventType string
	Event     json.RawMessage
}

// LogEvent is the portion of a process event the store persists. The
// process package owns the full sum type and its codec.
type LogEvent struct {
	Type    string
	Payload json.RawMessage
}

// ProcessStore persists process instances and their event logs. Insert and
// Update write the instance row and exactly one log entry atomically.
type ProcessStore interface {
	Insert(ctx context.Context, instance *ProcessInstance, event LogEvent) error
	Update(ctx context.Context, instance *ProcessInstance, event LogEvent) error

	// FindByID retrieves an instance. Returns ErrNotFound when absent.
	FindByID(ctx context.Context, processID string) (*ProcessInstance, error)
	FindByStatus(ctx context.Context, status ProcessStatus, limit int) ([]*ProcessInstance, error)
	FindByBusinessKey(ctx context.Context, processType, businessKey string) (*ProcessInstance, error)

	// Log returns up to limit entries ordered by seq ascending.
	Log(ctx context.Context, processID string, limit int) ([]*ProcessLogEntry, error)
}

// ===========================================================================
// Transaction scope
// ===========================================================================

// Tx groups the typed stores inside one transaction.
type Tx interface {
	Commands() CommandStore
	Outbox() OutboxStore
	Inbox() InboxStore
	DLQ() DeadLetterStore
	Processes() ProcessStore
}

// Store is the persistence port. Accessors outside WithTx run each
// operation in its own implicit transaction.
type Store interface {
	Tx

	// WithTx executes fn inside a single transaction. fn returning an
	// error rolls the transaction back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

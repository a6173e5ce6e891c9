package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// commandColumns is the list of columns selected for command queries.
const commandColumns = `id, name, business_key, idempotency_key, payload, status,
	retries, lease_until, last_error, created_at, updated_at`

// commandStore implements store.CommandStore.
type commandStore struct {
	q querier
}

var _ store.CommandStore = (*commandStore)(nil)

// scanCommand scans a row into a store.Command.
func scanCommand(scanner interface{ Scan(...any) error }) (*store.Command, error) {
	var (
		cmd       store.Command
		payload   string
		lease     sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(
		&cmd.ID, &cmd.Name, &cmd.BusinessKey, &cmd.IdempotencyKey, &payload,
		&cmd.Status, &cmd.Retries, &lease, &cmd.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	cmd.Payload = []byte(payload)
	cmd.LeaseUntil = timePtr(lease)
	cmd.CreatedAt = fromMillis(createdAt)
	cmd.UpdatedAt = fromMillis(updatedAt)
	return &cmd, nil
}

// Insert persists a new PENDING command.
func (s *commandStore) Insert(ctx context.Context, cmd *store.Command) error {
	now := millis(time.Now())
	payload := string(cmd.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO command (id, name, business_key, idempotency_key, payload, status, retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		cmd.ID, cmd.Name, cmd.BusinessKey, cmd.IdempotencyKey, payload,
		string(store.CommandPending), now, now,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

// FindByIdempotency resolves an idempotency key to its command.
func (s *commandStore) FindByIdempotency(ctx context.Context, key string) (*store.Command, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM command WHERE idempotency_key = ?`, key)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find command by idempotency key: %w", err)
	}
	return cmd, nil
}

// Get retrieves a command by id.
func (s *commandStore) Get(ctx context.Context, id string) (*store.Command, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM command WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return cmd, nil
}

// MarkRunning promotes a command to RUNNING under a lease. Terminal rows are
// left untouched.
func (s *commandStore) MarkRunning(ctx context.Context, id string, leaseUntil time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE command SET status = ?, lease_until = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(store.CommandRunning), millis(leaseUntil), millis(time.Now()),
		id, string(store.CommandPending), string(store.CommandRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to mark command running: %w", err)
	}
	return requireRow(result, "mark running")
}

// MarkRetrying increments retries and clears the lease.
func (s *commandStore) MarkRetrying(ctx context.Context, id string, lastError string) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE command SET retries = retries + 1, lease_until = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		lastError, millis(time.Now()), id, string(store.CommandRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to mark command retrying: %w", err)
	}
	return requireRow(result, "mark retrying")
}

// MarkTerminal moves a command to a terminal status. Status is monotonic:
// rows already terminal are not updated.
func (s *commandStore) MarkTerminal(ctx context.Context, id string, status store.CommandStatus, lastError string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE command SET status = ?, last_error = ?, lease_until = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), lastError, millis(time.Now()), id,
		string(store.CommandSucceeded), string(store.CommandFailed), string(store.CommandTimedOut),
	)
	if err != nil {
		return fmt.Errorf("failed to mark command terminal: %w", err)
	}
	return nil
}

// ExpiredRunning lists RUNNING commands whose lease expired before now.
func (s *commandStore) ExpiredRunning(ctx context.Context, now time.Time, limit int) ([]*store.Command, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM command
		 WHERE status = ? AND lease_until IS NOT NULL AND lease_until < ?
		 ORDER BY lease_until ASC LIMIT ?`,
		string(store.CommandRunning), millis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var commands []*store.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command rows: %w", err)
	}
	return commands, nil
}

// requireRow converts a zero-rows-affected update into ErrNotFound.
func requireRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for %s: %w", op, err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

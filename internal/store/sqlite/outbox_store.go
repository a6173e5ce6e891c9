package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// outboxColumns is the list of columns selected for outbox queries.
const outboxColumns = `id, category, topic, key, type, payload, headers, status,
	attempts, next_at, claimed_by, claimed_at, created_at, published_at, last_error`

// outboxStore implements store.OutboxStore. SQLite has no SKIP LOCKED; the
// claim operations are single conditional UPDATE ... RETURNING statements,
// which the engine's writer serialization makes unique-winner.
type outboxStore struct {
	q querier
}

var _ store.OutboxStore = (*outboxStore)(nil)

// scanOutbox scans a row into a store.OutboxEntry.
func scanOutbox(scanner interface{ Scan(...any) error }) (*store.OutboxEntry, error) {
	var (
		entry       store.OutboxEntry
		payload     string
		headers     string
		nextAt      sql.NullInt64
		claimedAt   sql.NullInt64
		createdAt   int64
		publishedAt sql.NullInt64
	)
	err := scanner.Scan(
		&entry.ID, &entry.Category, &entry.Topic, &entry.Key, &entry.Type,
		&payload, &headers, &entry.Status, &entry.Attempts, &nextAt,
		&entry.ClaimedBy, &claimedAt, &createdAt, &publishedAt, &entry.LastError,
	)
	if err != nil {
		return nil, err
	}
	entry.Payload = []byte(payload)
	decoded, err := decodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	entry.Headers = decoded
	entry.NextAt = timePtr(nextAt)
	entry.ClaimedAt = timePtr(claimedAt)
	entry.CreatedAt = fromMillis(createdAt)
	entry.PublishedAt = timePtr(publishedAt)
	return &entry, nil
}

// Insert persists a NEW entry and returns its id.
func (s *outboxStore) Insert(ctx context.Context, entry *store.OutboxEntry) (int64, error) {
	headers, err := encodeHeaders(entry.Headers)
	if err != nil {
		return 0, err
	}
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO outbox (category, topic, key, type, payload, headers, status, attempts, next_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		string(entry.Category), entry.Topic, entry.Key, entry.Type, payload, headers,
		string(store.OutboxNew), nullMillis(entry.NextAt), millis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get outbox entry id: %w", err)
	}
	return id, nil
}

// ClaimIfNew claims a single NEW, eligible entry for the claimer.
func (s *outboxStore) ClaimIfNew(ctx context.Context, id int64, claimer string) (*store.OutboxEntry, error) {
	now := time.Now()
	row := s.q.QueryRowContext(ctx,
		`UPDATE outbox SET status = ?, claimed_by = ?, claimed_at = ?
		 WHERE id = ? AND status = ? AND (next_at IS NULL OR next_at <= ?)
		 RETURNING `+outboxColumns,
		string(store.OutboxClaimed), claimer, millis(now),
		id, string(store.OutboxNew), millis(now),
	)
	entry, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entry: %w", err)
	}
	return entry, nil
}

// ClaimBatch claims up to n eligible entries for the claimer in one
// statement, ordered by created_at ascending.
func (s *outboxStore) ClaimBatch(ctx context.Context, n int, claimer string, stuckThreshold time.Duration) ([]*store.OutboxEntry, error) {
	now := time.Now()
	stuckBefore := now.Add(-stuckThreshold)
	rows, err := s.q.QueryContext(ctx,
		`UPDATE outbox SET status = ?, claimed_by = ?, claimed_at = ?
		 WHERE id IN (
			SELECT id FROM outbox
			WHERE (status = ? OR (status IN (?, ?) AND claimed_at < ?))
			  AND (next_at IS NULL OR next_at <= ?)
			ORDER BY created_at ASC
			LIMIT ?
		 )
		 RETURNING `+outboxColumns,
		string(store.OutboxClaimed), claimer, millis(now),
		string(store.OutboxNew), string(store.OutboxClaimed), string(store.OutboxSending),
		millis(stuckBefore), millis(now), n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*store.OutboxEntry
	for rows.Next() {
		entry, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return entries, nil
}

// MarkSending transitions a claimed entry to SENDING if the claimer still
// owns it.
func (s *outboxStore) MarkSending(ctx context.Context, id int64, claimer string) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE outbox SET status = ? WHERE id = ? AND status = ? AND claimed_by = ?`,
		string(store.OutboxSending), id, string(store.OutboxClaimed), claimer,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry sending: %w", err)
	}
	return requireRow(result, "mark sending")
}

// MarkPublished finalizes an entry. The claimed_by guard enforces the
// single-owner invariant: a worker that lost its claim to recovery cannot
// publish the row's state transition.
func (s *outboxStore) MarkPublished(ctx context.Context, id int64, claimer string) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE outbox SET status = ?, published_at = ?, last_error = ''
		 WHERE id = ? AND status IN (?, ?) AND claimed_by = ?`,
		string(store.OutboxPublished), millis(time.Now()),
		id, string(store.OutboxClaimed), string(store.OutboxSending), claimer,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry published: %w", err)
	}
	return requireRow(result, "mark published")
}

// Reschedule releases a claimed entry back to NEW for a later attempt.
func (s *outboxStore) Reschedule(ctx context.Context, id int64, nextAt time.Time, lastError string) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = attempts + 1, next_at = ?,
			claimed_by = '', claimed_at = NULL, last_error = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(store.OutboxNew), millis(nextAt), lastError,
		id, string(store.OutboxClaimed), string(store.OutboxSending),
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox entry: %w", err)
	}
	return requireRow(result, "reschedule")
}

// MarkFailed permanently parks an entry.
func (s *outboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = attempts + 1, last_error = ?,
			claimed_by = '', claimed_at = NULL
		 WHERE id = ? AND status != ?`,
		string(store.OutboxFailed), lastError, id, string(store.OutboxPublished),
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry failed: %w", err)
	}
	return nil
}

// RecoverStuck releases CLAIMED/SENDING entries with an expired claim back
// to NEW.
func (s *outboxStore) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.q.ExecContext(ctx,
		`UPDATE outbox SET status = ?, claimed_by = '', claimed_at = NULL
		 WHERE status IN (?, ?) AND claimed_at < ?`,
		string(store.OutboxNew),
		string(store.OutboxClaimed), string(store.OutboxSending), millis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck outbox entries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get recovered row count: %w", err)
	}
	return affected, nil
}

// Get retrieves an entry by id.
func (s *outboxStore) Get(ctx context.Context, id int64) (*store.OutboxEntry, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	entry, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry: %w", err)
	}
	return entry, nil
}

// FindByCommandID lists entries whose envelope belongs to a command. The
// command id lives inside the serialized envelope payload.
func (s *outboxStore) FindByCommandID(ctx context.Context, commandID string) ([]*store.OutboxEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE json_extract(payload, '$.commandId') = ?
		 ORDER BY id ASC`,
		commandID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find outbox entries by command: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*store.OutboxEntry
	for rows.Next() {
		entry, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return entries, nil
}

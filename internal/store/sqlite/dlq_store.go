package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// dlqColumns is the list of columns selected for dead-letter queries.
const dlqColumns = `id, command_id, command_name, business_key, payload,
	failed_status, error_class, error_message, attempts, parked_by, parked_at`

// dlqStore implements store.DeadLetterStore.
type dlqStore struct {
	q querier
}

var _ store.DeadLetterStore = (*dlqStore)(nil)

// Park inserts an immutable parking row.
func (s *dlqStore) Park(ctx context.Context, letter *store.DeadLetter) error {
	payload := string(letter.Payload)
	if payload == "" {
		payload = "{}"
	}
	parkedAt := letter.ParkedAt
	if parkedAt.IsZero() {
		parkedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO dlq (command_id, command_name, business_key, payload, failed_status,
			error_class, error_message, attempts, parked_by, parked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		letter.CommandID, letter.CommandName, letter.BusinessKey, payload,
		string(letter.FailedStatus), letter.ErrorClass, letter.ErrorMessage,
		letter.Attempts, letter.ParkedBy, millis(parkedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to park dead letter: %w", err)
	}
	return nil
}

// List returns dead letters ordered newest first.
func (s *dlqStore) List(ctx context.Context, limit int) ([]*store.DeadLetter, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+dlqColumns+` FROM dlq ORDER BY parked_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var letters []*store.DeadLetter
	for rows.Next() {
		var (
			letter   store.DeadLetter
			payload  string
			parkedAt int64
		)
		err := rows.Scan(
			&letter.ID, &letter.CommandID, &letter.CommandName, &letter.BusinessKey,
			&payload, &letter.FailedStatus, &letter.ErrorClass, &letter.ErrorMessage,
			&letter.Attempts, &letter.ParkedBy, &parkedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		letter.Payload = []byte(payload)
		letter.ParkedAt = fromMillis(parkedAt)
		letters = append(letters, &letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letter rows: %w", err)
	}
	return letters, nil
}

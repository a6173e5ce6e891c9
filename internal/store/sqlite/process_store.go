package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// processColumns is the list of columns selected for process queries.
const processColumns = `process_id, process_type, business_key, status,
	current_step, data, retries, created_at, updated_at`

// processStore implements store.ProcessStore. The db field is non-nil when
// the store is bound to the connection pool; Insert and Update then open
// their own transaction so the instance row and log entry commit atomically.
type processStore struct {
	q  querier
	db *sql.DB
}

var _ store.ProcessStore = (*processStore)(nil)

// scanProcess scans a row into a store.ProcessInstance.
func scanProcess(scanner interface{ Scan(...any) error }) (*store.ProcessInstance, error) {
	var (
		inst      store.ProcessInstance
		data      string
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(
		&inst.ProcessID, &inst.ProcessType, &inst.BusinessKey, &inst.Status,
		&inst.CurrentStep, &data, &inst.Retries, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	decoded, err := decodeData(data)
	if err != nil {
		return nil, err
	}
	inst.Data = decoded
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return &inst, nil
}

// Insert persists a new instance with its first log entry.
func (s *processStore) Insert(ctx context.Context, instance *store.ProcessInstance, event store.LogEvent) error {
	return s.atomically(ctx, func(q querier) error {
		data, err := encodeData(instance.Data)
		if err != nil {
			return err
		}
		now := millis(time.Now())
		_, err = q.ExecContext(ctx,
			`INSERT INTO process_instance (process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			instance.ProcessID, instance.ProcessType, instance.BusinessKey,
			string(instance.Status), instance.CurrentStep, data, instance.Retries, now, now,
		)
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("failed to insert process instance: %w", err)
		}
		return appendLog(ctx, q, instance.ProcessID, event)
	})
}

// Update writes the instance row and appends exactly one log entry in one
// commit.
func (s *processStore) Update(ctx context.Context, instance *store.ProcessInstance, event store.LogEvent) error {
	return s.atomically(ctx, func(q querier) error {
		data, err := encodeData(instance.Data)
		if err != nil {
			return err
		}
		result, err := q.ExecContext(ctx,
			`UPDATE process_instance SET status = ?, current_step = ?, data = ?, retries = ?, updated_at = ?
			 WHERE process_id = ?`,
			string(instance.Status), instance.CurrentStep, data, instance.Retries,
			millis(time.Now()), instance.ProcessID,
		)
		if err != nil {
			return fmt.Errorf("failed to update process instance: %w", err)
		}
		if err := requireRow(result, "update process"); err != nil {
			return err
		}
		return appendLog(ctx, q, instance.ProcessID, event)
	})
}

// appendLog inserts the next log entry for the process. Seq assignment and
// insert happen inside the caller's transaction, so the per-process sequence
// is gap-free and strictly increasing.
func appendLog(ctx context.Context, q querier, processID string, event store.LogEvent) error {
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO process_log (process_id, seq, at, event_type, event)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM process_log WHERE process_id = ?), ?, ?, ?)`,
		processID, processID, millis(time.Now()), event.Type, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append process log entry: %w", err)
	}
	return nil
}

// FindByID retrieves an instance.
func (s *processStore) FindByID(ctx context.Context, processID string) (*store.ProcessInstance, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM process_instance WHERE process_id = ?`, processID)
	inst, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find process instance: %w", err)
	}
	return inst, nil
}

// FindByStatus lists instances in a status, oldest first.
func (s *processStore) FindByStatus(ctx context.Context, status store.ProcessStatus, limit int) ([]*store.ProcessInstance, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+processColumns+` FROM process_instance WHERE status = ?
		 ORDER BY created_at ASC LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list process instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var instances []*store.ProcessInstance
	for rows.Next() {
		inst, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process row: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process rows: %w", err)
	}
	return instances, nil
}

// FindByBusinessKey retrieves the most recent instance for a process type
// and business key.
func (s *processStore) FindByBusinessKey(ctx context.Context, processType, businessKey string) (*store.ProcessInstance, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM process_instance
		 WHERE process_type = ? AND business_key = ?
		 ORDER BY created_at DESC LIMIT 1`,
		processType, businessKey,
	)
	inst, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find process by business key: %w", err)
	}
	return inst, nil
}

// Log returns up to limit entries ordered by seq ascending.
func (s *processStore) Log(ctx context.Context, processID string, limit int) ([]*store.ProcessLogEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT process_id, seq, at, event_type, event FROM process_log
		 WHERE process_id = ? ORDER BY seq ASC LIMIT ?`,
		processID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read process log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*store.ProcessLogEntry
	for rows.Next() {
		var (
			entry store.ProcessLogEntry
			at    int64
			event string
		)
		if err := rows.Scan(&entry.ProcessID, &entry.Seq, &at, &entry.EventType, &event); err != nil {
			return nil, fmt.Errorf("failed to scan process log row: %w", err)
		}
		entry.At = fromMillis(at)
		entry.Event = []byte(event)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process log rows: %w", err)
	}
	return entries, nil
}

// atomically runs fn inside a transaction when the store is bound to the
// connection pool, or on the caller's transaction otherwise.
func (s *processStore) atomically(ctx context.Context, fn func(q querier) error) error {
	if s.db == nil {
		return fn(s.q)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

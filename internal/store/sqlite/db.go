// Package sqlite implements the store port on SQLite. The engine has no
// row-level SKIP LOCKED, so claim operations use single-statement
// conditional updates, which SQLite's writer serialization makes
// unique-winner.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
)

// Schema is the platform schema DDL, applied on open. Timestamps are unix
// milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS command (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	business_key TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'PENDING',
	retries INTEGER NOT NULL DEFAULT 0,
	lease_until INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_command_status_lease ON command(status, lease_until);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	topic TEXT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	headers TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'NEW',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_at INTEGER,
	claimed_by TEXT NOT NULL DEFAULT '',
	claimed_at INTEGER,
	created_at INTEGER NOT NULL,
	published_at INTEGER,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox(status, next_at, created_at);

CREATE TABLE IF NOT EXISTS inbox (
	message_id TEXT NOT NULL,
	handler TEXT NOT NULL,
	processed_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, handler)
);

CREATE TABLE IF NOT EXISTS dlq (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL,
	command_name TEXT NOT NULL,
	business_key TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	failed_status TEXT NOT NULL,
	error_class TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	parked_by TEXT NOT NULL DEFAULT '',
	parked_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS process_instance (
	process_id TEXT PRIMARY KEY,
	process_type TEXT NOT NULL,
	business_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_step TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	retries INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_process_type_key ON process_instance(process_type, business_key);
CREATE INDEX IF NOT EXISTS idx_process_status ON process_instance(status);

CREATE TABLE IF NOT EXISTS process_log (
	process_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	at INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	event TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (process_id, seq)
);
`

// querier is the subset of *sql.DB / *sql.Tx the stores run on.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB implements store.Store on SQLite.
type DB struct {
	db *sql.DB
}

// Ensure DB implements store.Store.
var _ store.Store = (*DB)(nil)

// Open opens (and creates if needed) the platform database at path and
// applies the schema. ":memory:" opens an in-memory database pinned to a
// single connection.
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info(log.CatStore, "database opened", "path", path)
	return &DB{db: db}, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// WithTx executes fn inside a single transaction.
func (d *DB) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&txScope{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			log.ErrorErr(log.CatStore, "rollback failed", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Commands returns the command store bound to the connection pool.
func (d *DB) Commands() store.CommandStore { return &commandStore{q: d.db} }

// Outbox returns the outbox store bound to the connection pool.
func (d *DB) Outbox() store.OutboxStore { return &outboxStore{q: d.db} }

// Inbox returns the inbox store bound to the connection pool.
func (d *DB) Inbox() store.InboxStore { return &inboxStore{q: d.db} }

// DLQ returns the dead-letter store bound to the connection pool.
func (d *DB) DLQ() store.DeadLetterStore { return &dlqStore{q: d.db} }

// Processes returns the process store. Outside WithTx, Insert and Update
// open their own transaction so the instance row and log entry still commit
// atomically.
func (d *DB) Processes() store.ProcessStore { return &processStore{q: d.db, db: d.db} }

// txScope groups the stores over one *sql.Tx.
type txScope struct {
	q querier
}

func (t *txScope) Commands() store.CommandStore    { return &commandStore{q: t.q} }
func (t *txScope) Outbox() store.OutboxStore       { return &outboxStore{q: t.q} }
func (t *txScope) Inbox() store.InboxStore         { return &inboxStore{q: t.q} }
func (t *txScope) DLQ() store.DeadLetterStore      { return &dlqStore{q: t.q} }
func (t *txScope) Processes() store.ProcessStore   { return &processStore{q: t.q} }

// isUniqueViolation detects SQLite unique-constraint failures.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

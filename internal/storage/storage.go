// Package storage persists the agent's durable state in SQLite: the
// conversation journal the crash-recovery path replays, the notes the
// model reads and writes through tools, and the reminder schedule.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the agent database at path with WAL mode and
// a busy timeout, and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Store wraps a SQLite database holding all agent state. Safe for
// concurrent use; database/sql serializes access.
type Store struct {
	db *sql.DB
}

// New creates a Store over an already-open database, running migrations.
// Tests use this with an in-memory database.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	-- Conversation journal. closed=FALSE marks messages that arrived but
	-- were never answered; startup replays them.
	CREATE TABLE IF NOT EXISTS journal (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		reply_to TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		closed BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_journal_closed ON journal(closed, timestamp);

	-- Notes the model manages through tools.
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- One-shot and repeating reminders.
	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		message TEXT NOT NULL,
		due_at TIMESTAMP NOT NULL,
		interval_sec INTEGER NOT NULL DEFAULT 0,
		fired BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(fired, due_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Available probes the database with a trivial query. The loop
// controller uses this to decide whether incoming messages can be
// journaled before processing.
func (s *Store) Available() bool {
	var one int
	return s.db.QueryRow(`SELECT 1`).Scan(&one) == nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

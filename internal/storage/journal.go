package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JournalEntry is one persisted conversation message.
type JournalEntry struct {
	ID        string
	Role      string
	Content   string
	Source    string
	ReplyTo   string
	Timestamp time.Time
	Closed    bool
}

// AppendMessage journals an incoming message as unclosed and returns
// its id. Unclosed entries are replayed on startup if the process dies
// before answering them.
func (s *Store) AppendMessage(role, content, source, replyTo string, ts time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO journal (id, role, content, source, reply_to, timestamp, closed)
		VALUES (?, ?, ?, ?, ?, ?, FALSE)
	`, id.String(), role, content, source, replyTo, ts)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return id.String(), nil
}

// UnclosedMessages returns all journaled messages that were never
// closed, oldest first.
func (s *Store) UnclosedMessages() ([]JournalEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, source, reply_to, timestamp
		FROM journal
		WHERE closed = FALSE
		ORDER BY timestamp ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list unclosed: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.Role, &e.Content, &e.Source, &e.ReplyTo, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan unclosed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CloseMessages marks the given journal entries answered.
func (s *Store) CloseMessages(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE journal SET closed = TRUE WHERE id = ?`, id); err != nil {
			return fmt.Errorf("close message %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CloseAll marks every journal entry answered. Used after a processing
// round delivers its reply.
func (s *Store) CloseAll() error {
	_, err := s.db.Exec(`UPDATE journal SET closed = TRUE WHERE closed = FALSE`)
	return err
}

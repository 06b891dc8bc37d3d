package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoteNotFound is returned when a note id does not exist.
var ErrNoteNotFound = errors.New("note not found")

// Note is one user note, managed by the model through tools.
type Note struct {
	ID        string
	Title     string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateNote inserts a note and returns its id.
func (s *Store) CreateNote(title, body string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO notes (id, title, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), title, body, now, now)
	if err != nil {
		return "", fmt.Errorf("create note: %w", err)
	}
	return id.String(), nil
}

// GetNote retrieves a note by id.
func (s *Store) GetNote(id string) (*Note, error) {
	row := s.db.QueryRow(`
		SELECT id, title, body, created_at, updated_at FROM notes WHERE id = ?
	`, id)

	var n Note
	if err := row.Scan(&n.ID, &n.Title, &n.Body, &n.CreatedAt, &n.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoteNotFound
		}
		return nil, fmt.Errorf("get note: %w", err)
	}
	return &n, nil
}

// UpdateNote replaces a note's title and body.
func (s *Store) UpdateNote(id, title, body string) error {
	res, err := s.db.Exec(`
		UPDATE notes SET title = ?, body = ?, updated_at = ? WHERE id = ?
	`, title, body, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// DeleteNote removes a note.
func (s *Store) DeleteNote(id string) error {
	res, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// ListNotes returns all notes, most recently updated first.
func (s *Store) ListNotes(limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, title, body, created_at, updated_at
		FROM notes
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()
	return scanNotes(rows)
}

// SearchNotes returns notes whose title or body contains the query,
// case-insensitively, most recently updated first.
func (s *Store) SearchNotes(query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, title, body, created_at, updated_at
		FROM notes
		WHERE title LIKE ? OR body LIKE ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()
	return scanNotes(rows)
}

func scanNotes(rows *sql.Rows) ([]Note, error) {
	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

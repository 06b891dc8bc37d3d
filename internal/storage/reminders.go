package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reminder is a scheduled wake-up. IntervalSec == 0 means one-shot;
// otherwise the reminder re-arms itself after firing.
type Reminder struct {
	ID          string
	Message     string
	DueAt       time.Time
	IntervalSec int
	Fired       bool
	CreatedAt   time.Time
}

// CreateReminder schedules a reminder and returns its id.
func (s *Store) CreateReminder(message string, dueAt time.Time, intervalSec int) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reminders (id, message, due_at, interval_sec, fired, created_at)
		VALUES (?, ?, ?, ?, FALSE, ?)
	`, id.String(), message, dueAt, intervalSec, time.Now())
	if err != nil {
		return "", fmt.Errorf("create reminder: %w", err)
	}
	return id.String(), nil
}

// DueReminders returns unfired reminders whose due time has passed.
func (s *Store) DueReminders(now time.Time) ([]Reminder, error) {
	rows, err := s.db.Query(`
		SELECT id, message, due_at, interval_sec, fired, created_at
		FROM reminders
		WHERE fired = FALSE AND due_at <= ?
		ORDER BY due_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.Message, &r.DueAt, &r.IntervalSec, &r.Fired, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompleteReminder marks a one-shot reminder fired, or re-arms a
// repeating one by advancing its due time.
func (s *Store) CompleteReminder(r Reminder, now time.Time) error {
	if r.IntervalSec > 0 {
		next := r.DueAt.Add(time.Duration(r.IntervalSec) * time.Second)
		// Skip past any missed occurrences after downtime.
		for !next.After(now) {
			next = next.Add(time.Duration(r.IntervalSec) * time.Second)
		}
		_, err := s.db.Exec(`UPDATE reminders SET due_at = ? WHERE id = ?`, next, r.ID)
		return err
	}
	_, err := s.db.Exec(`UPDATE reminders SET fired = TRUE WHERE id = ?`, r.ID)
	return err
}

// ListReminders returns pending (unfired) reminders, soonest first.
func (s *Store) ListReminders() ([]Reminder, error) {
	rows, err := s.db.Query(`
		SELECT id, message, due_at, interval_sec, fired, created_at
		FROM reminders
		WHERE fired = FALSE
		ORDER BY due_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.Message, &r.DueAt, &r.IntervalSec, &r.Fired, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteReminder cancels a reminder.
func (s *Store) DeleteReminder(id string) error {
	_, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id)
	return err
}

package storage

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestAvailable(t *testing.T) {
	s := setupTestStore(t)
	if !s.Available() {
		t.Error("Available() = false on open database")
	}
}

func TestJournalAppendAndReplay(t *testing.T) {
	s := setupTestStore(t)

	t1 := time.Now().Add(-2 * time.Minute)
	t2 := time.Now().Add(-1 * time.Minute)

	id1, err := s.AppendMessage("user", "first", "mqtt", "alice", t1)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id2, err := s.AppendMessage("user", "second", "web", "conn-7", t2)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id1 == id2 {
		t.Error("ids should be unique")
	}

	entries, err := s.UnclosedMessages()
	if err != nil {
		t.Fatalf("unclosed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("unclosed = %d, want 2", len(entries))
	}
	// Oldest first.
	if entries[0].Content != "first" || entries[1].Content != "second" {
		t.Errorf("order = %q, %q", entries[0].Content, entries[1].Content)
	}
	if entries[0].Source != "mqtt" || entries[0].ReplyTo != "alice" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestJournalCloseMessages(t *testing.T) {
	s := setupTestStore(t)

	id1, _ := s.AppendMessage("user", "a", "", "", time.Now())
	_, _ = s.AppendMessage("user", "b", "", "", time.Now())

	if err := s.CloseMessages([]string{id1}); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := s.UnclosedMessages()
	if err != nil {
		t.Fatalf("unclosed: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "b" {
		t.Errorf("unclosed = %+v, want only b", entries)
	}
}

func TestJournalCloseAll(t *testing.T) {
	s := setupTestStore(t)

	_, _ = s.AppendMessage("user", "a", "", "", time.Now())
	_, _ = s.AppendMessage("user", "b", "", "", time.Now())

	if err := s.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}

	entries, err := s.UnclosedMessages()
	if err != nil {
		t.Fatalf("unclosed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("unclosed = %d, want 0", len(entries))
	}
}

func TestNoteCRUD(t *testing.T) {
	s := setupTestStore(t)

	id, err := s.CreateNote("groceries", "milk, eggs")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := s.GetNote(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n.Title != "groceries" || n.Body != "milk, eggs" {
		t.Errorf("note = %+v", n)
	}

	if err := s.UpdateNote(id, "groceries", "milk, eggs, bread"); err != nil {
		t.Fatalf("update: %v", err)
	}
	n, _ = s.GetNote(id)
	if n.Body != "milk, eggs, bread" {
		t.Errorf("body after update = %q", n.Body)
	}

	if err := s.DeleteNote(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetNote(id); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("get after delete = %v, want ErrNoteNotFound", err)
	}
}

func TestNoteNotFound(t *testing.T) {
	s := setupTestStore(t)

	if err := s.UpdateNote("missing", "t", "b"); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("update missing = %v, want ErrNoteNotFound", err)
	}
	if err := s.DeleteNote("missing"); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("delete missing = %v, want ErrNoteNotFound", err)
	}
}

func TestSearchNotes(t *testing.T) {
	s := setupTestStore(t)

	_, _ = s.CreateNote("groceries", "milk and eggs")
	_, _ = s.CreateNote("travel plans", "flight to Warsaw in May")
	_, _ = s.CreateNote("books", "reading list for summer")

	notes, err := s.SearchNotes("warsaw", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(notes) != 1 || notes[0].Title != "travel plans" {
		t.Errorf("search result = %+v", notes)
	}

	notes, err = s.SearchNotes("nothing-matches", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("search no-match = %d results, want 0", len(notes))
	}
}

func TestReminderOneShot(t *testing.T) {
	s := setupTestStore(t)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	dueID, _ := s.CreateReminder("stand up", past, 0)
	_, _ = s.CreateReminder("later", future, 0)

	due, err := s.DueReminders(time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != dueID {
		t.Fatalf("due = %+v, want only the past reminder", due)
	}

	if err := s.CompleteReminder(due[0], time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	due, _ = s.DueReminders(time.Now())
	if len(due) != 0 {
		t.Errorf("due after complete = %d, want 0", len(due))
	}
}

func TestReminderRepeatingRearms(t *testing.T) {
	s := setupTestStore(t)

	// Due 90 seconds ago, repeating every minute. Completing it must
	// advance due_at past now, skipping the missed occurrence.
	start := time.Now().Add(-90 * time.Second)
	_, err := s.CreateReminder("hourly check", start, 60)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := s.DueReminders(time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	now := time.Now()
	if err := s.CompleteReminder(due[0], now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Still pending (not fired), but no longer due.
	pending, err := s.ListReminders()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if !pending[0].DueAt.After(now) {
		t.Errorf("due_at = %v, want after %v", pending[0].DueAt, now)
	}

	due, _ = s.DueReminders(now)
	if len(due) != 0 {
		t.Errorf("due after re-arm = %d, want 0", len(due))
	}
}

func TestDeleteReminder(t *testing.T) {
	s := setupTestStore(t)

	id, _ := s.CreateReminder("cancel me", time.Now().Add(time.Hour), 0)
	if err := s.DeleteReminder(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pending, _ := s.ListReminders()
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

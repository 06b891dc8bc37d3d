package retrieval

import (
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/kosciak9/manfrod/internal/storage"
)

func setupRetriever(t *testing.T) (*Retriever, *storage.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := storage.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return New(store, 5, nil), store
}

func TestBuildContextEmpty(t *testing.T) {
	r, _ := setupRetriever(t)
	if got := r.BuildContext("what should I buy?"); got != "" {
		t.Errorf("BuildContext on empty store = %q, want empty", got)
	}
}

func TestBuildContextMatches(t *testing.T) {
	r, store := setupRetriever(t)

	if _, err := store.CreateNote("groceries", "milk, eggs, bread"); err != nil {
		t.Fatalf("create note: %v", err)
	}
	if _, err := store.CreateNote("passwords", "not for sharing"); err != nil {
		t.Fatalf("create note: %v", err)
	}

	got := r.BuildContext("what's on my groceries list?")
	if !strings.Contains(got, "groceries") || !strings.Contains(got, "milk") {
		t.Errorf("BuildContext = %q, want groceries note included", got)
	}
	if strings.Contains(got, "passwords") {
		t.Errorf("BuildContext = %q, unrelated note leaked in", got)
	}
}

func TestBuildContextDeduplicates(t *testing.T) {
	r, store := setupRetriever(t)

	// One note matching two query terms must appear once.
	if _, err := store.CreateNote("trip", "flight and hotel booked"); err != nil {
		t.Fatalf("create note: %v", err)
	}

	got := r.BuildContext("is my flight and hotel sorted?")
	if n := strings.Count(got, "trip:"); n != 1 {
		t.Errorf("note appears %d times, want 1\n%s", n, got)
	}
}

func TestBuildContextCapsResults(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := storage.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := store.CreateNote("project", "status update"); err != nil {
			t.Fatalf("create note: %v", err)
		}
	}

	r := New(store, 3, nil)
	got := r.BuildContext("project status")
	if n := strings.Count(got, "- project:"); n != 3 {
		t.Errorf("context holds %d notes, want capped at 3\n%s", n, got)
	}
}

func TestExtractTermsDropsShortWords(t *testing.T) {
	terms := extractTerms("is my cat ok? what about the dog-house!")
	for _, term := range terms {
		if len(term) < 3 {
			t.Errorf("short term %q survived", term)
		}
	}
	joined := strings.Join(terms, " ")
	if !strings.Contains(joined, "cat") || !strings.Contains(joined, "house") {
		t.Errorf("terms = %v", terms)
	}
}

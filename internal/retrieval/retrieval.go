// Package retrieval assembles background context for the model from
// stored notes. It runs before each processing round so the system
// prompt can carry whatever the user has written down about the topic
// at hand.
package retrieval

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/kosciak9/manfrod/internal/storage"
)

// DefaultMaxNotes bounds how many notes a single round can pull in.
const DefaultMaxNotes = 5

// Retriever searches notes for context relevant to an incoming message.
type Retriever struct {
	store    *storage.Store
	maxNotes int
	logger   *slog.Logger
}

// New creates a retriever over the given store.
func New(store *storage.Store, maxNotes int, logger *slog.Logger) *Retriever {
	if maxNotes <= 0 {
		maxNotes = DefaultMaxNotes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		maxNotes: maxNotes,
		logger:   logger.With("component", "retrieval"),
	}
}

// BuildContext searches notes matching terms from the query and formats
// them as a context block. Returns an empty string when nothing
// relevant is stored; the round proceeds without background context.
func (r *Retriever) BuildContext(query string) string {
	seen := make(map[string]bool)
	var matched []storage.Note

	for _, term := range extractTerms(query) {
		notes, err := r.store.SearchNotes(term, r.maxNotes)
		if err != nil {
			r.logger.Warn("note search failed", "term", term, "error", err)
			continue
		}
		for _, n := range notes {
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			matched = append(matched, n)
			if len(matched) >= r.maxNotes {
				break
			}
		}
		if len(matched) >= r.maxNotes {
			break
		}
	}

	if len(matched) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant notes:\n")
	for _, n := range matched {
		fmt.Fprintf(&b, "- %s: %s\n", n.Title, n.Body)
	}
	r.logger.Debug("context built", "notes", len(matched))
	return b.String()
}

// extractTerms splits a query into search terms, dropping short words
// that would match everything.
func extractTerms(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var terms []string
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kosciak9/manfrod/internal/llm"
	"github.com/kosciak9/manfrod/internal/storage"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	order   []string
	store   *storage.Store
	shell   *ShellExec
	fetcher *Fetcher
}

// NewRegistry creates a tool registry. store enables the note and
// reminder tools; shell and fetcher are optional capabilities.
func NewRegistry(store *storage.Store, shell *ShellExec, fetcher *Fetcher) *Registry {
	r := &Registry{
		tools:   make(map[string]*Tool),
		store:   store,
		shell:   shell,
		fetcher: fetcher,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "note_create",
		Description: "Save a new note for the user. Use when asked to remember or write something down.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short note title",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Note content",
				},
			},
			"required": []string{"title", "body"},
		},
		Handler: r.handleNoteCreate,
	})

	r.Register(&Tool{
		Name:        "note_list",
		Description: "List saved notes, optionally filtered by a search query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Optional text to search for in titles and bodies",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum notes to return (default 20)",
				},
			},
		},
		Handler: r.handleNoteList,
	})

	r.Register(&Tool{
		Name:        "note_update",
		Description: "Replace the title and body of an existing note.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The note ID",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "New title",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "New content",
				},
			},
			"required": []string{"id", "title", "body"},
		},
		Handler: r.handleNoteUpdate,
	})

	r.Register(&Tool{
		Name:        "note_delete",
		Description: "Delete a note by ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The note ID to delete",
				},
			},
			"required": []string{"id"},
		},
		Handler: r.handleNoteDelete,
	})

	r.Register(&Tool{
		Name:        "reminder_set",
		Description: "Schedule a reminder. Use for 'remind me', delayed follow-ups, or recurring checks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "What to say when the reminder fires",
				},
				"when": map[string]any{
					"type":        "string",
					"description": "When to fire: ISO timestamp, duration (e.g. '30m', '2h'), or 'in 30 minutes'",
				},
				"repeat": map[string]any{
					"type":        "string",
					"description": "Optional repeat interval (e.g. '1h', 'daily')",
				},
			},
			"required": []string{"message", "when"},
		},
		Handler: r.handleReminderSet,
	})

	r.Register(&Tool{
		Name:        "reminder_list",
		Description: "List pending reminders.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleReminderList,
	})

	r.Register(&Tool{
		Name:        "reminder_cancel",
		Description: "Cancel a pending reminder.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The reminder ID (or unique prefix) to cancel",
				},
			},
			"required": []string{"id"},
		},
		Handler: r.handleReminderCancel,
	})

	if r.shell != nil && r.shell.Enabled() {
		r.Register(&Tool{
			Name:        "shell_exec",
			Description: "Run a shell command on the host and return its output.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The shell command to run",
					},
					"timeout_sec": map[string]any{
						"type":        "integer",
						"description": "Timeout in seconds (default 30, max 300)",
					},
				},
				"required": []string{"command"},
			},
			Handler: r.handleShellExec,
		})
	}

	if r.fetcher != nil {
		r.Register(&Tool{
			Name:        "web_fetch",
			Description: "Fetch a web page and return its readable text content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The http(s) URL to fetch",
					},
				},
				"required": []string{"url"},
			},
			Handler: r.handleWebFetch,
		})
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Defs returns tool definitions for the model, in registration order.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Execute runs a tool by name with given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Handler(ctx, args)
}

// Tool handlers

func (r *Registry) handleNoteCreate(ctx context.Context, args map[string]any) (string, error) {
	title, _ := args["title"].(string)
	body, _ := args["body"].(string)
	if title == "" || body == "" {
		return "", fmt.Errorf("title and body are required")
	}

	id, err := r.store.CreateNote(title, body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Note '%s' saved (ID: %s)", title, id), nil
}

func (r *Registry) handleNoteList(ctx context.Context, args map[string]any) (string, error) {
	limit := 20
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}

	var notes []storage.Note
	var err error
	if query, _ := args["query"].(string); query != "" {
		notes, err = r.store.SearchNotes(query, limit)
	} else {
		notes, err = r.store.ListNotes(limit)
	}
	if err != nil {
		return "", err
	}

	if len(notes) == 0 {
		return "No notes found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d note(s):\n", len(notes))
	for _, n := range notes {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", n.ID, n.Title, n.Body)
	}
	return b.String(), nil
}

func (r *Registry) handleNoteUpdate(ctx context.Context, args map[string]any) (string, error) {
	id, _ := args["id"].(string)
	title, _ := args["title"].(string)
	body, _ := args["body"].(string)
	if id == "" || title == "" || body == "" {
		return "", fmt.Errorf("id, title, and body are required")
	}

	if err := r.store.UpdateNote(id, title, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("Note '%s' updated.", title), nil
}

func (r *Registry) handleNoteDelete(ctx context.Context, args map[string]any) (string, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return "", fmt.Errorf("id is required")
	}

	if err := r.store.DeleteNote(id); err != nil {
		return "", err
	}
	return "Note deleted.", nil
}

func (r *Registry) handleReminderSet(ctx context.Context, args map[string]any) (string, error) {
	message, _ := args["message"].(string)
	when, _ := args["when"].(string)
	repeat, _ := args["repeat"].(string)
	if message == "" || when == "" {
		return "", fmt.Errorf("message and when are required")
	}

	dueAt, err := parseWhen(when, time.Now())
	if err != nil {
		return "", fmt.Errorf("invalid schedule: %w", err)
	}

	intervalSec := 0
	if repeat != "" {
		dur, err := parseRepeat(repeat)
		if err != nil {
			return "", fmt.Errorf("invalid repeat: %w", err)
		}
		intervalSec = int(dur.Seconds())
	}

	id, err := r.store.CreateReminder(message, dueAt, intervalSec)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Reminder set (ID: %s). Fires at %s", id, dueAt.Format(time.RFC3339)), nil
}

func (r *Registry) handleReminderList(ctx context.Context, args map[string]any) (string, error) {
	reminders, err := r.store.ListReminders()
	if err != nil {
		return "", err
	}
	if len(reminders) == 0 {
		return "No pending reminders.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d reminder(s):\n", len(reminders))
	for _, rem := range reminders {
		fmt.Fprintf(&b, "- [%s] %s, fires %s", rem.ID, rem.Message, rem.DueAt.Format("2006-01-02 15:04"))
		if rem.IntervalSec > 0 {
			fmt.Fprintf(&b, ", repeats every %s", (time.Duration(rem.IntervalSec) * time.Second).String())
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (r *Registry) handleReminderCancel(ctx context.Context, args map[string]any) (string, error) {
	id, _ := args["id"].(string)
	if id == "" {
		return "", fmt.Errorf("id is required")
	}

	// Allow unique prefixes; full IDs are unwieldy for the model.
	reminders, err := r.store.ListReminders()
	if err != nil {
		return "", err
	}
	var match *storage.Reminder
	for i := range reminders {
		if reminders[i].ID == id || strings.HasPrefix(reminders[i].ID, id) {
			if match != nil {
				return "", fmt.Errorf("ambiguous reminder id prefix: %s", id)
			}
			match = &reminders[i]
		}
	}
	if match == nil {
		return "", fmt.Errorf("reminder not found: %s", id)
	}

	if err := r.store.DeleteReminder(match.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Reminder '%s' cancelled.", match.Message), nil
}

func (r *Registry) handleShellExec(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	timeoutSec := 0
	if t, ok := args["timeout_sec"].(float64); ok {
		timeoutSec = int(t)
	}

	result, err := r.shell.Exec(ctx, command, timeoutSec)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", result.ExitCode)
	if result.TimedOut {
		b.WriteString("(command timed out)\n")
	}
	if result.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", result.Stderr)
	}
	return b.String(), nil
}

func (r *Registry) handleWebFetch(ctx context.Context, args map[string]any) (string, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return "", fmt.Errorf("url is required")
	}
	return r.fetcher.Fetch(ctx, url)
}

// parseWhen converts a time specification to an absolute time.
func parseWhen(when string, now time.Time) (time.Time, error) {
	// Duration form: "30m", "2h"
	if dur, err := time.ParseDuration(when); err == nil {
		return now.Add(dur), nil
	}

	// "in 30 minutes"
	if rest, ok := strings.CutPrefix(strings.ToLower(when), "in "); ok {
		if dur, err := parseHumanDuration(rest); err == nil {
			return now.Add(dur), nil
		}
	}

	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, nil
	}

	formats := []string{"2006-01-02 15:04", "2006-01-02T15:04", "15:04"}
	for _, format := range formats {
		t, err := time.Parse(format, when)
		if err != nil {
			continue
		}
		if format == "15:04" {
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			if t.Before(now) {
				t = t.Add(24 * time.Hour)
			}
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("could not parse time: %s", when)
}

func parseRepeat(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return 24 * time.Hour, nil
	case "hourly":
		return time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func parseHumanDuration(s string) (time.Duration, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) < 2 {
		return 0, fmt.Errorf("expected '<number> <unit>'")
	}

	var num int
	if _, err := fmt.Sscanf(parts[0], "%d", &num); err != nil {
		return 0, err
	}

	unit := strings.ToLower(parts[1])
	switch {
	case strings.HasPrefix(unit, "second"):
		return time.Duration(num) * time.Second, nil
	case strings.HasPrefix(unit, "minute"):
		return time.Duration(num) * time.Minute, nil
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(num) * time.Hour, nil
	case strings.HasPrefix(unit, "day"):
		return time.Duration(num) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}

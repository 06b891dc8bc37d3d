package agent

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kosciak9/manfrod/internal/config"
	"github.com/kosciak9/manfrod/internal/events"
	"github.com/kosciak9/manfrod/internal/llm"
	"github.com/kosciak9/manfrod/internal/storage"
)

// scriptedGenerator returns canned responses in order, then repeats the
// last one.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []func() (*llm.Response, error)
	calls     int
}

func (g *scriptedGenerator) Generate(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, purpose string) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	if i >= len(g.responses) {
		i = len(g.responses) - 1
	}
	g.calls++
	return g.responses[i]()
}

func textResponse(text string) func() (*llm.Response, error) {
	return func() (*llm.Response, error) {
		return &llm.Response{
			Message:      llm.Message{Role: "assistant", Content: text},
			FinishReason: llm.FinishText,
		}, nil
	}
}

func toolResponse(name string, args map[string]any) func() (*llm.Response, error) {
	return func() (*llm.Response, error) {
		return &llm.Response{
			Message: llm.Message{
				Role:      "assistant",
				ToolCalls: []llm.ToolCall{{ID: "call_1", Name: name, Arguments: args}},
			},
			FinishReason: llm.FinishToolCalls,
		}, nil
	}
}

func failResponse(err error) func() (*llm.Response, error) {
	return func() (*llm.Response, error) { return nil, err }
}

// stubTools dispatches every call to a single handler.
type stubTools struct {
	handler func(name string, args map[string]any) (string, error)
}

func (s *stubTools) Defs() []llm.ToolDef { return nil }

func (s *stubTools) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if s.handler == nil {
		return "ok", nil
	}
	return s.handler(name, args)
}

// recordingResponder records deliveries and working signals.
type recordingResponder struct {
	mu       sync.Mutex
	delivers []delivery
	working  int
}

type delivery struct {
	ectx EventContext
	text string
}

func (r *recordingResponder) Deliver(ctx context.Context, ectx EventContext, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivers = append(r.delivers, delivery{ectx, text})
	return nil
}

func (r *recordingResponder) Working(ctx context.Context, ectx EventContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.working++
}

func (r *recordingResponder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.delivers...)
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		SystemPrompt:    "You are a helpful assistant.",
		MaxIterations:   50,
		IdleTimeoutSec:  300,
		ToolResultCap:   500,
		StorageRetrySec: 1,
	}
}

func newTestController(t *testing.T, gen Generator, tools ToolExecutor) (*Controller, *recordingResponder, *storage.Store) {
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

	if tools == nil {
		tools = &stubTools{}
	}
	responder := &recordingResponder{}
	c := New(testConfig(), Deps{
		Store:     store,
		Generator: gen,
		Tools:     tools,
		Responder: responder,
		Bus:       events.New(),
	})
	return c, responder, store
}

func TestProcessDeliversFinalAnswer(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("hello back"),
	}}
	c, responder, store := newTestController(t, gen, nil)

	c.Enqueue(Request{Content: "hi", Source: "mqtt", ReplyTo: "alice"})
	c.process(context.Background())

	got := responder.deliveries()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].text != "hello back" || got[0].ectx.ReplyTo != "alice" {
		t.Errorf("delivery = %+v", got[0])
	}

	// Conversation holds system, user, assistant.
	if len(c.conversation) != 3 {
		t.Fatalf("conversation = %d turns, want 3", len(c.conversation))
	}
	if c.conversation[2].Role != "assistant" || c.conversation[2].Content != "hello back" {
		t.Errorf("assistant turn = %+v", c.conversation[2])
	}

	// Journal closed after delivery.
	unclosed, err := store.UnclosedMessages()
	if err != nil {
		t.Fatalf("unclosed: %v", err)
	}
	if len(unclosed) != 0 {
		t.Errorf("unclosed = %d, want 0 after reply", len(unclosed))
	}
}

func TestProcessEmptyInboxIsNoop(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("never"),
	}}
	c, responder, _ := newTestController(t, gen, nil)

	c.process(context.Background())

	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
	if len(responder.deliveries()) != 0 {
		t.Error("delivery on empty inbox")
	}
}

func TestProcessBatchRepliesToEveryContext(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("one answer for all"),
	}}
	c, responder, _ := newTestController(t, gen, nil)

	c.Enqueue(Request{Content: "first", Source: "mqtt", ReplyTo: "alice"})
	c.Enqueue(Request{Content: "second", Source: "web", ReplyTo: "conn-9"})
	c.Enqueue(Request{Content: "third", Source: "mqtt", ReplyTo: "alice"}) // duplicate context
	c.process(context.Background())

	got := responder.deliveries()
	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2 distinct contexts", len(got))
	}
	contexts := map[EventContext]bool{}
	for _, d := range got {
		contexts[d.ectx] = true
		if d.text != "one answer for all" {
			t.Errorf("text = %q", d.text)
		}
	}
	if !contexts[EventContext{Source: "mqtt", ReplyTo: "alice"}] ||
		!contexts[EventContext{Source: "web", ReplyTo: "conn-9"}] {
		t.Errorf("contexts = %v", contexts)
	}

	// Batch folded in arrival order: system, user x3, assistant.
	if len(c.conversation) != 5 {
		t.Fatalf("conversation = %d turns, want 5", len(c.conversation))
	}
	if !strings.Contains(c.conversation[1].Content, "first") ||
		!strings.Contains(c.conversation[3].Content, "third") {
		t.Errorf("batch order broken: %+v", c.conversation[1:4])
	}
}

func TestProcessToolRound(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		toolResponse("note_list", map[string]any{"query": "x"}),
		textResponse("you have 2 notes"),
	}}
	var toolCalls []string
	tools := &stubTools{handler: func(name string, args map[string]any) (string, error) {
		toolCalls = append(toolCalls, name)
		return "2 notes found", nil
	}}
	c, responder, _ := newTestController(t, gen, tools)

	c.Enqueue(Request{Content: "notes?", Source: "web", ReplyTo: "c1"})
	c.process(context.Background())

	if len(toolCalls) != 1 || toolCalls[0] != "note_list" {
		t.Errorf("tool calls = %v", toolCalls)
	}
	got := responder.deliveries()
	if len(got) != 1 || got[0].text != "you have 2 notes" {
		t.Fatalf("deliveries = %+v", got)
	}

	// system, user, assistant(tool call), tool result, assistant.
	if len(c.conversation) != 5 {
		t.Fatalf("conversation = %d turns, want 5", len(c.conversation))
	}
	if c.conversation[3].Role != "tool" || c.conversation[3].Content != "2 notes found" {
		t.Errorf("tool turn = %+v", c.conversation[3])
	}
}

func TestProcessToolErrorBecomesResult(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		toolResponse("broken_tool", nil),
		textResponse("that tool failed, sorry"),
	}}
	tools := &stubTools{handler: func(name string, args map[string]any) (string, error) {
		return "", errors.New("boom")
	}}
	c, responder, _ := newTestController(t, gen, tools)

	c.Enqueue(Request{Content: "go", Source: "web", ReplyTo: "c1"})
	c.process(context.Background())

	// Round survives the failure and the model sees it.
	if len(responder.deliveries()) != 1 {
		t.Fatal("no reply after tool failure")
	}
	var toolTurn *llm.Message
	for i := range c.conversation {
		if c.conversation[i].Role == "tool" {
			toolTurn = &c.conversation[i]
		}
	}
	if toolTurn == nil || !strings.Contains(toolTurn.Content, "tool error") {
		t.Errorf("tool turn = %+v", toolTurn)
	}
}

func TestProcessExhaustionDeliversApology(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		failResponse(llm.ErrAllCandidatesExhausted),
	}}
	c, responder, _ := newTestController(t, gen, nil)

	c.Enqueue(Request{Content: "hi", Source: "web", ReplyTo: "c1"})
	c.process(context.Background())

	got := responder.deliveries()
	if len(got) != 1 || got[0].text != apologyText {
		t.Fatalf("deliveries = %+v, want apology", got)
	}
	// No assistant turn committed for the failed attempt.
	for _, m := range c.conversation {
		if m.Role == "assistant" {
			t.Errorf("unexpected assistant turn: %+v", m)
		}
	}
}

func TestProcessCanceledContextDeliversNothing(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		failResponse(context.Canceled),
	}}
	c, responder, store := newTestController(t, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Enqueue(Request{Content: "hi", Source: "web", ReplyTo: "c1"})
	c.process(ctx)

	// Shutdown mid-round is not a provider failure: no apology, no reply.
	if got := responder.deliveries(); len(got) != 0 {
		t.Fatalf("deliveries = %+v, want none on canceled context", got)
	}
	// The batch stays open in the journal for replay on the next start.
	unclosed, err := store.UnclosedMessages()
	if err != nil {
		t.Fatalf("unclosed: %v", err)
	}
	if len(unclosed) != 1 {
		t.Errorf("unclosed = %d, want 1", len(unclosed))
	}
}

func TestProcessIterationCapDeliversNotice(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		toolResponse("spin", nil), // never stops requesting tools
	}}
	c, responder, _ := newTestController(t, gen, &stubTools{})
	c.maxIterations = 3

	c.Enqueue(Request{Content: "loop forever", Source: "web", ReplyTo: "c1"})
	c.process(context.Background())

	if gen.calls != 3 {
		t.Errorf("generator calls = %d, want capped at 3", gen.calls)
	}
	got := responder.deliveries()
	if len(got) != 1 || got[0].text != stoppedText {
		t.Fatalf("deliveries = %+v, want stop notice", got)
	}
}

func TestProcessInterruptAbandonsRound(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		toolResponse("slow_tool", nil),
		textResponse("final answer"),
	}}
	tools := &stubTools{}
	c, responder, _ := newTestController(t, gen, tools)

	var once sync.Once
	tools.handler = func(name string, args map[string]any) (string, error) {
		// A new request lands while the tool is running; the round must
		// notice before its next model call.
		once.Do(func() {
			c.Enqueue(Request{Content: "urgent", Source: "web", ReplyTo: "c2"})
		})
		return "done", nil
	}

	c.Enqueue(Request{Content: "start", Source: "web", ReplyTo: "c1"})
	c.process(context.Background())

	// Round interrupted: exactly one model call, no reply yet.
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1 before interrupt", gen.calls)
	}
	if len(responder.deliveries()) != 0 {
		t.Fatalf("deliveries = %+v, want none yet", responder.deliveries())
	}

	// The next drain folds the urgent request into the same
	// conversation, keeping the accumulated tool turns.
	c.process(context.Background())
	got := responder.deliveries()
	if len(got) == 0 {
		t.Fatal("no reply after resumed round")
	}
	var sawToolTurn, sawUrgent bool
	for _, m := range c.conversation {
		if m.Role == "tool" {
			sawToolTurn = true
		}
		if m.Role == "user" && strings.Contains(m.Content, "urgent") {
			sawUrgent = true
		}
	}
	if !sawToolTurn || !sawUrgent {
		t.Errorf("conversation lost turns: tool=%v urgent=%v", sawToolTurn, sawUrgent)
	}
}

func TestProcessStorageOutageKeepsInbox(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := storage.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	db.Close() // storage becomes unavailable

	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("never reached"),
	}}
	responder := &recordingResponder{}
	c := New(testConfig(), Deps{
		Store:     store,
		Generator: gen,
		Tools:     &stubTools{},
		Responder: responder,
		Bus:       events.New(),
	})

	c.Enqueue(Request{Content: "hi", Source: "web", ReplyTo: "c1"})
	c.process(context.Background())
	c.process(context.Background())

	// Inbox retained, model never called, exactly one outage notice.
	if !c.inboxPending() {
		t.Error("inbox dropped during storage outage")
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
	got := responder.deliveries()
	if len(got) != 1 || got[0].text != outageText {
		t.Fatalf("deliveries = %+v, want single outage notice", got)
	}
}

func TestIdleDebounceSingleTimer(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("ok"),
	}}
	c, _, _ := newTestController(t, gen, nil)
	c.idleTimeout = 30 * time.Millisecond

	// Re-arming several times in quick succession leaves one live
	// timer, so exactly one idle command fires.
	c.armIdleTimer()
	c.armIdleTimer()
	c.armIdleTimer()

	time.Sleep(100 * time.Millisecond)

	fired := 0
	for {
		select {
		case cmd := <-c.cmds:
			if cmd == cmdIdle {
				fired++
			}
			continue
		default:
		}
		break
	}
	if fired != 1 {
		t.Errorf("idle commands = %d, want exactly 1", fired)
	}
}

func TestEndSessionResetsConversation(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("hello"),
	}}
	c, _, _ := newTestController(t, gen, nil)

	c.Enqueue(Request{Content: "hi", Source: "web", ReplyTo: "c1"})
	c.process(context.Background())
	if len(c.conversation) <= 1 {
		t.Fatal("conversation did not grow")
	}

	c.endSession()
	if len(c.conversation) != 1 || c.conversation[0].Role != "system" {
		t.Errorf("conversation after reset = %+v", c.conversation)
	}
}

func TestRecoverUnclosed(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("recovered reply"),
	}}
	c, _, store := newTestController(t, gen, nil)

	// Two messages journaled but never answered before the "crash".
	if _, err := store.AppendMessage("user", "older", "mqtt", "alice", time.Now().Add(-2*time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendMessage("user", "newer", "mqtt", "alice", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := c.RecoverUnclosed(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	// system prompt, synthetic notice, then both turns in order.
	if len(c.conversation) != 4 {
		t.Fatalf("conversation = %d turns, want 4", len(c.conversation))
	}
	if c.conversation[1].Role != "system" || !strings.Contains(c.conversation[1].Content, "2 message(s)") {
		t.Errorf("notice turn = %+v", c.conversation[1])
	}
	if c.conversation[2].Content != "older" || c.conversation[3].Content != "newer" {
		t.Errorf("replay order = %q, %q", c.conversation[2].Content, c.conversation[3].Content)
	}
}

func TestRecoverUnclosedEmptyJournal(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("x"),
	}}
	c, _, _ := newTestController(t, gen, nil)

	if err := c.RecoverUnclosed(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(c.conversation) != 1 {
		t.Errorf("conversation = %d turns, want untouched", len(c.conversation))
	}
}

func TestRunIntegration(t *testing.T) {
	gen := &scriptedGenerator{responses: []func() (*llm.Response, error){
		textResponse("from the loop"),
	}}
	c, responder, _ := newTestController(t, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	c.Enqueue(Request{Content: "hi", Source: "web", ReplyTo: "c1"})

	deadline := time.After(2 * time.Second)
	for len(responder.deliveries()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no delivery from running loop")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	c.Wait()

	got := responder.deliveries()
	if got[0].text != "from the loop" {
		t.Errorf("delivery = %+v", got[0])
	}
}

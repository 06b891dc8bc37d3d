package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kosciak9/manfrod/internal/config"
	"github.com/kosciak9/manfrod/internal/events"
	"github.com/kosciak9/manfrod/internal/llm"
	"github.com/kosciak9/manfrod/internal/storage"
)

// command is a typed instruction for the control loop.
type command int

const (
	cmdWake command = iota
	cmdIdle
	cmdClose
)

const (
	apologyText = "I'm sorry, I couldn't reach any of my language models just now. Please try again in a moment."
	stoppedText = "I had to stop before finishing: this request needed more tool steps than I allow in one turn. The partial work is noted; ask me to continue if you want."
	outageText  = "I can't take new messages right now because my storage is unavailable. I'll keep your message and retry shortly."
)

// Deps are the controller's collaborators.
type Deps struct {
	Store     *storage.Store
	Retriever ContextBuilder
	Generator Generator
	Tools     ToolExecutor
	Responder Responder
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Controller is the single serialized owner of one conversation and
// its inbox. All conversation mutations happen on the goroutine running
// [Controller.Run]; external code interacts only through Enqueue and
// Close.
type Controller struct {
	store     *storage.Store
	retriever ContextBuilder
	generator Generator
	tools     ToolExecutor
	responder Responder
	bus       *events.Bus
	logger    *slog.Logger

	systemPrompt  string
	maxIterations int
	idleTimeout   time.Duration
	toolResultCap int
	storageRetry  time.Duration

	// inbox is appended to by any goroutine, drained only by the loop.
	mu             sync.Mutex
	inbox          []Request
	outageNotified bool

	// Owned exclusively by the loop goroutine.
	conversation []llm.Message
	idleTimer    *time.Timer

	cmds chan command
	wg   sync.WaitGroup
}

// New creates a controller. Run must be called to start processing.
func New(cfg config.AgentConfig, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:         deps.Store,
		retriever:     deps.Retriever,
		generator:     deps.Generator,
		tools:         deps.Tools,
		responder:     deps.Responder,
		bus:           deps.Bus,
		logger:        logger.With("component", "agent"),
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		idleTimeout:   cfg.IdleTimeout(),
		toolResultCap: cfg.ToolResultCap,
		storageRetry:  cfg.StorageRetry(),
		cmds:          make(chan command, 16),
	}
	c.conversation = c.freshConversation()
	return c
}

func (c *Controller) freshConversation() []llm.Message {
	return []llm.Message{{Role: "system", Content: c.systemPrompt}}
}

// Enqueue appends a request to the inbox and wakes the loop. Safe to
// call from any goroutine; returns immediately and never fails.
func (c *Controller) Enqueue(req Request) {
	c.mu.Lock()
	c.inbox = append(c.inbox, req)
	c.mu.Unlock()

	c.publish(events.KindMessageReceived, req.Context(), map[string]any{
		"length": len(req.Content),
	})
	c.wake()
}

// Close asks the loop to end the current conversation session.
func (c *Controller) Close() {
	c.send(cmdClose)
}

// Run owns the conversation until ctx is canceled. Call it on exactly
// one goroutine.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	// Catch anything enqueued before Run started (recovery replays,
	// early channel traffic).
	c.process(ctx)

	for {
		select {
		case <-ctx.Done():
			c.stopIdleTimer()
			return
		case cmd := <-c.cmds:
			switch cmd {
			case cmdWake:
				c.process(ctx)
			case cmdIdle, cmdClose:
				c.endSession()
			}
		}
	}
}

// Wait blocks until Run has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// wake schedules a loop iteration. Non-blocking: if the command buffer
// is full, a wake is already pending and the drain will pick up
// everything anyway.
func (c *Controller) wake() {
	c.send(cmdWake)
}

func (c *Controller) send(cmd command) {
	select {
	case c.cmds <- cmd:
	default:
	}
}

func (c *Controller) inboxPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox) > 0
}

// process runs one drain-and-respond cycle. No-op on an empty inbox.
func (c *Controller) process(ctx context.Context) {
	c.mu.Lock()
	if len(c.inbox) == 0 {
		c.mu.Unlock()
		return
	}

	if !c.store.Available() {
		// Keep the inbox intact: messages are not dropped during a
		// storage outage. Tell the last requester once per outage and
		// retry on a timer.
		notified := c.outageNotified
		c.outageNotified = true
		last := c.inbox[len(c.inbox)-1]
		c.mu.Unlock()

		c.logger.Error("storage unavailable, retaining inbox", "retry_in", c.storageRetry)
		if !notified && c.responder != nil {
			if err := c.responder.Deliver(ctx, last.Context(), outageText); err != nil {
				c.logger.Warn("outage notice delivery failed", "error", err)
			}
		}
		time.AfterFunc(c.storageRetry, c.wake)
		return
	}

	batch := c.inbox
	c.inbox = nil
	c.outageNotified = false
	c.mu.Unlock()

	c.logger.Debug("processing batch", "requests", len(batch))

	// Journal and fold every request into the conversation in arrival
	// order. Entries stay unclosed until this turn delivers a reply, so
	// a crash mid-round replays them on restart.
	for _, req := range batch {
		if _, err := c.store.AppendMessage("user", req.Content, req.Source, req.ReplyTo, time.Now()); err != nil {
			c.logger.Error("journal append failed", "error", err)
		}

		content := req.Content
		if c.retriever != nil {
			if bg := c.retriever.BuildContext(req.Content); bg != "" {
				content = bg + "\n" + content
			}
		}
		c.conversation = append(c.conversation, llm.Message{Role: "user", Content: content})
	}

	ectx := batch[len(batch)-1].Context()
	text, result := c.runRound(ctx, ectx)

	switch result {
	case outcomeResponded:
		if _, err := c.store.AppendMessage("assistant", text, ectx.Source, ectx.ReplyTo, time.Now()); err != nil {
			c.logger.Error("journal assistant turn failed", "error", err)
		}
		c.conversation = append(c.conversation, llm.Message{Role: "assistant", Content: text})
		c.publish(events.KindResponding, ectx, map[string]any{
			"length": len(text),
		})
		c.deliverAll(ctx, batch, text)
		c.closeJournal()
		c.armIdleTimer()
		c.wake()

	case outcomeInterrupted:
		// New requests arrived; the loop already has a wake pending.
		// Accumulated turns stay in the conversation, journal entries
		// stay open until the eventual reply.

	case outcomeExhausted:
		// No assistant turn is committed for the failed attempt.
		c.deliverAll(ctx, batch, apologyText)
		c.closeJournal()
		c.armIdleTimer()

	case outcomeIterationCap:
		c.deliverAll(ctx, batch, stoppedText)
		c.closeJournal()
		c.armIdleTimer()

	case outcomeCanceled:
		// Shutdown mid-round: deliver nothing. Journal entries stay open
		// so the next start replays the batch.
	}
}

// deliverAll sends text to every distinct context in the batch, so no
// requester in a coalesced batch is left without a reply.
func (c *Controller) deliverAll(ctx context.Context, batch []Request, text string) {
	if c.responder == nil {
		return
	}
	seen := make(map[EventContext]bool)
	for _, req := range batch {
		ectx := req.Context()
		if seen[ectx] {
			continue
		}
		seen[ectx] = true
		if err := c.responder.Deliver(ctx, ectx, text); err != nil {
			c.logger.Error("delivery failed", "source", ectx.Source, "error", err)
		}
	}
}

func (c *Controller) closeJournal() {
	if err := c.store.CloseAll(); err != nil {
		c.logger.Error("journal close failed", "error", err)
	}
}

// armIdleTimer (re)starts the idle debounce. The previous timer is
// always stopped first, so exactly one timer is live at any moment.
func (c *Controller) armIdleTimer() {
	c.stopIdleTimer()
	if c.idleTimeout <= 0 {
		return
	}
	c.idleTimer = time.AfterFunc(c.idleTimeout, func() {
		c.send(cmdIdle)
	})
}

func (c *Controller) stopIdleTimer() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// endSession resets the conversation to just the system turn and
// signals collaborators that the session is over.
func (c *Controller) endSession() {
	c.stopIdleTimer()
	if len(c.conversation) <= 1 {
		return
	}
	turns := len(c.conversation) - 1
	c.conversation = c.freshConversation()
	c.publish(events.KindIdle, EventContext{}, map[string]any{
		"turns": turns,
	})
	c.logger.Info("conversation session ended", "turns", turns)
}

func (c *Controller) publish(kind string, ectx EventContext, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	if ectx.Source != "" {
		data["source"] = ectx.Source
	}
	if ectx.ReplyTo != "" {
		data["reply_to"] = ectx.ReplyTo
	}
	c.bus.Publish(events.Event{
		Source: events.SourceLoop,
		Kind:   kind,
		Data:   data,
	})
}

// RecoverUnclosed replays journal entries that were persisted but never
// answered before the last shutdown. The replayed turns are prefixed
// with a synthetic system notice so the model knows it may already have
// acted on them. Call before Run.
func (c *Controller) RecoverUnclosed() error {
	entries, err := c.store.UnclosedMessages()
	if err != nil {
		return fmt.Errorf("list unclosed: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	notice := fmt.Sprintf(
		"Notice: %d message(s) from before a restart were restored below. Actions may already have been taken for them; do not blindly repeat side-effecting tool calls.",
		len(entries),
	)
	c.conversation = append(c.freshConversation(), llm.Message{Role: "system", Content: notice})
	for _, e := range entries {
		c.conversation = append(c.conversation, llm.Message{Role: e.Role, Content: e.Content})
	}

	c.publish(events.KindRecovered, EventContext{}, map[string]any{
		"restored": len(entries),
	})
	c.logger.Info("recovered unclosed messages", "count", len(entries))
	return nil
}

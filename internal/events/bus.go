// Package events provides the publish/subscribe event bus that carries
// the runtime's telemetry: model-call attempts, retries and fallbacks,
// tool action lifecycles, narration, and conversation lifecycle signals.
// Subscribers include the keepalive relay, channel adapters, and external
// observability consumers. The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the inbox/loop controller and
	// the tool-call round it drives.
	SourceLoop = "loop"
	// SourceLLM identifies events from the model failover client.
	SourceLLM = "llm"
	// SourceChannel identifies events from channel adapters.
	SourceChannel = "channel"
	// SourceScheduler identifies events from the reminder scheduler.
	SourceScheduler = "scheduler"
)

// Kind constants describe the type of event within a source.
const (
	// KindCallStarted signals one provider call attempt is beginning.
	// Data: provider, model, tier, attempt, purpose.
	KindCallStarted = "call_started"
	// KindCallSucceeded signals a provider call completed.
	// Data: provider, model, attempt, latency_ms, input_tokens,
	// output_tokens.
	KindCallSucceeded = "call_succeeded"
	// KindCallFailed signals a provider call attempt failed.
	// Data: provider, model, attempt, error, retryable.
	KindCallFailed = "call_failed"
	// KindRetry signals a backoff pause before re-attempting a candidate.
	// Data: provider, model, attempt, delay_ms.
	KindRetry = "retry"
	// KindFallback signals a switch to the next candidate in the chain.
	// Data: from_provider, from_model, to_provider, to_model, tier,
	// reason (retries_exhausted or non_retryable).
	KindFallback = "fallback"

	// KindNarrating carries text the model emitted alongside a tool-call
	// request. Data: source, reply_to, text.
	KindNarrating = "narrating"
	// KindActionStarted signals a tool invocation is beginning.
	// Data: action_id, tool, args, source, reply_to.
	KindActionStarted = "action_started"
	// KindActionCompleted signals a tool invocation finished. Every
	// action_started is paired with exactly one action_completed.
	// Data: action_id, tool, success, duration_ms, result (truncated).
	KindActionCompleted = "action_completed"

	// KindResponding signals a final answer for a turn is being delivered.
	// Data: source, reply_to, length.
	KindResponding = "responding"
	// KindWorking is the keepalive relay's "still thinking" signal.
	// Data: source, reply_to.
	KindWorking = "working"
	// KindIdle signals a conversation has gone idle and was reset.
	// Data: turns.
	KindIdle = "idle"
	// KindRecovered signals unclosed messages were replayed at startup.
	// Data: restored.
	KindRecovered = "recovered"

	// KindMessageReceived signals an inbound channel message.
	// Data: source, reply_to, length.
	KindMessageReceived = "message_received"
	// KindReminderFired signals a scheduled reminder was enqueued.
	// Data: id, message.
	KindReminderFired = "reminder_fired"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero Timestamp
// is filled in with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

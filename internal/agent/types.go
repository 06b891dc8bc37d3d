// Package agent implements the conversation loop: a single goroutine
// owning the conversation and inbox, a tool-call state machine driving
// model rounds, and the keepalive relay that keeps transport typing
// indicators alive through long retries.
package agent

import (
	"context"

	"github.com/kosciak9/manfrod/internal/llm"
)

// Request is one inbound message. Immutable once enqueued. ReplyTo is
// an opaque correlation handle the transport uses to route the reply;
// the loop only forwards it.
type Request struct {
	Content string
	Source  string
	ReplyTo string
}

// EventContext correlates a turn's events and replies back to the
// right delivery channel. Carried through one turn, never stored.
type EventContext struct {
	Source  string
	ReplyTo string
}

// Context returns the request's event context.
func (r Request) Context() EventContext {
	return EventContext{Source: r.Source, ReplyTo: r.ReplyTo}
}

// Responder delivers agent output back to a transport. Implementations
// must be safe for concurrent use.
type Responder interface {
	// Deliver sends a final reply for the given context.
	Deliver(ctx context.Context, ectx EventContext, text string) error
	// Working signals that the agent is still processing, refreshing
	// the transport's typing indicator.
	Working(ctx context.Context, ectx EventContext)
}

// Generator produces one model response for a conversation. The
// failover client implements this. purpose labels what the completion
// is for and flows into call telemetry.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, purpose string) (*llm.Response, error)
}

// ToolExecutor is the tool catalog the state machine dispatches into.
type ToolExecutor interface {
	Defs() []llm.ToolDef
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// ContextBuilder retrieves background context for an incoming message.
// May return an empty string.
type ContextBuilder interface {
	BuildContext(query string) string
}

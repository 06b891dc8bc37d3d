// Package llm provides model provider adapters and the failover client
// that walks an ordered candidate chain with retry and backoff.
package llm

import (
	"context"
	"time"
)

// Message represents one turn of a conversation as seen by a provider.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool-result turns
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier, required for
	// correlating the tool result back to the request.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema
}

// FinishReason is the tagged outcome of a model call: either the model
// produced final text, or it requested tool calls, or it hit a limit.
type FinishReason string

const (
	// FinishText means the model returned a final answer.
	FinishText FinishReason = "text"
	// FinishToolCalls means the model requested one or more tool calls.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishLength means the model hit its output token limit.
	FinishLength FinishReason = "length"
)

// Response is the uniform result shape every provider adapter returns.
// Wire format conversion happens at the provider boundary
// (anthropic.go, openai.go).
type Response struct {
	Provider     string
	Model        string
	Message      Message
	FinishReason FinishReason

	// Token usage (provider-neutral).
	InputTokens  int
	OutputTokens int

	// Latency of the underlying HTTP call.
	Latency time.Duration
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool {
	return len(r.Message.ToolCalls) > 0
}

// Client is a single provider adapter. Implementations must be safe for
// concurrent use.
type Client interface {
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
	// Chat sends one completion request and returns the uniform response.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDef) (*Response, error)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newAnthropicTestServer(t *testing.T, handler http.HandlerFunc) (*AnthropicClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewAnthropicClient("test-key", nil)
	c.baseURL = srv.URL
	return c, srv
}

func TestAnthropicChatText(t *testing.T) {
	var gotReq anthropicRequest
	c, _ := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			Model:      "claude-sonnet-4-20250514",
			StopReason: "end_turn",
			Content:    []anthropicContent{{Type: "text", Text: "hello there"}},
			Usage:      anthropicUsage{InputTokens: 12, OutputTokens: 5},
		})
	})

	resp, err := c.Chat(context.Background(), "claude-sonnet-4-20250514", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if gotReq.System != "be brief" {
		t.Errorf("system prompt = %q, want extracted from system message", gotReq.System)
	}
	if len(gotReq.Messages) != 1 {
		t.Errorf("wire messages = %d, want 1 (system stripped)", len(gotReq.Messages))
	}
	if resp.Message.Content != "hello there" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.FinishReason != FinishText {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, FinishText)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 12/5", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicChatToolUse(t *testing.T) {
	c, _ := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(anthropicResponse{
			Model:      "claude",
			StopReason: "tool_use",
			Content: []anthropicContent{
				{Type: "text", Text: "checking"},
				{Type: "tool_use", ID: "toolu_01", Name: "note_list",
					Input: map[string]any{"query": "groceries"}},
			},
		})
	})

	resp, err := c.Chat(context.Background(), "claude", []Message{{Role: "user", Content: "notes?"}},
		[]ToolDef{{Name: "note_list", Description: "list notes"}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !resp.HasToolCalls() {
		t.Fatal("expected tool calls")
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, FinishToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "note_list" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["query"] != "groceries" {
		t.Errorf("Arguments = %v", tc.Arguments)
	}
}

func TestAnthropicChatAPIError(t *testing.T) {
	c, _ := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusServiceUnavailable)
	})

	_, err := c.Chat(context.Background(), "claude", []Message{{Role: "user", Content: "hi"}}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Chat() error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", apiErr.Status)
	}
	if !Retryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestAnthropicChatMalformed(t *testing.T) {
	c, _ := newAnthropicTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := c.Chat(context.Background(), "claude", []Message{{Role: "user", Content: "hi"}}, nil)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("Chat() error = %v, want ErrMalformedResponse", err)
	}
	if Retryable(err) {
		t.Error("malformed response must not be retryable")
	}
}

func TestConvertToAnthropicToolRoundTrip(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "what's in my notes?"},
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "toolu_01", Name: "note_list", Arguments: map[string]any{"query": "all"}},
		}},
		{Role: "tool", ToolCallID: "toolu_01", Content: "3 notes found"},
	}

	wire, system := convertToAnthropic(msgs)
	if system != "" {
		t.Errorf("system = %q, want empty", system)
	}
	if len(wire) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(wire))
	}

	// Assistant tool-call turn becomes tool_use blocks.
	blocks, ok := wire[1].Content.([]anthropicContent)
	if !ok || len(blocks) != 1 || blocks[0].Type != "tool_use" {
		t.Fatalf("assistant turn content = %#v", wire[1].Content)
	}
	if blocks[0].ID != "toolu_01" {
		t.Errorf("tool_use ID = %q", blocks[0].ID)
	}

	// Tool result becomes a user turn with a tool_result block.
	if wire[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", wire[2].Role)
	}
	resBlocks, ok := wire[2].Content.([]anthropicContent)
	if !ok || len(resBlocks) != 1 || resBlocks[0].Type != "tool_result" {
		t.Fatalf("tool result content = %#v", wire[2].Content)
	}
	if resBlocks[0].ToolUseID != "toolu_01" {
		t.Errorf("tool_use_id = %q", resBlocks[0].ToolUseID)
	}
}

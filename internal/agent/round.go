package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kosciak9/manfrod/internal/events"
	"github.com/kosciak9/manfrod/internal/llm"
)

// outcome is the terminal state of one tool-call round.
type outcome int

const (
	// outcomeResponded means the model produced a final answer.
	outcomeResponded outcome = iota
	// outcomeInterrupted means new requests arrived mid-round; the
	// round abandoned before its next model call.
	outcomeInterrupted
	// outcomeExhausted means every model candidate failed.
	outcomeExhausted
	// outcomeIterationCap means the round hit the tool-loop limit.
	outcomeIterationCap
	// outcomeCanceled means the turn's context was canceled mid-round,
	// typically at shutdown.
	outcomeCanceled
)

// purposeConversation labels completions generated for the main
// conversation loop on call telemetry.
const purposeConversation = "conversation"

// runRound drives the tool-call state machine for one turn: call the
// model, execute any requested tools sequentially, repeat until final
// text, interrupt, exhaustion, or the iteration cap.
//
// The interrupt check happens at exactly one point, before each model
// call. There is no mid-flight cancellation; the worst-case latency of
// an interrupt is one full model round-trip.
func (c *Controller) runRound(ctx context.Context, ectx EventContext) (string, outcome) {
	for iteration := 0; ; iteration++ {
		if iteration >= c.maxIterations {
			c.logger.Warn("tool loop hit iteration cap", "iterations", iteration)
			return "", outcomeIterationCap
		}

		if c.inboxPending() {
			c.logger.Debug("round interrupted by new requests", "iteration", iteration)
			return "", outcomeInterrupted
		}

		ka := startKeepalive(ctx, c.bus, c.responder, ectx)
		resp, err := c.generator.Generate(ctx, c.conversation, c.tools.Defs(), purposeConversation)
		ka.stop()

		if err != nil {
			// A canceled turn (shutdown) is not a provider failure; the
			// controller must not deliver anything for it.
			if ctx.Err() != nil {
				c.logger.Debug("round canceled", "error", ctx.Err())
				return "", outcomeCanceled
			}
			if errors.Is(err, llm.ErrAllCandidatesExhausted) {
				c.logger.Error("all model candidates exhausted", "error", err)
			} else {
				c.logger.Error("model round failed", "error", err)
			}
			return "", outcomeExhausted
		}

		if !resp.HasToolCalls() {
			return resp.Message.Content, outcomeResponded
		}

		// Narrative text alongside tool calls goes out as an event, not
		// a reply; the final answer comes after the tools run.
		if resp.Message.Content != "" {
			c.publish(events.KindNarrating, ectx, map[string]any{
				"text": resp.Message.Content,
			})
		}

		c.conversation = append(c.conversation, resp.Message)
		c.executeToolCalls(ctx, ectx, resp.Message.ToolCalls)
	}
}

// executeToolCalls runs the requested tools strictly sequentially, in
// the order the model asked for them, appending a tool-result turn for
// each. Tool failures become textual results the model can react to;
// they never abort the round.
func (c *Controller) executeToolCalls(ctx context.Context, ectx EventContext, calls []llm.ToolCall) {
	for _, call := range calls {
		actionID := newActionID()
		c.publish(events.KindActionStarted, ectx, map[string]any{
			"action_id": actionID,
			"tool":      call.Name,
			"args":      call.Arguments,
		})

		start := time.Now()
		result, err := c.tools.Execute(ctx, call.Name, call.Arguments)
		duration := time.Since(start)

		success := err == nil
		if err != nil {
			result = fmt.Sprintf("tool error: %v", err)
			c.logger.Warn("tool failed", "tool", call.Name, "error", err)
		}

		c.publish(events.KindActionCompleted, ectx, map[string]any{
			"action_id":   actionID,
			"tool":        call.Name,
			"success":     success,
			"duration_ms": duration.Milliseconds(),
			"result":      truncateResult(result, c.toolResultCap),
		})

		// The conversation carries the full result; only telemetry is
		// capped.
		c.conversation = append(c.conversation, llm.Message{
			Role:       "tool",
			Content:    result,
			ToolCallID: call.ID,
		})
	}
}

func newActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// truncateResult caps a tool result for telemetry, marking the cut.
func truncateResult(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + " [truncated]"
}

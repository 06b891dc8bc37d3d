package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kosciak9/manfrod/internal/events"
)

// Candidate is one (provider, model) pair in the failover chain.
// Tier is a human label for telemetry ("primary", "fallback") and has
// no effect on ordering — the chain slice order is the priority order.
type Candidate struct {
	Provider string
	Model    string
	Tier     string
}

func (c Candidate) String() string {
	return c.Provider + "/" + c.Model
}

// Failover walks an ordered candidate chain, retrying transient
// failures on each candidate with exponential backoff before moving to
// the next. Only when every candidate's retry budget is spent does it
// give up, with ErrAllCandidatesExhausted.
//
// A single Generate call never runs candidates concurrently; ordering
// is the whole point. Failover itself is safe for concurrent use.
type Failover struct {
	clients     map[string]Client
	chain       []Candidate
	retries     int
	backoffBase time.Duration
	callTimeout time.Duration
	bus         *events.Bus
	logger      *slog.Logger

	// sleep is swapped out in tests to record backoff delays without
	// waiting. It must honor ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFailover creates a failover client over the given provider
// clients. Chain entries whose provider has no registered client are
// skipped at call time with a warning rather than failing construction,
// so a missing API key disables a candidate instead of the whole agent.
func NewFailover(clients map[string]Client, chain []Candidate, retries int, backoffBase, callTimeout time.Duration, bus *events.Bus, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 1 {
		retries = 1
	}
	return &Failover{
		clients:     clients,
		chain:       chain,
		retries:     retries,
		backoffBase: backoffBase,
		callTimeout: callTimeout,
		bus:         bus,
		logger:      logger.With("component", "failover"),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reasons a candidate is abandoned, carried on fallback events.
const (
	reasonRetriesExhausted = "retries_exhausted"
	reasonNonRetryable     = "non_retryable"
)

// Generate runs one completion through the chain. Each candidate gets
// up to retries attempts; transient failures back off exponentially
// (base, 2x base, 4x base, ...), permanent failures move to the next
// candidate immediately. The per-attempt timeout bounds a single call,
// not the whole chain walk. purpose labels what the completion is for
// and is carried on call telemetry.
func (f *Failover) Generate(ctx context.Context, messages []Message, tools []ToolDef, purpose string) (*Response, error) {
	if len(f.chain) == 0 {
		return nil, fmt.Errorf("no model candidates configured")
	}

	var lastErr error
	// The candidate most recently attempted, and why it was abandoned.
	// Both feed the fallback event when the walk moves on.
	var prev *Candidate
	var prevReason string
	for _, cand := range f.chain {
		client, ok := f.clients[cand.Provider]
		if !ok {
			f.logger.Warn("no client for provider, skipping candidate",
				"provider", cand.Provider, "model", cand.Model)
			continue
		}

		if prev != nil {
			f.publish(events.KindFallback, map[string]any{
				"from_provider": prev.Provider,
				"from_model":    prev.Model,
				"to_provider":   cand.Provider,
				"to_model":      cand.Model,
				"tier":          cand.Tier,
				"reason":        prevReason,
			})
		}

		for attempt := 1; attempt <= f.retries; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			f.publish(events.KindCallStarted, map[string]any{
				"provider": cand.Provider,
				"model":    cand.Model,
				"tier":     cand.Tier,
				"attempt":  attempt,
				"purpose":  purpose,
			})

			resp, err := f.attempt(ctx, client, cand.Model, messages, tools)
			if err == nil {
				f.publish(events.KindCallSucceeded, map[string]any{
					"provider":      resp.Provider,
					"model":         resp.Model,
					"attempt":       attempt,
					"latency_ms":    resp.Latency.Milliseconds(),
					"input_tokens":  resp.InputTokens,
					"output_tokens": resp.OutputTokens,
				})
				f.logger.Info("model call succeeded",
					"candidate", cand.String(),
					"attempt", attempt,
					"latency", resp.Latency)
				return resp, nil
			}

			lastErr = err
			retryable := Retryable(err)
			f.publish(events.KindCallFailed, map[string]any{
				"provider":  cand.Provider,
				"model":     cand.Model,
				"attempt":   attempt,
				"error":     err.Error(),
				"retryable": retryable,
			})
			f.logger.Warn("model call failed",
				"candidate", cand.String(),
				"attempt", attempt,
				"retryable", retryable,
				"error", err)

			// The caller going away is not a candidate failure.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !retryable {
				prevReason = reasonNonRetryable
				break
			}
			prevReason = reasonRetriesExhausted
			if attempt < f.retries {
				delay := f.backoffBase << (attempt - 1)
				f.publish(events.KindRetry, map[string]any{
					"provider": cand.Provider,
					"model":    cand.Model,
					"attempt":  attempt,
					"delay_ms": delay.Milliseconds(),
				})
				if err := f.sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
		}
		prev = &cand
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrAllCandidatesExhausted, lastErr)
	}
	return nil, ErrAllCandidatesExhausted
}

// attempt runs a single provider call under the per-call timeout.
func (f *Failover) attempt(ctx context.Context, client Client, model string, messages []Message, tools []ToolDef) (*Response, error) {
	if f.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.callTimeout)
		defer cancel()
	}
	return client.Chat(ctx, model, messages, tools)
}

func (f *Failover) publish(kind string, data map[string]any) {
	f.bus.Publish(events.Event{
		Source: events.SourceLLM,
		Kind:   kind,
		Data:   data,
	})
}

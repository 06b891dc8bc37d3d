// Package channel connects the agent to its transports. Each adapter
// owns one inbound/outbound surface (MQTT, WebSocket chat) and tags its
// requests with a source; the Mux routes replies and working signals
// back to the adapter that originated the turn.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kosciak9/manfrod/internal/agent"
)

// Adapter is one transport surface.
type Adapter interface {
	// Source returns the tag this adapter stamps on its requests.
	Source() string
	// Deliver sends a final reply to the peer identified by replyTo.
	Deliver(ctx context.Context, replyTo, text string) error
	// Working refreshes the peer's typing/working indicator.
	Working(ctx context.Context, replyTo string)
}

// Mux routes agent output to the adapter matching the event context's
// source tag. Implements [agent.Responder]. Safe for concurrent use.
type Mux struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewMux creates an empty adapter mux.
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		adapters: make(map[string]Adapter),
		logger:   logger.With("component", "channel"),
	}
}

// Register adds an adapter. Later registrations replace earlier ones
// for the same source.
func (m *Mux) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Source()] = a
}

func (m *Mux) adapter(source string) Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapters[source]
}

// Deliver routes a reply to the adapter for ectx.Source. Replies for
// unknown sources (internal turns, scheduler wakes with no channel)
// are logged and dropped.
func (m *Mux) Deliver(ctx context.Context, ectx agent.EventContext, text string) error {
	a := m.adapter(ectx.Source)
	if a == nil {
		m.logger.Info("reply with no delivery channel", "source", ectx.Source, "length", len(text))
		return nil
	}
	if err := a.Deliver(ctx, ectx.ReplyTo, text); err != nil {
		return fmt.Errorf("deliver via %s: %w", ectx.Source, err)
	}
	return nil
}

// Working routes a working signal to the adapter for ectx.Source.
// Unknown sources are ignored.
func (m *Mux) Working(ctx context.Context, ectx agent.EventContext) {
	if a := m.adapter(ectx.Source); a != nil {
		a.Working(ctx, ectx.ReplyTo)
	}
}

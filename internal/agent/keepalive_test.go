package agent

import (
	"context"
	"testing"
	"time"

	"github.com/kosciak9/manfrod/internal/events"
)

func (r *recordingResponder) workingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.working
}

func waitForWorking(t *testing.T, r *recordingResponder, want int) {
	t.Helper()
	deadline := time.After(time.Second)
	for r.workingCount() < want {
		select {
		case <-deadline:
			t.Fatalf("working = %d, want %d", r.workingCount(), want)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestKeepaliveRelaysCallTelemetry(t *testing.T) {
	bus := events.New()
	responder := &recordingResponder{}
	ectx := EventContext{Source: "web", ReplyTo: "c1"}

	k := startKeepalive(context.Background(), bus, responder, ectx)

	// Each attempt-level event refreshes the working signal.
	bus.Publish(events.Event{Source: events.SourceLLM, Kind: events.KindCallStarted})
	bus.Publish(events.Event{Source: events.SourceLLM, Kind: events.KindRetry})
	bus.Publish(events.Event{Source: events.SourceLLM, Kind: events.KindFallback})
	waitForWorking(t, responder, 3)

	// Unrelated events are ignored.
	bus.Publish(events.Event{Source: events.SourceLLM, Kind: events.KindCallSucceeded})
	bus.Publish(events.Event{Source: events.SourceLoop, Kind: events.KindCallStarted})
	time.Sleep(20 * time.Millisecond)
	if got := responder.workingCount(); got != 3 {
		t.Errorf("working = %d after unrelated events, want 3", got)
	}

	k.stop()
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d after stop, want 0", bus.SubscriberCount())
	}

	// Telemetry after stop is not relayed.
	bus.Publish(events.Event{Source: events.SourceLLM, Kind: events.KindCallStarted})
	time.Sleep(20 * time.Millisecond)
	if got := responder.workingCount(); got != 3 {
		t.Errorf("working = %d after stop, want 3", got)
	}
}

func TestKeepaliveSubscribedBeforeReturn(t *testing.T) {
	bus := events.New()
	responder := &recordingResponder{}

	// An event published immediately after start must not be missed.
	k := startKeepalive(context.Background(), bus, responder, EventContext{})
	bus.Publish(events.Event{Source: events.SourceLLM, Kind: events.KindCallStarted})
	waitForWorking(t, responder, 1)
	k.stop()
}

func TestKeepaliveNilSafe(t *testing.T) {
	var k *keepalive
	k.stop() // must not panic

	if k := startKeepalive(context.Background(), nil, &recordingResponder{}, EventContext{}); k != nil {
		t.Error("relay started without a bus")
	}
}

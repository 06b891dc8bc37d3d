package agent

import (
	"context"

	"github.com/kosciak9/manfrod/internal/events"
)

// keepalive is a satellite listener started around each model call.
// Transport typing indicators decay in seconds; one model call with
// retries and fallbacks can take minutes. The relay watches the call
// telemetry and re-signals "working" on every attempt so the indicator
// never expires mid-turn.
type keepalive struct {
	bus  *events.Bus
	sub  <-chan events.Event
	done chan struct{}
}

// startKeepalive subscribes to call telemetry and relays it as working
// signals for ectx. It does not return until the subscription is live,
// so telemetry emitted immediately after cannot be missed.
func startKeepalive(ctx context.Context, bus *events.Bus, responder Responder, ectx EventContext) *keepalive {
	if bus == nil || responder == nil {
		return nil
	}

	k := &keepalive{
		bus:  bus,
		sub:  bus.Subscribe(16),
		done: make(chan struct{}),
	}

	ready := make(chan struct{})
	go func() {
		close(ready)
		for {
			select {
			case <-k.done:
				return
			case <-ctx.Done():
				return
			case e, ok := <-k.sub:
				if !ok {
					return
				}
				if e.Source != events.SourceLLM {
					continue
				}
				switch e.Kind {
				case events.KindCallStarted, events.KindRetry, events.KindFallback:
					responder.Working(ctx, ectx)
				}
			}
		}
	}()
	<-ready

	return k
}

// stop terminates the relay and releases its subscription. Safe to
// call on a nil relay.
func (k *keepalive) stop() {
	if k == nil {
		return
	}
	close(k.done)
	k.bus.Unsubscribe(k.sub)
}

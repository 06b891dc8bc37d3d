package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrAllCandidatesExhausted is returned by [Failover.Generate] only
// after every candidate's retry budget has been spent.
var ErrAllCandidatesExhausted = errors.New("all model candidates exhausted")

// ErrMalformedResponse marks a provider payload that could not be
// decoded into the uniform response shape. Never retried: the provider
// answered, it just answered garbage, and an identical request is
// likely to produce identical garbage.
var ErrMalformedResponse = errors.New("malformed provider response")

// APIError is a non-2xx reply from a provider. Status drives the
// retry/fallback classification in the failover client.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable classifies a provider call failure. Rate limiting and
// server-side errors (429, 500, 502, 503, 504), timeouts, and
// connection-level transport errors are worth retrying on the same
// candidate; everything else (other 4xx, malformed payloads) moves
// straight to the next candidate.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	if errors.Is(err, ErrMalformedResponse) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Caller cancellation is not a provider failure.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Connection refused, resets, DNS failures, dial timeouts — the
	// request may never have reached the provider.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

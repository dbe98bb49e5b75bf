package domain

import (
	"errors"
	"fmt"
)

// ErrAuthRequired is returned when no credential is available. It is a
// local, synchronous failure: the caller must re-authenticate, the engine
// never retries it.
var ErrAuthRequired = errors.New("authentication required")

// TransportError is a connection-level failure. It is retried internally
// with bounded backoff and surfaced only as a transient connection state.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return "transport: " + e.Reason
}

func (e *TransportError) Unwrap() error { return e.Err }

// LoadError is a REST fetch failure. Already-held data is preserved;
// retry is caller-initiated.
type LoadError struct {
	Op  string
	Err error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.Op, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// SendFailure marks an outbound message that could not be delivered. The
// optimistic entry stays in the timeline in a failed state; the engine
// never silently re-sends, to avoid duplicates.
type SendFailure struct {
	ChatID    string
	MessageID string
	Err       error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send failed in chat %s (message %s): %v", e.ChatID, e.MessageID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// ProtocolViolation is a malformed or incomplete push event. Violations
// are logged and dropped, never crash the engine.
type ProtocolViolation struct {
	Event  string
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %q event: %s", e.Event, e.Reason)
}

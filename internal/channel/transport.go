package channel

import (
	"context"
	"encoding/json"
)

// Command is a client-to-server scope control.
type Command struct {
	Action string `json:"action"` // join | leave | typing
	ChatID string `json:"chatId"`
}

// Envelope is the wire format for all server-pushed events.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is one established push connection.
type Conn interface {
	ReadEnvelope(ctx context.Context) (Envelope, error)
	WriteCommand(ctx context.Context, cmd Command) error
	Close() error
}

// Transport dials push connections. The socket transport and the degraded
// polling fallback both satisfy it, so everything above the channel is
// transport-agnostic.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"nhooyr.io/websocket"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

// SocketTransport dials the push websocket endpoint.
type SocketTransport struct {
	url string
}

// NewSocketTransport derives the websocket URL from the REST base URL.
func NewSocketTransport(baseURL string) *SocketTransport {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &SocketTransport{url: strings.TrimRight(wsURL, "/") + "/ws"}
}

func (t *SocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.url+"?token="+token, nil)
	if err != nil {
		return nil, &domain.TransportError{Reason: "websocket dial", Err: err}
	}
	// Room events are small; the default 32KB read limit is fine.
	return &socketConn{conn: conn}, nil
}

type socketConn struct {
	conn *websocket.Conn
}

func (c *socketConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &domain.ProtocolViolation{Event: "?", Reason: fmt.Sprintf("bad frame: %v", err)}
	}
	return env, nil
}

func (c *socketConn) WriteCommand(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *socketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

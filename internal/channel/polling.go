package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/rest"
)

var errPollingClosed = errors.New("polling connection closed")

// PollingTransport is the degraded fallback when the socket endpoint is
// unreachable. It synthesizes new-message envelopes by polling the REST
// API for joined chats, so everything above the Conn interface behaves
// identically. Cross-chat notifications are unavailable in this mode.
type PollingTransport struct {
	api      *rest.Client
	interval time.Duration
}

func NewPollingTransport(api *rest.Client, interval time.Duration) *PollingTransport {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &PollingTransport{api: api, interval: interval}
}

func (t *PollingTransport) Dial(ctx context.Context, token string) (Conn, error) {
	// Handshake: an authenticated snapshot fetch proves the credential
	// works before we report Connected.
	if _, err := t.api.Chats(ctx, ""); err != nil {
		return nil, err
	}
	return &pollingConn{
		api:      t.api,
		interval: t.interval,
		cursors:  make(map[string]time.Time),
		closed:   make(chan struct{}),
	}, nil
}

type pollingConn struct {
	api      *rest.Client
	interval time.Duration

	mu      sync.Mutex
	cursors map[string]time.Time // chatID -> last seen sentAt
	queue   []Envelope
	closed  chan struct{}
}

func (c *pollingConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			env := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return env, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-c.closed:
			return Envelope{}, errPollingClosed
		case <-time.After(c.interval):
		}

		c.poll(ctx)
	}
}

func (c *pollingConn) poll(ctx context.Context) {
	c.mu.Lock()
	scope := make(map[string]time.Time, len(c.cursors))
	for chatID, cursor := range c.cursors {
		scope[chatID] = cursor
	}
	c.mu.Unlock()

	for chatID, cursor := range scope {
		messages, err := c.api.MessagesSince(ctx, chatID, cursor)
		if err != nil {
			// Transient; next tick retries.
			continue
		}

		latest := cursor
		for _, msg := range messages {
			if !msg.SentAt.After(cursor) {
				continue
			}
			if msg.SentAt.After(latest) {
				latest = msg.SentAt
			}
			data, err := json.Marshal(newMessagePayload{
				ChatID:  chatID,
				Message: messageToWire(msg),
			})
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.queue = append(c.queue, Envelope{Event: eventNewMessage, Data: data})
			c.mu.Unlock()
		}

		c.mu.Lock()
		if cur, ok := c.cursors[chatID]; ok && latest.After(cur) {
			c.cursors[chatID] = latest
		}
		c.mu.Unlock()
	}
}

func (c *pollingConn) WriteCommand(ctx context.Context, cmd Command) error {
	switch cmd.Action {
	case "join":
		c.mu.Lock()
		if _, ok := c.cursors[cmd.ChatID]; !ok {
			c.cursors[cmd.ChatID] = time.Now()
		}
		c.mu.Unlock()
		return nil
	case "leave":
		c.mu.Lock()
		delete(c.cursors, cmd.ChatID)
		c.mu.Unlock()
		return nil
	case "typing":
		return c.api.Typing(ctx, cmd.ChatID)
	default:
		return nil
	}
}

func (c *pollingConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

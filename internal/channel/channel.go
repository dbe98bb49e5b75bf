package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/auth"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Channel owns the push connection lifecycle and fans validated events out
// on the bus. It is the only writer of ConnectionState; everyone else
// observes it through ConnectionStateEvent or State().
type Channel struct {
	transport Transport
	creds     auth.CredentialProvider
	bus       domain.EventBus
	log       zerolog.Logger
	recon     *reconnector

	mu          sync.Mutex
	state       domain.ConnectionState
	conn        Conn
	intentional bool
	joined      map[string]bool
	cancel      context.CancelFunc
	gen         int // connection generation; stale read loops must not flip state
}

type Option func(*Channel)

func WithBackoff(base, max time.Duration) Option {
	return func(c *Channel) { c.recon = newReconnector(base, max) }
}

func New(transport Transport, creds auth.CredentialProvider, bus domain.EventBus, log zerolog.Logger, opts ...Option) *Channel {
	c := &Channel{
		transport: transport,
		creds:     creds,
		bus:       bus,
		log:       log,
		recon:     newReconnector(defaultBaseDelay, defaultMaxDelay),
		state:     domain.StateDisconnected,
		joined:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect is idempotent: a no-op while Connected or Connecting. Without a
// credential it fails synchronously with ErrAuthRequired and is not
// retried; transport failures surface as TransportError and leave the
// channel Disconnected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.intentional = false
	c.mu.Unlock()
	return c.connect(ctx)
}

// connect is the shared dial path. Unlike Connect it leaves c.intentional
// alone, so an explicit Disconnect issued before or during a background
// reconnect attempt is honored instead of overridden.
func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.StateConnected || c.state == domain.StateConnecting || c.intentional {
		c.mu.Unlock()
		return nil
	}

	token, err := c.creds.AccessToken()
	if err != nil || token == "" {
		c.mu.Unlock()
		if err != nil {
			c.log.Warn().Err(err).Msg("credential read failed")
		}
		return domain.ErrAuthRequired
	}

	c.state = domain.StateConnecting
	c.mu.Unlock()
	c.publishState(domain.StateConnecting, "")

	conn, err := c.transport.Dial(ctx, token)

	c.mu.Lock()
	if c.intentional || c.state != domain.StateConnecting {
		// Disconnect won the race while the dial was in flight. It has
		// already settled the state; discard whatever the dial produced.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		c.state = domain.StateDisconnected
		c.mu.Unlock()
		c.publishState(domain.StateDisconnected, err.Error())
		return &domain.TransportError{Reason: "connect", Err: err}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.state = domain.StateConnected
	c.cancel = cancel
	c.gen++
	gen := c.gen
	rejoin := make([]string, 0, len(c.joined))
	for chatID := range c.joined {
		rejoin = append(rejoin, chatID)
	}
	c.mu.Unlock()

	c.recon.markConnected()
	c.publishState(domain.StateConnected, "")

	// The server forgets subscriptions across a dropped connection; every
	// previously joined room has to be re-announced.
	for _, chatID := range rejoin {
		if err := conn.WriteCommand(ctx, Command{Action: "join", ChatID: chatID}); err != nil {
			c.log.Warn().Str("chat", chatID).Err(err).Msg("rejoin failed")
		}
	}

	go c.readLoop(readCtx, conn, gen)
	return nil
}

// Disconnect always ends in Disconnected and releases the transport.
// Idempotent; it also stops any pending reconnection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = domain.StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.recon.reset()
	if prev != domain.StateDisconnected {
		c.publishState(domain.StateDisconnected, "client disconnect")
	}
}

// Join subscribes to a conversation's full-detail events. While the
// channel is not Connected the request is queued, not dropped, and is
// flushed when Connected is reached.
func (c *Channel) Join(ctx context.Context, chatID string) {
	c.mu.Lock()
	c.joined[chatID] = true
	var conn Conn
	if c.state == domain.StateConnected {
		conn = c.conn
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.WriteCommand(ctx, Command{Action: "join", ChatID: chatID}); err != nil {
		// Still in the joined set; the next (re)connect re-announces it.
		c.log.Warn().Str("chat", chatID).Err(err).Msg("join failed")
	}
}

func (c *Channel) Leave(ctx context.Context, chatID string) {
	c.mu.Lock()
	delete(c.joined, chatID)
	var conn Conn
	if c.state == domain.StateConnected {
		conn = c.conn
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.WriteCommand(ctx, Command{Action: "leave", ChatID: chatID}); err != nil {
		c.log.Warn().Str("chat", chatID).Err(err).Msg("leave failed")
	}
}

// Typing emits an ephemeral typing signal. Best effort; silently skipped
// while disconnected.
func (c *Channel) Typing(ctx context.Context, chatID string) {
	c.mu.Lock()
	var conn Conn
	if c.state == domain.StateConnected {
		conn = c.conn
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.WriteCommand(ctx, Command{Action: "typing", ChatID: chatID}); err != nil {
		c.log.Debug().Str("chat", chatID).Err(err).Msg("typing signal failed")
	}
}

// Joined reports the chats currently subscribed (or queued for
// subscription).
func (c *Channel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for chatID := range c.joined {
		out = append(out, chatID)
	}
	return out
}

func (c *Channel) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		env, err := conn.ReadEnvelope(ctx)
		if err != nil {
			var violation *domain.ProtocolViolation
			if errors.As(err, &violation) {
				c.log.Warn().Str("event", violation.Event).Str("reason", violation.Reason).Msg("dropped push event")
				continue
			}
			c.handleDrop(gen, err)
			return
		}

		evt, err := decodeEnvelope(env)
		if err != nil {
			var violation *domain.ProtocolViolation
			if errors.As(err, &violation) {
				c.log.Warn().Str("event", violation.Event).Str("reason", violation.Reason).Msg("dropped push event")
			} else {
				c.log.Warn().Err(err).Msg("dropped push event")
			}
			continue
		}

		c.bus.Publish(evt)
	}
}

func (c *Channel) handleDrop(gen int, cause error) {
	c.mu.Lock()
	if c.intentional || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = domain.StateDisconnected
	c.mu.Unlock()

	c.publishState(domain.StateDisconnected, cause.Error())
	go c.reconnectLoop()
}

func (c *Channel) reconnectLoop() {
	for {
		time.Sleep(c.recon.nextDelay())

		c.mu.Lock()
		if c.intentional || c.state != domain.StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrAuthRequired) {
			// Credential loss: surfaced for re-authentication, not retried.
			return
		}
		c.log.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

func (c *Channel) publishState(state domain.ConnectionState, reason string) {
	c.bus.Publish(domain.ConnectionStateEvent{
		State:     state,
		Reason:    reason,
		EventTime: time.Now(),
	})
}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/auth"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

type fakeConn struct {
	mu       sync.Mutex
	envs     chan Envelope
	commands []Command
	readErr  error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{envs: make(chan Envelope, 16)}
}

func (f *fakeConn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	env, ok := <-f.envs
	if !ok {
		f.mu.Lock()
		err := f.readErr
		f.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("connection closed")
		}
		return Envelope{}, err
	}
	return env, nil
}

func (f *fakeConn) WriteCommand(ctx context.Context, cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.envs)
	}
	return nil
}

func (f *fakeConn) dropWith(err error) {
	f.mu.Lock()
	f.readErr = err
	closed := f.closed
	f.closed = true
	f.mu.Unlock()
	if !closed {
		close(f.envs)
	}
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) commandsOfAction(action string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, cmd := range f.commands {
		if cmd.Action == action {
			out = append(out, cmd.ChatID)
		}
	}
	sort.Strings(out)
	return out
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
	dials   int
	gate    chan struct{}
}

func (f *fakeTransport) Dial(ctx context.Context, token string) (Conn, error) {
	f.mu.Lock()
	f.dials++
	gate := f.gate
	dialErr := f.dialErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if dialErr != nil {
		return nil, dialErr
	}

	conn := newFakeConn()
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeTransport) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.conns) {
		return nil
	}
	return f.conns[i]
}

func newTestChannel(transport *fakeTransport, bus domain.EventBus) *Channel {
	return New(transport, &auth.StaticProvider{Token: "tok"}, bus, zerolog.Nop(),
		WithBackoff(time.Millisecond, 5*time.Millisecond))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannelConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent while connected", func(t *testing.T) {
		transport := &fakeTransport{}
		ch := newTestChannel(transport, domain.NewEventBus())
		defer ch.Disconnect()

		if err := ch.Connect(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ch.Connect(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := transport.dialCount(); got != 1 {
			t.Fatalf("expected a single dial, got %d", got)
		}
		if ch.State() != domain.StateConnected {
			t.Fatalf("expected connected, got %s", ch.State())
		}
	})

	t.Run("missing credential fails synchronously", func(t *testing.T) {
		transport := &fakeTransport{}
		ch := New(transport, &auth.StaticProvider{Token: ""}, domain.NewEventBus(), zerolog.Nop())

		if err := ch.Connect(ctx); err != domain.ErrAuthRequired {
			t.Fatalf("expected ErrAuthRequired, got %v", err)
		}
		if transport.dialCount() != 0 {
			t.Fatal("must not dial without a credential")
		}
		if ch.State() != domain.StateDisconnected {
			t.Fatalf("expected disconnected, got %s", ch.State())
		}
	})

	t.Run("dial failure leaves channel disconnected", func(t *testing.T) {
		transport := &fakeTransport{dialErr: fmt.Errorf("refused")}
		ch := New(transport, &auth.StaticProvider{Token: "tok"}, domain.NewEventBus(), zerolog.Nop())

		err := ch.Connect(ctx)
		if err == nil {
			t.Fatal("expected connect error")
		}
		var te *domain.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %T", err)
		}
		if ch.State() != domain.StateDisconnected {
			t.Fatalf("expected disconnected, got %s", ch.State())
		}
	})

	t.Run("disconnect during an in-flight dial wins", func(t *testing.T) {
		gate := make(chan struct{})
		transport := &fakeTransport{gate: gate}
		ch := newTestChannel(transport, domain.NewEventBus())

		done := make(chan error, 1)
		go func() { done <- ch.Connect(ctx) }()
		waitFor(t, "dial start", func() bool { return transport.dialCount() == 1 })

		ch.Disconnect()
		close(gate)

		if err := <-done; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ch.State() != domain.StateDisconnected {
			t.Fatalf("expected disconnected after Disconnect, got %s", ch.State())
		}
		waitFor(t, "dialed conn released", func() bool {
			conn := transport.conn(0)
			return conn != nil && conn.isClosed()
		})
	})

	t.Run("disconnect during a background reconnect is honored", func(t *testing.T) {
		transport := &fakeTransport{}
		ch := newTestChannel(transport, domain.NewEventBus())

		ch.Connect(ctx)
		gate := make(chan struct{})
		transport.setGate(gate)
		transport.conn(0).dropWith(fmt.Errorf("reset by peer"))

		waitFor(t, "reconnect dial", func() bool { return transport.dialCount() >= 2 })
		ch.Disconnect()
		close(gate)

		waitFor(t, "reconnect conn released", func() bool {
			conn := transport.conn(1)
			return conn != nil && conn.isClosed()
		})
		if ch.State() != domain.StateDisconnected {
			t.Fatalf("expected disconnected after Disconnect, got %s", ch.State())
		}

		time.Sleep(50 * time.Millisecond)
		if got := transport.dialCount(); got != 2 {
			t.Fatalf("expected no further dials after client disconnect, got %d", got)
		}
	})

	t.Run("disconnect is idempotent", func(t *testing.T) {
		transport := &fakeTransport{}
		ch := newTestChannel(transport, domain.NewEventBus())
		ch.Connect(ctx)

		ch.Disconnect()
		ch.Disconnect()
		if ch.State() != domain.StateDisconnected {
			t.Fatalf("expected disconnected, got %s", ch.State())
		}
	})
}

func TestChannelJoinQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("join while disconnected is queued and flushed on connect", func(t *testing.T) {
		transport := &fakeTransport{}
		ch := newTestChannel(transport, domain.NewEventBus())
		defer ch.Disconnect()

		ch.Join(ctx, "c-1")
		ch.Join(ctx, "c-2")
		if got := len(ch.Joined()); got != 2 {
			t.Fatalf("expected 2 queued joins, got %d", got)
		}

		if err := ch.Connect(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		joins := transport.conn(0).commandsOfAction("join")
		if len(joins) != 2 || joins[0] != "c-1" || joins[1] != "c-2" {
			t.Fatalf("expected queued joins announced, got %v", joins)
		}
	})

	t.Run("leave while disconnected removes the queue entry", func(t *testing.T) {
		transport := &fakeTransport{}
		ch := newTestChannel(transport, domain.NewEventBus())
		defer ch.Disconnect()

		ch.Join(ctx, "c-1")
		ch.Leave(ctx, "c-1")
		ch.Connect(ctx)

		if joins := transport.conn(0).commandsOfAction("join"); len(joins) != 0 {
			t.Fatalf("expected no joins announced, got %v", joins)
		}
	})

	t.Run("rooms are rejoined after an unexpected drop", func(t *testing.T) {
		transport := &fakeTransport{}
		ch := newTestChannel(transport, domain.NewEventBus())
		defer ch.Disconnect()

		ch.Connect(ctx)
		ch.Join(ctx, "c-1")

		transport.conn(0).dropWith(fmt.Errorf("reset by peer"))

		waitFor(t, "reconnect", func() bool { return transport.dialCount() >= 2 && ch.State() == domain.StateConnected })

		waitFor(t, "rejoin", func() bool {
			conn := transport.conn(1)
			return conn != nil && len(conn.commandsOfAction("join")) == 1
		})
		if joins := transport.conn(1).commandsOfAction("join"); joins[0] != "c-1" {
			t.Fatalf("expected c-1 rejoined, got %v", joins)
		}
	})

	t.Run("intentional disconnect does not reconnect", func(t *testing.T) {
		transport := &fakeTransport{}
		ch := newTestChannel(transport, domain.NewEventBus())

		ch.Connect(ctx)
		ch.Disconnect()

		time.Sleep(50 * time.Millisecond)
		if got := transport.dialCount(); got != 1 {
			t.Fatalf("expected no reconnect after client disconnect, got %d dials", got)
		}
	})
}

func TestChannelReadLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("valid events reach the bus", func(t *testing.T) {
		transport := &fakeTransport{}
		bus := domain.NewEventBus()
		events := bus.Subscribe([]domain.EventType{domain.EventTypeNewMessage})
		defer bus.Unsubscribe(events)

		ch := newTestChannel(transport, bus)
		defer ch.Disconnect()
		ch.Connect(ctx)

		payload, _ := json.Marshal(map[string]any{
			"chatId": "c-1",
			"message": map[string]any{
				"id":          "m1",
				"chatId":      "c-1",
				"senderId":    "u-peer",
				"content":     "hello",
				"messageType": "TEXT",
				"sentAt":      time.Now().UTC(),
			},
		})
		transport.conn(0).envs <- Envelope{Event: "new-message", Data: payload}

		select {
		case evt := <-events:
			msg := evt.(domain.NewMessageEvent)
			if msg.ChatID != "c-1" || msg.Message.ID != "m1" {
				t.Fatalf("unexpected event: %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("malformed events are dropped without dropping the connection", func(t *testing.T) {
		transport := &fakeTransport{}
		bus := domain.NewEventBus()
		events := bus.Subscribe([]domain.EventType{domain.EventTypeTyping})
		defer bus.Unsubscribe(events)

		ch := newTestChannel(transport, bus)
		defer ch.Disconnect()
		ch.Connect(ctx)

		conn := transport.conn(0)
		conn.envs <- Envelope{Event: "new-message", Data: json.RawMessage(`{"chatId":""}`)}
		conn.envs <- Envelope{Event: "something-else", Data: json.RawMessage(`{}`)}
		typing, _ := json.Marshal(typingPayload{ChatID: "c-1", UserID: "u-peer"})
		conn.envs <- Envelope{Event: "user-typing", Data: typing}

		select {
		case evt := <-events:
			te := evt.(domain.TypingEvent)
			if te.ChatID != "c-1" {
				t.Fatalf("unexpected event: %+v", te)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("connection should survive malformed events")
		}
		if ch.State() != domain.StateConnected {
			t.Fatalf("expected still connected, got %s", ch.State())
		}
	})
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("new chat metadata is carried through", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]any{
			"chatId": "c-new",
			"message": map[string]any{
				"id":          "m1",
				"senderId":    "u-peer",
				"content":     "first",
				"messageType": "TEXT",
				"sentAt":      time.Now().UTC(),
			},
			"newChatData": map[string]any{
				"user": map[string]any{"id": "u-peer", "name": "Ana", "profilePicture": "https://cdn/a.jpg"},
			},
		})

		evt, err := decodeEnvelope(Envelope{Event: "new-message", Data: payload})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		msg := evt.(domain.NewMessageEvent)
		if msg.NewChat == nil || msg.NewChat.Participant.Name != "Ana" {
			t.Fatalf("expected new chat metadata, got %+v", msg.NewChat)
		}
	})

	t.Run("read receipt requires reader", func(t *testing.T) {
		payload, _ := json.Marshal(readPayload{ChatID: "c-1", MessageIDs: []string{"m1"}})
		_, err := decodeEnvelope(Envelope{Event: "messages-read", Data: payload})
		var violation *domain.ProtocolViolation
		if !errors.As(err, &violation) {
			t.Fatalf("expected ProtocolViolation, got %v", err)
		}
	})

	t.Run("unknown event is a violation", func(t *testing.T) {
		_, err := decodeEnvelope(Envelope{Event: "mystery", Data: json.RawMessage(`{}`)})
		var violation *domain.ProtocolViolation
		if !errors.As(err, &violation) {
			t.Fatalf("expected ProtocolViolation, got %v", err)
		}
	})
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(time.Second, 8*time.Second)

	prev := time.Duration(0)
	for i := 0; i < 6; i++ {
		d := r.nextDelay()
		if d > 8*time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
		if i < 3 && d < prev {
			t.Fatalf("delay shrank early: %v after %v", d, prev)
		}
		prev = d
	}
}

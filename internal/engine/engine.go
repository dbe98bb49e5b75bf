package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/repository"
)

// API is the REST collaborator surface the engine consumes.
type API interface {
	MessageLoader
	ChatLoader
	ReadSender
	SendMessage(ctx context.Context, chatID, content string, kind domain.MessageKind) (*domain.Message, error)
}

// PushChannel is the connection surface the engine drives.
type PushChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() domain.ConnectionState
	Join(ctx context.Context, chatID string)
	Leave(ctx context.Context, chatID string)
	Typing(ctx context.Context, chatID string)
}

// Engine ties the channel, the REST client, the two state holders and the
// read coordinator together. All construction is explicit dependency
// injection; tests run isolated instances side by side.
//
// One dispatch goroutine consumes the bus, so events for a single
// conversation are applied in arrival order; events for different chats
// carry no relative ordering guarantee.
type Engine struct {
	selfID      string
	api         API
	channel     PushChannel
	bus         domain.EventBus
	registry    *Registry
	coordinator *ReadCoordinator
	msgCache    repository.MessageCache // optional
	chatCache   repository.ChatCache    // optional
	log         zerolog.Logger

	mu       sync.Mutex
	timeline *Timeline
	events   <-chan domain.Event
	done     chan struct{}
}

type Options struct {
	SelfID       string
	API          API
	Channel      PushChannel
	Bus          domain.EventBus
	MessageCache repository.MessageCache
	ChatCache    repository.ChatCache
	Logger       zerolog.Logger
}

func New(opts Options) *Engine {
	return &Engine{
		selfID:      opts.SelfID,
		api:         opts.API,
		channel:     opts.Channel,
		bus:         opts.Bus,
		registry:    NewRegistry(opts.SelfID, opts.API, opts.Bus, opts.Logger),
		coordinator: NewReadCoordinator(opts.API, opts.Logger),
		msgCache:    opts.MessageCache,
		chatCache:   opts.ChatCache,
		log:         opts.Logger,
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) ConnectionState() domain.ConnectionState { return e.channel.State() }

// Start seeds the inbox from the cache, begins dispatching push events
// and opens the connection. A connect failure is non-fatal: the channel
// keeps retrying transport errors on its own, and everything already
// cached stays visible.
func (e *Engine) Start(ctx context.Context) error {
	if e.chatCache != nil {
		if cached, err := e.chatCache.List(ctx); err != nil {
			e.log.Warn().Err(err).Msg("inbox cache read failed")
		} else if len(cached) > 0 {
			e.registry.Seed(cached)
		}
	}

	e.mu.Lock()
	e.events = e.bus.Subscribe([]domain.EventType{
		domain.EventTypeNewMessage,
		domain.EventTypeTyping,
		domain.EventTypeReadReceipt,
		domain.EventTypeConnectionState,
	})
	e.done = make(chan struct{})
	events, done := e.events, e.done
	e.mu.Unlock()

	go e.dispatchLoop(events, done)

	return e.channel.Connect(ctx)
}

// Connect brings the push channel up; safe to call when already connected.
func (e *Engine) Connect(ctx context.Context) error {
	return e.channel.Connect(ctx)
}

// Disconnect tears down the push channel without stopping event dispatch.
func (e *Engine) Disconnect() {
	e.channel.Disconnect()
}

func (e *Engine) Stop() {
	e.channel.Disconnect()

	e.mu.Lock()
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
	if e.events != nil {
		e.bus.Unsubscribe(e.events)
		e.events = nil
	}
	e.mu.Unlock()
}

// RefreshInbox re-fetches the conversation snapshot; on failure the
// last-known-good inbox stays intact.
func (e *Engine) RefreshInbox(ctx context.Context) error {
	if err := e.registry.Load(ctx); err != nil {
		return err
	}
	if e.chatCache != nil {
		if err := e.chatCache.UpsertAll(ctx, e.registry.Chats()); err != nil {
			e.log.Warn().Err(err).Msg("inbox cache write failed")
		}
	}
	return nil
}

// OpenChat makes chatID the active conversation: joins its room, seeds
// the timeline from cache, loads the REST page and routes the unread ids
// through the read coordinator. A load failure still returns the (cache
// seeded) timeline so the caller can render and retry.
func (e *Engine) OpenChat(ctx context.Context, chatID string) (*Timeline, error) {
	e.mu.Lock()
	if e.timeline != nil && e.timeline.ChatID() == chatID {
		tl := e.timeline
		e.mu.Unlock()
		return tl, nil
	}
	e.mu.Unlock()

	// At most one conversation is open at a time in this client.
	e.CloseChat(ctx)

	tl := NewTimeline(chatID, e.selfID, e.api, e.bus, e.log)

	if e.msgCache != nil {
		if cached, err := e.msgCache.ListByChat(ctx, chatID, loadLimit); err != nil {
			e.log.Warn().Str("chat", chatID).Err(err).Msg("timeline cache read failed")
		} else if len(cached) > 0 {
			tl.Seed(cached)
		}
	}

	e.mu.Lock()
	e.timeline = tl
	e.mu.Unlock()

	e.channel.Join(ctx, chatID)

	unseen, err := tl.Load(ctx)
	if err != nil {
		return tl, err
	}

	if e.msgCache != nil {
		// Only server-confirmed messages belong in the cache; a persisted
		// transient could resurface after its send was discarded.
		confirmed := make([]*domain.Message, 0, len(tl.Messages()))
		for _, msg := range tl.Messages() {
			if !msg.Transient() {
				confirmed = append(confirmed, msg)
			}
		}
		if err := e.msgCache.SaveAll(ctx, confirmed); err != nil {
			e.log.Warn().Str("chat", chatID).Err(err).Msg("timeline cache write failed")
		}
	}

	if len(unseen) > 0 {
		e.markSeen(ctx, chatID, tl, unseen)
	}

	return tl, nil
}

// CloseChat leaves the room and hands the timeline's final state back to
// the registry. Events arriving afterwards no longer touch the closed
// timeline; an in-flight send still reconciles by chatID (see
// SendMessage).
func (e *Engine) CloseChat(ctx context.Context) {
	e.mu.Lock()
	tl := e.timeline
	e.timeline = nil
	e.mu.Unlock()

	if tl == nil {
		return
	}

	e.channel.Leave(ctx, tl.ChatID())
	e.registry.AdoptTimelineState(tl.ChatID(), tl.LastMessage(), tl.UnreadFromPeer())
}

// Timeline returns the currently open timeline, if any.
func (e *Engine) Timeline() *Timeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeline
}

// SendMessage applies the optimistic entry synchronously, then issues the
// outbound send. The result reconciles against whatever timeline is
// current for that chatID when it resolves, not the instance that started
// the send, so a close/reopen does not lose the outcome. A failure leaves
// the entry visibly failed; there is no automatic retry.
func (e *Engine) SendMessage(ctx context.Context, chatID, content string, kind domain.MessageKind) (*domain.Message, error) {
	var pending *domain.Message
	if tl := e.timelineFor(chatID); tl != nil {
		pending = tl.SendOptimistic(content, kind)
	} else {
		pending = domain.NewOptimisticMessage(chatID, e.selfID, content, kind)
	}

	confirmed, err := e.api.SendMessage(ctx, chatID, content, kind)
	if err != nil {
		if tl := e.timelineFor(chatID); tl != nil {
			tl.FailSend(pending.ID)
		}
		return pending, &domain.SendFailure{ChatID: chatID, MessageID: pending.ID, Err: err}
	}

	e.finishSend(ctx, chatID, pending.ID, confirmed)
	return confirmed, nil
}

// RetrySend re-issues a failed optimistic entry, keeping its transient id
// and position until the server confirms.
func (e *Engine) RetrySend(ctx context.Context, chatID, messageID string) (*domain.Message, error) {
	tl := e.timelineFor(chatID)
	if tl == nil {
		return nil, &domain.SendFailure{ChatID: chatID, MessageID: messageID, Err: errors.New("chat is not open")}
	}
	pending, ok := tl.MarkRetrying(messageID)
	if !ok {
		return nil, nil
	}

	confirmed, err := e.api.SendMessage(ctx, chatID, pending.Content, pending.Kind)
	if err != nil {
		if tl := e.timelineFor(chatID); tl != nil {
			tl.FailSend(messageID)
		}
		return pending, &domain.SendFailure{ChatID: chatID, MessageID: messageID, Err: err}
	}

	e.finishSend(ctx, chatID, messageID, confirmed)
	return confirmed, nil
}

// DiscardFailed drops a failed optimistic entry at the user's request.
func (e *Engine) DiscardFailed(chatID, messageID string) bool {
	tl := e.timelineFor(chatID)
	if tl == nil {
		return false
	}
	return tl.DiscardFailed(messageID)
}

// Typing signals that the local user is typing in the open chat.
func (e *Engine) Typing(ctx context.Context, chatID string) {
	e.channel.Typing(ctx, chatID)
}

// Foreground is the app-resume hook: parked read confirmations get
// another chance and a dropped connection is re-established.
func (e *Engine) Foreground(ctx context.Context) {
	e.coordinator.RetryPending(ctx)
	if e.channel.State() == domain.StateDisconnected {
		if err := e.channel.Connect(ctx); err != nil {
			e.log.Debug().Err(err).Msg("foreground reconnect failed")
		}
	}
}

func (e *Engine) finishSend(ctx context.Context, chatID, transientID string, confirmed *domain.Message) {
	if tl := e.timelineFor(chatID); tl != nil {
		tl.ConfirmSend(transientID, confirmed)
	}
	e.registry.OnNewMessage(chatID, confirmed, nil)

	if e.msgCache != nil {
		if err := e.msgCache.CreateOrIgnore(ctx, confirmed); err != nil {
			e.log.Warn().Err(err).Msg("message cache write failed")
		}
	}
	if e.chatCache != nil {
		if chat, ok := e.registry.Get(chatID); ok {
			if err := e.chatCache.Upsert(ctx, chat); err != nil {
				e.log.Warn().Err(err).Msg("inbox cache write failed")
			}
		}
	}
}

func (e *Engine) timelineFor(chatID string) *Timeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timeline != nil && e.timeline.ChatID() == chatID {
		return e.timeline
	}
	return nil
}

func (e *Engine) dispatchLoop(events <-chan domain.Event, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			e.dispatch(evt)
		}
	}
}

func (e *Engine) dispatch(evt domain.Event) {
	ctx := context.Background()

	switch v := evt.(type) {
	case domain.NewMessageEvent:
		e.handleNewMessage(ctx, v)

	case domain.TypingEvent:
		if v.UserID == e.selfID {
			return
		}
		if tl := e.timelineFor(v.ChatID); tl != nil {
			tl.SetPeerTyping()
		}

	case domain.ReadReceiptEvent:
		e.handleReadReceipt(ctx, v)

	case domain.ConnectionStateEvent:
		if v.State == domain.StateConnected {
			e.coordinator.RetryPending(ctx)
		}
	}
}

func (e *Engine) handleNewMessage(ctx context.Context, evt domain.NewMessageEvent) {
	msg := evt.Message

	if e.msgCache != nil {
		if err := e.msgCache.CreateOrIgnore(ctx, msg); err != nil {
			e.log.Warn().Err(err).Msg("message cache write failed")
		}
	}

	tl := e.timelineFor(evt.ChatID)
	if tl != nil {
		tl.ReceiveIncoming(msg)
	}

	e.registry.OnNewMessage(evt.ChatID, msg, evt.NewChat)

	// A peer message arriving in the open conversation is seen
	// immediately; confirm it (and anything parked from earlier
	// failures) right away.
	if tl != nil && msg.SenderID != e.selfID && !msg.Transient() {
		e.markSeen(ctx, evt.ChatID, tl, []string{msg.ID})
	}

	if e.chatCache != nil {
		if chat, ok := e.registry.Get(evt.ChatID); ok {
			if err := e.chatCache.Upsert(ctx, chat); err != nil {
				e.log.Warn().Err(err).Msg("inbox cache write failed")
			}
		}
	}
}

func (e *Engine) handleReadReceipt(ctx context.Context, evt domain.ReadReceiptEvent) {
	if tl := e.timelineFor(evt.ChatID); tl != nil {
		tl.ApplyReadReceipt(evt.MessageIDs, evt.ReaderID)
	}
	e.registry.OnReadReceipt(evt.ChatID, evt.ReaderID, evt.MessageIDs)

	if e.msgCache != nil && evt.ReaderID != e.selfID {
		if err := e.msgCache.UpdateReadState(ctx, evt.MessageIDs, domain.ReadStateRead); err != nil {
			e.log.Warn().Err(err).Msg("read state cache write failed")
		}
	}
	if e.chatCache != nil && evt.ReaderID == e.selfID {
		if err := e.chatCache.SetUnread(ctx, evt.ChatID, 0); err != nil {
			e.log.Warn().Err(err).Msg("unread cache write failed")
		}
	}
}

// markSeen applies the local read state synchronously, then lets the
// coordinator decide whether an outbound confirmation is due.
func (e *Engine) markSeen(ctx context.Context, chatID string, tl *Timeline, ids []string) {
	tl.ApplyLocalRead(ids)
	e.registry.OnReadReceipt(chatID, e.selfID, ids)
	e.coordinator.MarkSeen(ctx, chatID, ids)

	if e.msgCache != nil {
		if err := e.msgCache.UpdateReadState(ctx, ids, domain.ReadStateRead); err != nil {
			e.log.Warn().Err(err).Msg("read state cache write failed")
		}
	}
	if e.chatCache != nil {
		if err := e.chatCache.SetUnread(ctx, chatID, 0); err != nil {
			e.log.Warn().Err(err).Msg("unread cache write failed")
		}
	}
}

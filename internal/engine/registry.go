package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

// ChatLoader fetches the inbox snapshot.
type ChatLoader interface {
	Chats(ctx context.Context, selfID string) ([]*domain.Chat, error)
}

// Registry holds the aggregate conversation list for the inbox view.
type Registry struct {
	selfID string
	api    ChatLoader
	bus    domain.EventBus
	log    zerolog.Logger

	mu    sync.Mutex
	chats map[string]*domain.Chat
}

func NewRegistry(selfID string, api ChatLoader, bus domain.EventBus, log zerolog.Logger) *Registry {
	return &Registry{
		selfID: selfID,
		api:    api,
		bus:    bus,
		log:    log,
		chats:  make(map[string]*domain.Chat),
	}
}

// Load replaces the registry with the REST snapshot. Safe to call
// repeatedly (pull-to-refresh). A failed load leaves already-held
// conversations untouched and surfaces a recoverable error.
func (r *Registry) Load(ctx context.Context) error {
	chats, err := r.api.Chats(ctx, r.selfID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.chats = make(map[string]*domain.Chat, len(chats))
	for _, c := range chats {
		r.chats[c.ChatID] = c
	}
	r.mu.Unlock()

	r.publishUpdated()
	return nil
}

// Seed installs cached conversations for instant rendering, without
// clobbering anything a snapshot already delivered.
func (r *Registry) Seed(chats []*domain.Chat) {
	r.mu.Lock()
	if len(r.chats) > 0 {
		r.mu.Unlock()
		return
	}
	for _, c := range chats {
		r.chats[c.ChatID] = c
	}
	r.mu.Unlock()
	r.publishUpdated()
}

// OnNewMessage reconciles a cross-conversation message event. For an
// unknown chat the event must carry participant metadata so the entry can
// be synthesized; without it the event is a protocol violation, logged
// and dropped.
func (r *Registry) OnNewMessage(chatID string, msg *domain.Message, newChat *domain.Chat) {
	r.mu.Lock()
	chat, ok := r.chats[chatID]
	if !ok {
		if newChat == nil {
			r.mu.Unlock()
			violation := &domain.ProtocolViolation{Event: "new-message", Reason: "unknown chat without metadata"}
			r.log.Warn().Str("chat", chatID).Str("reason", violation.Reason).Msg("dropped chat event")
			return
		}
		chat = newChat
		chat.ChatID = chatID
		r.chats[chatID] = chat
	}

	chat.LastMessage = msg
	chat.Touch(msg.SentAt)
	if msg.SenderID != r.selfID {
		chat.UnreadCount++
	}
	r.mu.Unlock()

	r.publishUpdated()
}

// OnReadReceipt folds a read receipt into the inbox. The local user's own
// receipt resets the chat's unread count (it tracks what the local user
// has not read); the peer's receipt only upgrades the preview's read
// state when the preview is a message the local user sent.
func (r *Registry) OnReadReceipt(chatID, readerID string, messageIDs []string) {
	r.mu.Lock()
	chat, ok := r.chats[chatID]
	if !ok {
		r.mu.Unlock()
		return
	}

	changed := false
	if readerID == r.selfID {
		if chat.UnreadCount != 0 {
			chat.UnreadCount = 0
			changed = true
		}
	} else if chat.LastMessage != nil && chat.LastMessage.SenderID == r.selfID {
		for _, id := range messageIDs {
			if id == chat.LastMessage.ID && chat.LastMessage.ReadState != domain.ReadStateRead {
				chat.LastMessage.ReadState = domain.ReadStateRead
				changed = true
				break
			}
		}
	}
	r.mu.Unlock()

	if changed {
		r.publishUpdated()
	}
}

// AdoptTimelineState folds the closing timeline's final view of its chat
// back in; the timeline was authoritative for that one chat while open.
func (r *Registry) AdoptTimelineState(chatID string, lastMessage *domain.Message, unread int) {
	if unread < 0 {
		unread = 0
	}

	r.mu.Lock()
	chat, ok := r.chats[chatID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if lastMessage != nil {
		chat.LastMessage = lastMessage
		chat.Touch(lastMessage.SentAt)
	}
	chat.UnreadCount = unread
	r.mu.Unlock()

	r.publishUpdated()
}

// Chats returns the inbox sorted by lastActivity descending, recomputed
// on every call rather than cached.
func (r *Registry) Chats() []*domain.Chat {
	r.mu.Lock()
	out := make([]*domain.Chat, 0, len(r.chats))
	for _, c := range r.chats {
		cp := *c
		if c.LastMessage != nil {
			mcp := *c.LastMessage
			cp.LastMessage = &mcp
		}
		out = append(out, &cp)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Get returns a copy of one conversation entry.
func (r *Registry) Get(chatID string) (*domain.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil, false
	}
	cp := *c
	if c.LastMessage != nil {
		mcp := *c.LastMessage
		cp.LastMessage = &mcp
	}
	return &cp, true
}

func (r *Registry) publishUpdated() {
	r.bus.Publish(domain.InboxUpdatedEvent{EventTime: time.Now()})
}

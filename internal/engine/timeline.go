package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

const (
	loadLimit = 50
	typingTTL = 3 * time.Second
)

// MessageLoader fetches one REST page of a conversation.
type MessageLoader interface {
	Messages(ctx context.Context, chatID string, limit, page int) ([]*domain.Message, error)
}

// Timeline holds the ordered message list for the one open conversation.
// Every mutation is a single atomic transition under the lock: the list is
// always sorted by sentAt ascending (ties by id) when the lock releases.
type Timeline struct {
	chatID string
	selfID string
	api    MessageLoader
	bus    domain.EventBus
	log    zerolog.Logger

	mu          sync.Mutex
	messages    []*domain.Message
	typingUntil time.Time
	typingTimer *time.Timer
}

func NewTimeline(chatID, selfID string, api MessageLoader, bus domain.EventBus, log zerolog.Logger) *Timeline {
	return &Timeline{
		chatID: chatID,
		selfID: selfID,
		api:    api,
		bus:    bus,
		log:    log,
	}
}

func (t *Timeline) ChatID() string { return t.chatID }

// Seed installs cached messages for instant rendering before the REST
// page lands. It never overwrites an already-loaded timeline.
func (t *Timeline) Seed(messages []*domain.Message) {
	t.mu.Lock()
	if len(t.messages) > 0 {
		t.mu.Unlock()
		return
	}
	t.messages = append(t.messages, messages...)
	t.sortLocked()
	t.mu.Unlock()
	t.publishUpdated()
}

// Load fetches the recent page and replaces the timeline, carrying
// transient optimistic entries over unless the page already contains
// their confirmed copy. It returns the ids of peer-authored unread
// messages; the caller hands them to the read coordinator, since Load
// itself never emits a read confirmation. On failure the current content
// is kept and the caller may retry.
func (t *Timeline) Load(ctx context.Context) ([]string, error) {
	fetched, err := t.api.Messages(ctx, t.chatID, loadLimit, 0)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	var carried []*domain.Message
	for _, m := range t.messages {
		if m.Transient() && !containsEcho(fetched, m) {
			carried = append(carried, m)
		}
	}
	t.messages = append(fetched, carried...)
	t.sortLocked()

	var unseen []string
	for _, m := range t.messages {
		if m.SenderID != t.selfID && m.ReadState != domain.ReadStateRead {
			unseen = append(unseen, m.ID)
		}
	}
	t.mu.Unlock()

	t.publishUpdated()
	return unseen, nil
}

// ReceiveIncoming applies one pushed message. Duplicate server ids are
// ignored (push delivery is at-least-once). An echo of the local user's
// own message replaces the matching pending optimistic entry in place
// instead of appending, so the sender's message neither jumps nor
// duplicates. Returns whether the timeline changed.
func (t *Timeline) ReceiveIncoming(msg *domain.Message) bool {
	if msg.ChatID != t.chatID {
		return false
	}

	t.mu.Lock()
	if t.indexOf(msg.ID) >= 0 {
		t.mu.Unlock()
		return false
	}

	if msg.SenderID == t.selfID {
		if i := t.pendingIndexByContent(msg.Content); i >= 0 {
			t.messages[i] = msg
			t.sortLocked()
			t.mu.Unlock()
			t.publishUpdated()
			return true
		}
	}

	t.messages = append(t.messages, msg)
	t.sortLocked()
	t.mu.Unlock()
	t.publishUpdated()
	return true
}

// SendOptimistic inserts the local placeholder synchronously; the caller
// issues the outbound send afterwards and reconciles with ConfirmSend or
// FailSend.
func (t *Timeline) SendOptimistic(content string, kind domain.MessageKind) *domain.Message {
	msg := domain.NewOptimisticMessage(t.chatID, t.selfID, content, kind)

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.sortLocked()
	t.mu.Unlock()
	t.publishUpdated()

	return cloneMessage(msg)
}

// ConfirmSend swaps the transient entry for the server-confirmed copy,
// preserving its position. If the server echo already arrived through the
// push channel the transient entry is simply dropped.
func (t *Timeline) ConfirmSend(transientID string, confirmed *domain.Message) {
	t.mu.Lock()
	i := t.indexOf(transientID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	if j := t.indexOf(confirmed.ID); j >= 0 {
		t.messages = append(t.messages[:i], t.messages[i+1:]...)
	} else {
		t.messages[i] = confirmed
	}
	t.sortLocked()
	t.mu.Unlock()
	t.publishUpdated()
}

// FailSend leaves the entry visible in a failed state so the user can
// retry or discard; nothing is silently removed or re-sent.
func (t *Timeline) FailSend(transientID string) {
	t.mu.Lock()
	i := t.indexOf(transientID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	t.messages[i].Pending = false
	t.messages[i].Failed = true
	t.mu.Unlock()
	t.publishUpdated()
}

// MarkRetrying flips a failed entry back to pending ahead of a resend.
func (t *Timeline) MarkRetrying(transientID string) (*domain.Message, bool) {
	t.mu.Lock()
	i := t.indexOf(transientID)
	if i < 0 || !t.messages[i].Failed {
		t.mu.Unlock()
		return nil, false
	}
	t.messages[i].Failed = false
	t.messages[i].Pending = true
	msg := cloneMessage(t.messages[i])
	t.mu.Unlock()
	t.publishUpdated()
	return msg, true
}

// DiscardFailed removes a failed optimistic entry at the user's request.
func (t *Timeline) DiscardFailed(transientID string) bool {
	t.mu.Lock()
	i := t.indexOf(transientID)
	if i < 0 || !t.messages[i].Failed {
		t.mu.Unlock()
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	t.mu.Unlock()
	t.publishUpdated()
	return true
}

// ApplyReadReceipt folds a remote receipt in. Receipts echoing the local
// user's own reads are a no-op here; the peer's receipt marks the named
// locally-held messages authored by the local user as read. Unknown ids
// are ignored.
func (t *Timeline) ApplyReadReceipt(messageIDs []string, readerID string) {
	if readerID == t.selfID {
		return
	}

	idSet := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		idSet[id] = true
	}

	t.mu.Lock()
	changed := false
	for _, m := range t.messages {
		if idSet[m.ID] && m.SenderID == t.selfID && m.ReadState != domain.ReadStateRead {
			m.ReadState = domain.ReadStateRead
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.publishUpdated()
	}
}

// ApplyLocalRead marks the given peer-authored messages read locally.
// Called by the engine when the user sees them; the outbound confirmation
// is the read coordinator's job.
func (t *Timeline) ApplyLocalRead(messageIDs []string) {
	idSet := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		idSet[id] = true
	}

	t.mu.Lock()
	changed := false
	for _, m := range t.messages {
		if idSet[m.ID] && m.SenderID != t.selfID && m.ReadState != domain.ReadStateRead {
			m.ReadState = domain.ReadStateRead
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.publishUpdated()
	}
}

// SetPeerTyping raises the typing flag; it expires on its own after a
// short timeout.
func (t *Timeline) SetPeerTyping() {
	t.mu.Lock()
	t.typingUntil = time.Now().Add(typingTTL)
	if t.typingTimer != nil {
		t.typingTimer.Stop()
	}
	t.typingTimer = time.AfterFunc(typingTTL+50*time.Millisecond, t.publishUpdated)
	t.mu.Unlock()
	t.publishUpdated()
}

func (t *Timeline) PeerTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Now().Before(t.typingUntil)
}

// Messages returns a snapshot copy of the ordered list.
func (t *Timeline) Messages() []*domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// LastMessage returns the most recent confirmed entry, or the most recent
// entry of any kind if no confirmed one exists.
func (t *Timeline) LastMessage() *domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.messages) - 1; i >= 0; i-- {
		if !t.messages[i].Transient() {
			return cloneMessage(t.messages[i])
		}
	}
	if n := len(t.messages); n > 0 {
		return cloneMessage(t.messages[n-1])
	}
	return nil
}

// UnreadFromPeer counts peer-authored messages not yet marked read; this
// is what gets handed back to the registry on close.
func (t *Timeline) UnreadFromPeer() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, m := range t.messages {
		if m.SenderID != t.selfID && m.ReadState != domain.ReadStateRead {
			count++
		}
	}
	return count
}

func (t *Timeline) indexOf(id string) int {
	for i, m := range t.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) pendingIndexByContent(content string) int {
	for i, m := range t.messages {
		if m.Transient() && m.Content == content {
			return i
		}
	}
	return -1
}

func (t *Timeline) sortLocked() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].Less(t.messages[j])
	})
}

func (t *Timeline) publishUpdated() {
	t.bus.Publish(domain.TimelineUpdatedEvent{ChatID: t.chatID, EventTime: time.Now()})
}

func containsEcho(messages []*domain.Message, transient *domain.Message) bool {
	for _, m := range messages {
		if m.SenderID == transient.SenderID && m.Content == transient.Content {
			return true
		}
	}
	return false
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	return &cp
}

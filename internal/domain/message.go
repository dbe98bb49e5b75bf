package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "TEXT"
	MessageKindImage MessageKind = "IMAGE"
)

type ReadState string

const (
	ReadStateUnread    ReadState = "unread"
	ReadStateDelivered ReadState = "delivered"
	ReadStateRead      ReadState = "read"
)

// transientPrefix marks client-generated ids that the server never sees.
const transientPrefix = "tmp-"

type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	Kind      MessageKind
	SentAt    time.Time
	ReadState ReadState

	// Optimistic-send lifecycle. Pending entries carry a transient id
	// until the server-confirmed copy replaces them; Failed entries stay
	// visible so the user can retry or discard.
	Pending bool
	Failed  bool
}

func NewIncomingMessage(id, chatID, senderID, content string, kind MessageKind, sentAt time.Time) *Message {
	return &Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Kind:      kind,
		SentAt:    sentAt,
		ReadState: ReadStateUnread,
	}
}

// NewOptimisticMessage creates the local placeholder inserted before the
// server confirms a send. The transient id is never reused.
func NewOptimisticMessage(chatID, senderID, content string, kind MessageKind) *Message {
	return &Message{
		ID:        transientPrefix + uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Kind:      kind,
		SentAt:    time.Now(),
		ReadState: ReadStateDelivered,
		Pending:   true,
	}
}

// Transient reports whether the id is client-generated and not yet
// reconciled with a server-confirmed copy.
func (m *Message) Transient() bool {
	return strings.HasPrefix(m.ID, transientPrefix)
}

// Less orders messages by SentAt ascending, ties broken by id.
func (m *Message) Less(other *Message) bool {
	if m.SentAt.Equal(other.SentAt) {
		return m.ID < other.ID
	}
	return m.SentAt.Before(other.SentAt)
}

package domain

import "time"

// Participant is the other user in a conversation.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string
}

type Chat struct {
	ChatID       string
	Participant  Participant
	LastMessage  *Message
	LastActivity time.Time
	UnreadCount  int
}

func NewChat(chatID string, participant Participant) *Chat {
	return &Chat{
		ChatID:      chatID,
		Participant: participant,
	}
}

// Touch updates the activity timestamp, keeping the invariant
// lastActivity = max known sentAt.
func (c *Chat) Touch(t time.Time) {
	if t.After(c.LastActivity) {
		c.LastActivity = t
	}
}

package channel

import (
	"encoding/json"
	"time"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

// Logical event names on the wire.
const (
	eventNewMessage = "new-message"
	eventTyping     = "user-typing"
	eventRead       = "messages-read"
)

type wireUser struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture"`
}

type wireMessage struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	SenderID    string    `json:"senderId"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	SentAt      time.Time `json:"sentAt"`
	IsRead      bool      `json:"isRead"`
}

type newMessagePayload struct {
	ChatID      string      `json:"chatId"`
	Message     wireMessage `json:"message"`
	NewChatData *struct {
		User wireUser `json:"user"`
	} `json:"newChatData,omitempty"`
}

type typingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type readPayload struct {
	ChatID     string   `json:"chatId"`
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds"`
}

// decodeEnvelope validates an envelope and converts it into a typed domain
// event. Malformed payloads come back as *domain.ProtocolViolation so the
// read loop can log and drop them without tearing the connection down.
func decodeEnvelope(env Envelope) (domain.Event, error) {
	switch env.Event {
	case eventNewMessage:
		var p newMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, &domain.ProtocolViolation{Event: env.Event, Reason: "unparseable payload"}
		}
		if p.ChatID == "" && p.Message.ChatID != "" {
			p.ChatID = p.Message.ChatID
		}
		if p.ChatID == "" {
			return nil, &domain.ProtocolViolation{Event: env.Event, Reason: "missing chatId"}
		}
		if p.Message.ID == "" || p.Message.SenderID == "" {
			return nil, &domain.ProtocolViolation{Event: env.Event, Reason: "incomplete message"}
		}

		evt := domain.NewMessageEvent{
			ChatID:    p.ChatID,
			Message:   messageFromWire(p.Message, p.ChatID),
			EventTime: time.Now(),
		}
		if p.NewChatData != nil {
			evt.NewChat = domain.NewChat(p.ChatID, domain.Participant{
				ID:        p.NewChatData.User.ID,
				Name:      p.NewChatData.User.Name,
				AvatarURL: p.NewChatData.User.ProfilePicture,
			})
		}
		return evt, nil

	case eventTyping:
		var p typingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, &domain.ProtocolViolation{Event: env.Event, Reason: "unparseable payload"}
		}
		if p.ChatID == "" || p.UserID == "" {
			return nil, &domain.ProtocolViolation{Event: env.Event, Reason: "missing chatId or userId"}
		}
		return domain.TypingEvent{ChatID: p.ChatID, UserID: p.UserID, EventTime: time.Now()}, nil

	case eventRead:
		var p readPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, &domain.ProtocolViolation{Event: env.Event, Reason: "unparseable payload"}
		}
		if p.ChatID == "" || p.ReaderID == "" {
			return nil, &domain.ProtocolViolation{Event: env.Event, Reason: "missing chatId or readerId"}
		}
		return domain.ReadReceiptEvent{
			ChatID:     p.ChatID,
			ReaderID:   p.ReaderID,
			MessageIDs: p.MessageIDs,
			EventTime:  time.Now(),
		}, nil

	default:
		return nil, &domain.ProtocolViolation{Event: env.Event, Reason: "unknown event"}
	}
}

func messageFromWire(w wireMessage, chatID string) *domain.Message {
	state := domain.ReadStateUnread
	if w.IsRead {
		state = domain.ReadStateRead
	}
	return &domain.Message{
		ID:        w.ID,
		ChatID:    chatID,
		SenderID:  w.SenderID,
		Content:   w.Content,
		Kind:      domain.MessageKind(w.MessageType),
		SentAt:    w.SentAt,
		ReadState: state,
	}
}

func messageToWire(m *domain.Message) wireMessage {
	return wireMessage{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		MessageType: string(m.Kind),
		SentAt:      m.SentAt,
		IsRead:      m.ReadState == domain.ReadStateRead,
	}
}

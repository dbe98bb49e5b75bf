package repository

import (
	"time"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

type MessageModel struct {
	ID        string    `gorm:"primaryKey;column:id"`
	ChatID    string    `gorm:"column:chat_id;index:idx_chat_sent_at"`
	SenderID  string    `gorm:"column:sender_id"`
	Content   string    `gorm:"column:content"`
	Kind      string    `gorm:"column:kind"`
	SentAt    time.Time `gorm:"column:sent_at;index:idx_chat_sent_at"`
	ReadState string    `gorm:"column:read_state;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (MessageModel) TableName() string { return "messages" }

type ChatModel struct {
	ChatID            string    `gorm:"primaryKey;column:chat_id"`
	ParticipantID     string    `gorm:"column:participant_id"`
	ParticipantName   string    `gorm:"column:participant_name"`
	ParticipantAvatar string    `gorm:"column:participant_avatar"`
	LastMessageID     string    `gorm:"column:last_message_id"`
	LastMessageText   string    `gorm:"column:last_message_text"`
	LastMessageKind   string    `gorm:"column:last_message_kind"`
	LastMessageSender string    `gorm:"column:last_message_sender"`
	LastMessageState  string    `gorm:"column:last_message_state"`
	LastMessageAt     time.Time `gorm:"column:last_message_at"`
	LastActivity      time.Time `gorm:"column:last_activity;index"`
	UnreadCount       int       `gorm:"column:unread_count"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

func (ChatModel) TableName() string { return "chats" }

// Conversion functions

func MessageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}
	return &domain.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Kind:      domain.MessageKind(m.Kind),
		SentAt:    m.SentAt,
		ReadState: domain.ReadState(m.ReadState),
	}
}

func MessageDomainToModel(msg *domain.Message) *MessageModel {
	if msg == nil {
		return nil
	}
	return &MessageModel{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Kind:      string(msg.Kind),
		SentAt:    msg.SentAt,
		ReadState: string(msg.ReadState),
	}
}

func ChatModelToDomain(m *ChatModel) *domain.Chat {
	if m == nil {
		return nil
	}

	chat := &domain.Chat{
		ChatID: m.ChatID,
		Participant: domain.Participant{
			ID:        m.ParticipantID,
			Name:      m.ParticipantName,
			AvatarURL: m.ParticipantAvatar,
		},
		LastActivity: m.LastActivity,
		UnreadCount:  m.UnreadCount,
	}

	if m.LastMessageID != "" {
		chat.LastMessage = &domain.Message{
			ID:        m.LastMessageID,
			ChatID:    m.ChatID,
			SenderID:  m.LastMessageSender,
			Content:   m.LastMessageText,
			Kind:      domain.MessageKind(m.LastMessageKind),
			SentAt:    m.LastMessageAt,
			ReadState: domain.ReadState(m.LastMessageState),
		}
	}

	return chat
}

func ChatDomainToModel(chat *domain.Chat) *ChatModel {
	if chat == nil {
		return nil
	}

	model := &ChatModel{
		ChatID:            chat.ChatID,
		ParticipantID:     chat.Participant.ID,
		ParticipantName:   chat.Participant.Name,
		ParticipantAvatar: chat.Participant.AvatarURL,
		LastActivity:      chat.LastActivity,
		UnreadCount:       chat.UnreadCount,
	}

	if chat.LastMessage != nil {
		model.LastMessageID = chat.LastMessage.ID
		model.LastMessageText = chat.LastMessage.Content
		model.LastMessageKind = string(chat.LastMessage.Kind)
		model.LastMessageSender = chat.LastMessage.SenderID
		model.LastMessageState = string(chat.LastMessage.ReadState)
		model.LastMessageAt = chat.LastMessage.SentAt
	}

	return model
}

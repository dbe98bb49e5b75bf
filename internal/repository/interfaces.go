package repository

import (
	"context"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

// MessageCache persists messages locally so timelines render before the
// network answers.
type MessageCache interface {
	CreateOrIgnore(ctx context.Context, msg *domain.Message) error
	SaveAll(ctx context.Context, messages []*domain.Message) error
	ListByChat(ctx context.Context, chatID string, limit int) ([]*domain.Message, error)
	UpdateReadState(ctx context.Context, ids []string, state domain.ReadState) error
}

// ChatCache persists the inbox snapshot.
type ChatCache interface {
	Upsert(ctx context.Context, chat *domain.Chat) error
	UpsertAll(ctx context.Context, chats []*domain.Chat) error
	List(ctx context.Context) ([]*domain.Chat, error)
	SetUnread(ctx context.Context, chatID string, count int) error
}

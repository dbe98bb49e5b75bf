package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

type gormChatCache struct {
	db *gorm.DB
}

func NewChatCache(db *gorm.DB) ChatCache {
	return &gormChatCache{db: db}
}

func (r *gormChatCache) Upsert(ctx context.Context, chat *domain.Chat) error {
	model := ChatDomainToModel(chat)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		UpdateAll: true,
	}).Create(model).Error
}

func (r *gormChatCache) UpsertAll(ctx context.Context, chats []*domain.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	models := make([]*ChatModel, 0, len(chats))
	for _, chat := range chats {
		models = append(models, ChatDomainToModel(chat))
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		UpdateAll: true,
	}).Create(models).Error
}

func (r *gormChatCache) List(ctx context.Context) ([]*domain.Chat, error) {
	var models []ChatModel
	err := r.db.WithContext(ctx).
		Order("last_activity DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	chats := make([]*domain.Chat, len(models))
	for i := range models {
		chats[i] = ChatModelToDomain(&models[i])
	}
	return chats, nil
}

func (r *gormChatCache) SetUnread(ctx context.Context, chatID string, count int) error {
	return r.db.WithContext(ctx).
		Model(&ChatModel{}).
		Where("chat_id = ?", chatID).
		Update("unread_count", count).Error
}

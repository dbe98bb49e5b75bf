package repository

import (
	"context"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
)

type gormMessageCache struct {
	db *gorm.DB
}

func NewMessageCache(db *gorm.DB) MessageCache {
	return &gormMessageCache{db: db}
}

func (r *gormMessageCache) CreateOrIgnore(ctx context.Context, msg *domain.Message) error {
	model := MessageDomainToModel(msg)
	// INSERT OR IGNORE keeps at-least-once push delivery idempotent (SQLite)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
}

func (r *gormMessageCache) SaveAll(ctx context.Context, messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	models := make([]*MessageModel, 0, len(messages))
	for _, msg := range messages {
		models = append(models, MessageDomainToModel(msg))
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(models).Error
}

func (r *gormMessageCache) ListByChat(ctx context.Context, chatID string, limit int) ([]*domain.Message, error) {
	var models []MessageModel
	query := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("sent_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	messages := make([]*domain.Message, len(models))
	for i := range models {
		messages[i] = MessageModelToDomain(&models[i])
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Less(messages[j])
	})
	return messages, nil
}

func (r *gormMessageCache) UpdateReadState(ctx context.Context, ids []string, state domain.ReadState) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id IN ?", ids).
		Update("read_state", string(state)).Error
}

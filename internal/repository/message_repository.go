package repository

import (
	"compliance-chat-go/internal/model"
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository 定义了消息记录的操作接口。
type MessageRepository interface {
	// Upsert 按消息 ID 幂等写入，重复写入只会更新内容。
	// 会话不存在时返回 ErrConversationNotFound，不会留下孤立的消息。
	Upsert(ctx context.Context, msg *model.Message) error
	ListByConversation(ctx context.Context, conversationID string) ([]model.Message, error)
}

type gormMessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Upsert 实现幂等写入。写入前在同一事务内锁住会话行，与删除会话互斥。
func (r *gormMessageRepository) Upsert(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv model.Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", msg.ConversationID).
			First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock conversation %s: %w", msg.ConversationID, err)
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "content"}),
		}).Create(msg).Error
		if err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
		return nil
	})
}

// ListByConversation 按创建顺序返回会话的全部消息。
func (r *gormMessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs := []model.Message{}
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Order("row_id asc").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return msgs, nil
}

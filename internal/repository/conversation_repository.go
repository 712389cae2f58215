// Package repository 提供了数据访问层的实现。
package repository

import (
	"compliance-chat-go/internal/model"
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrConversationNotFound 表示会话不存在或不属于给定的归属键。
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository 定义了会话记录的操作接口。
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, id string) (*model.Conversation, error)
	ListByOwner(ctx context.Context, owner model.OwnerRefs) ([]model.Conversation, error)
	UpdateTitle(ctx context.Context, id, title string) error
	TouchUpdatedAt(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, owner model.OwnerRefs, id string) error
}

type gormConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

// Create 插入一条新的会话记录。
func (r *gormConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// FindByID 根据 ID 查找会话。
func (r *gormConversationRepository) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return &conv, nil
}

// ListByOwner 按最近更新时间倒序列出用户的会话。
func (r *gormConversationRepository) ListByOwner(ctx context.Context, owner model.OwnerRefs) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND user_id = ?", owner.CompanyID, owner.UserID).
		Order("updated_at desc").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// UpdateTitle 只更新标题，使用 UpdateColumn 以免 GORM 自动推进 updated_at。
func (r *gormConversationRepository) UpdateTitle(ctx context.Context, id, title string) error {
	res := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).UpdateColumn("title", title)
	if res.Error != nil {
		return fmt.Errorf("failed to rename conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// TouchUpdatedAt 在新增消息内容后推进会话的 updated_at。
func (r *gormConversationRepository) TouchUpdatedAt(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND updated_at < ?", id, at).
		UpdateColumn("updated_at", at).Error
}

// Delete 删除会话及其全部消息。
func (r *gormConversationRepository) Delete(ctx context.Context, owner model.OwnerRefs, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND company_id = ? AND user_id = ?", id, owner.CompanyID, owner.UserID).Delete(&model.Conversation{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConversationNotFound
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversation messages: %w", err)
		}
		return nil
	})
}

// Package model 包含了应用的数据模型定义。
package model

import (
	"errors"
	"time"
)

// ErrOwnerRefsIncomplete 表示 companyId 或 userId 缺失。
var ErrOwnerRefsIncomplete = errors.New("ownerRefs requires both companyId and userId")

// OwnerRefs 是会话的归属键，列表、创建、删除操作均需要两者齐全。
type OwnerRefs struct {
	CompanyID string `json:"companyId"`
	UserID    string `json:"userId"`
}

// Validate 检查两个归属键都已提供。
func (o OwnerRefs) Validate() error {
	if o.CompanyID == "" || o.UserID == "" {
		return ErrOwnerRefsIncomplete
	}
	return nil
}

// Conversation 对应 conversations 表，代表一个会话。
// UpdatedAt 只在新增消息内容时推进，重命名不会修改它。
type Conversation struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CompanyID string    `gorm:"type:varchar(64);not null;index:idx_conversation_owner" json:"companyId"`
	UserID    string    `gorm:"type:varchar(64);not null;index:idx_conversation_owner" json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Conversation) TableName() string {
	return "conversations"
}

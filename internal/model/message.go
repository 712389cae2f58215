package model

import "time"

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid 报告 r 是否为已知角色。
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message 对应 messages 表。ID 可由客户端生成（乐观追加）或在加载时由服务端给出；
// 同一 ID 的重复写入是幂等的。RowID 仅用于同一时间戳下保持插入顺序。
type Message struct {
	RowID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ID             string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"id"`
	ConversationID string    `gorm:"type:varchar(36);not null;index" json:"conversationId"`
	Role           Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text" json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Message) TableName() string {
	return "messages"
}

// BatchSaveResult 是批量保存的结果，部分失败不会回滚已保存的记录。
type BatchSaveResult struct {
	SavedCount int    `json:"savedCount"`
	ErrorCount int    `json:"errorCount"`
	ArchiveKey string `json:"archiveKey,omitempty"`
}

package model

import "time"

// AuditRecord 对应 conversation_audit 表，记录会话生命周期事件，供合规审计使用。
type AuditRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID        string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"eventId"`
	Type           string    `gorm:"type:varchar(32);not null;index" json:"type"`
	ConversationID string    `gorm:"type:varchar(36);not null;index" json:"conversationId"`
	CompanyID      string    `gorm:"type:varchar(64);index" json:"companyId"`
	UserID         string    `gorm:"type:varchar(64)" json:"userId"`
	Detail         string    `gorm:"type:text" json:"detail"`
	OccurredAt     time.Time `gorm:"not null" json:"occurredAt"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (AuditRecord) TableName() string {
	return "conversation_audit"
}

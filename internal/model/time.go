package model

import (
	"fmt"
	"time"
)

// LocalTime 以 "YYYY-MM-DD HH:MM:SS" 格式序列化时间。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// MarshalJSON implements the json.Marshaler interface.
func (t LocalTime) MarshalJSON() ([]byte, error) {
	formatted := fmt.Sprintf("\"%s\"", time.Time(t).Format(timeFormat))
	return []byte(formatted), nil
}

// AuditView 是审计记录对外展示的结构，时间字段使用本地格式。
type AuditView struct {
	EventID        string    `json:"eventId"`
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	CompanyID      string    `json:"companyId"`
	UserID         string    `json:"userId"`
	Detail         string    `json:"detail"`
	OccurredAt     LocalTime `json:"occurredAt"`
}

// View 将审计记录转换为展示结构。
func (r AuditRecord) View() AuditView {
	return AuditView{
		EventID:        r.EventID,
		Type:           r.Type,
		ConversationID: r.ConversationID,
		CompanyID:      r.CompanyID,
		UserID:         r.UserID,
		Detail:         r.Detail,
		OccurredAt:     LocalTime(r.OccurredAt),
	}
}

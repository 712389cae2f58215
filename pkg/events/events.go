// Package events defines the conversation lifecycle events sent to Kafka.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type 标识事件种类。
type Type string

const (
	ConversationCreated Type = "conversation.created"
	ConversationRenamed Type = "conversation.renamed"
	ConversationDeleted Type = "conversation.deleted"
	SessionBatchSaved   Type = "session.batch_saved"
)

// ConversationEvent 是审计链路中传递的消息体。
type ConversationEvent struct {
	EventID        string    `json:"event_id"`
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversation_id"`
	CompanyID      string    `json:"company_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// New 创建一个带有新 EventID 的事件。
func New(t Type, conversationID, companyID, userID, detail string) ConversationEvent {
	return ConversationEvent{
		EventID:        uuid.NewString(),
		Type:           t,
		ConversationID: conversationID,
		CompanyID:      companyID,
		UserID:         userID,
		Detail:         detail,
		OccurredAt:     time.Now(),
	}
}

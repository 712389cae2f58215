// Package pipeline 定义了审计事件的消费流程。
package pipeline

import (
	"compliance-chat-go/internal/model"
	"compliance-chat-go/internal/repository"
	"compliance-chat-go/pkg/events"
	"compliance-chat-go/pkg/log"
	"context"
	"errors"
	"fmt"
)

// ErrInvalidEvent 表示事件缺少必要字段，重试也无法成功。
var ErrInvalidEvent = errors.New("invalid conversation event")

// AuditProcessor 将 Kafka 中的会话事件落库为审计记录。
type AuditProcessor struct {
	auditRepo repository.AuditRepository
}

// NewAuditProcessor 创建一个新的 AuditProcessor 实例。
func NewAuditProcessor(auditRepo repository.AuditRepository) *AuditProcessor {
	return &AuditProcessor{auditRepo: auditRepo}
}

// Process 处理单个事件。格式错误的事件返回 nil，直接丢弃。
func (p *AuditProcessor) Process(ctx context.Context, ev events.ConversationEvent) error {
	if err := validate(ev); err != nil {
		log.Warnw("[AuditProcessor] 丢弃无效事件", "eventId", ev.EventID, "error", err)
		return nil
	}

	rec := &model.AuditRecord{
		EventID:        ev.EventID,
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		CompanyID:      ev.CompanyID,
		UserID:         ev.UserID,
		Detail:         ev.Detail,
		OccurredAt:     ev.OccurredAt,
	}
	if err := p.auditRepo.Record(ctx, rec); err != nil {
		return fmt.Errorf("record audit event %s: %w", ev.EventID, err)
	}
	log.Infof("[AuditProcessor] 已记录事件 %s, type=%s, conversation=%s", ev.EventID, ev.Type, ev.ConversationID)
	return nil
}

func validate(ev events.ConversationEvent) error {
	switch {
	case ev.EventID == "":
		return fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	case ev.ConversationID == "":
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	case ev.OccurredAt.IsZero():
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	switch ev.Type {
	case events.ConversationCreated, events.ConversationRenamed, events.ConversationDeleted, events.SessionBatchSaved:
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
}

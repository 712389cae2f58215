package repository

import (
	"compliance-chat-go/internal/model"
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditRepository 定义了审计记录的数据操作方法。
type AuditRepository interface {
	// Record 写入审计记录，相同 EventID 的重复消费会被忽略。
	Record(ctx context.Context, rec *model.AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error)
}

// AuditFilter 是审计记录的查询条件，零值字段不参与过滤。
type AuditFilter struct {
	CompanyID      string
	ConversationID string
	Limit          int
}

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建一个新的 AuditRepository 实例。
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

// Record 在数据库中插入一条审计记录。
func (r *auditRepository) Record(ctx context.Context, rec *model.AuditRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(rec).Error
}

// List 按发生时间倒序返回审计记录。
func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	q := r.db.WithContext(ctx).Model(&model.AuditRecord{})
	if filter.CompanyID != "" {
		q = q.Where("company_id = ?", filter.CompanyID)
	}
	if filter.ConversationID != "" {
		q = q.Where("conversation_id = ?", filter.ConversationID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []model.AuditRecord
	err := q.Order("occurred_at desc").Limit(limit).Find(&records).Error
	return records, err
}

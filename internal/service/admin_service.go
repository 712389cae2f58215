// Package service 包含了应用的业务逻辑层。
package service

import (
	"compliance-chat-go/internal/model"
	"compliance-chat-go/internal/repository"
	"context"
)

// AuditQuery 是管理员查询审计记录的条件。
type AuditQuery struct {
	CompanyID      string
	ConversationID string
	Limit          int
}

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	ListAuditRecords(ctx context.Context, q AuditQuery) ([]model.AuditView, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	auditRepo repository.AuditRepository
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(auditRepo repository.AuditRepository) AdminService {
	return &adminService{auditRepo: auditRepo}
}

// ListAuditRecords 按发生时间倒序返回审计记录。
func (s *adminService) ListAuditRecords(ctx context.Context, q AuditQuery) ([]model.AuditView, error) {
	records, err := s.auditRepo.List(ctx, repository.AuditFilter{
		CompanyID:      q.CompanyID,
		ConversationID: q.ConversationID,
		Limit:          q.Limit,
	})
	if err != nil {
		return nil, err
	}
	views := make([]model.AuditView, 0, len(records))
	for _, r := range records {
		views = append(views, r.View())
	}
	return views, nil
}

// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"compliance-chat-go/internal/middleware"
	"compliance-chat-go/internal/service"
	"compliance-chat-go/pkg/log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// ListAuditRecords 处理审计记录查询请求。
// 查询参数：conversationId、limit。管理员只能查看自己公司的记录。
func (h *AdminHandler) ListAuditRecords(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	q := service.AuditQuery{
		CompanyID:      claims.CompanyID,
		ConversationID: c.Query("conversationId"),
	}
	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的 limit 参数", "data": nil})
			return
		}
		q.Limit = limit
	}

	records, err := h.adminService.ListAuditRecords(c.Request.Context(), q)
	if err != nil {
		log.Error("ListAuditRecords: query failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询审计记录失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": records})
}

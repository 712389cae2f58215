// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"compliance-chat-go/internal/middleware"
	"compliance-chat-go/internal/service"
	"compliance-chat-go/internal/session"
	"compliance-chat-go/pkg/log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与对话相关的只读 API 请求。
type ConversationHandler struct {
	gateway service.PersistenceGateway
	clock   func() time.Time
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(gateway service.PersistenceGateway) *ConversationHandler {
	return &ConversationHandler{gateway: gateway, clock: time.Now}
}

// GetConversations 返回当前用户按日期分组的会话列表。
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	owner, ok := middleware.OwnerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	convs, err := h.gateway.ListConversations(c.Request.Context(), owner)
	if err != nil {
		log.Errorf("GetConversations: list failed for company=%s user=%s: %v", owner.CompanyID, owner.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to retrieve conversations",
			"data":    nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    session.Bucket(convs, h.clock()),
	})
}

// GetMessages 返回一个会话的完整消息历史，会话必须属于当前用户。
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	owner, ok := middleware.OwnerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}
	id := c.Param("id")

	convs, err := h.gateway.ListConversations(c.Request.Context(), owner)
	if err != nil {
		log.Errorf("GetMessages: list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to retrieve conversations", "data": nil})
		return
	}
	found := false
	for _, conv := range convs {
		if conv.ID == id {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "会话不存在", "data": nil})
		return
	}

	msgs, err := h.gateway.LoadMessages(c.Request.Context(), id)
	if err != nil {
		log.Errorf("GetMessages: load failed for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to retrieve messages", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": msgs})
}

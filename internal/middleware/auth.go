// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"compliance-chat-go/internal/model"
	"compliance-chat-go/pkg/token"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	claimsKey = "claims"
	ownerKey  = "owner"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 token，验证其有效性，并将 claims 与会话归属键存入 Gin 的上下文中。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 从 Authorization 请求头中获取 token
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头"})
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式"})
			return
		}

		claims, err := jwtManager.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Set(ownerKey, claims.Owner())
		c.Next()
	}
}

// ClaimsFrom 返回 AuthMiddleware 存入的 claims。
func ClaimsFrom(c *gin.Context) (*token.CustomClaims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*token.CustomClaims)
	return claims, ok
}

// OwnerFrom 返回当前请求的会话归属键。
func OwnerFrom(c *gin.Context) (model.OwnerRefs, bool) {
	v, ok := c.Get(ownerKey)
	if !ok {
		return model.OwnerRefs{}, false
	}
	owner, ok := v.(model.OwnerRefs)
	return owner, ok
}

// internal/api/auth_middleware.go
package api

import (
	"errors"
	"strings"

	"github.com/Corphon/SerialWriter/internal/auth"
	"github.com/Corphon/SerialWriter/internal/utils"
	"github.com/gin-gonic/gin"
)

const subjectKey = "auth_subject"

// publicPaths 不需要令牌的路径
var publicPaths = map[string]bool{
	"/api/health": true,
}

// bearerToken 优先取 Authorization 头；WebSocket 客户端无法设置头时用 ?token=
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("token")
}

// AuthMiddleware 未配置 AUTH_SECRET 时放行所有请求
func AuthMiddleware(tokens *auth.TokenConfig, response *ResponseHelper, logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !tokens.Enabled() || publicPaths[c.Request.URL.Path] || c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		raw := bearerToken(c)
		if raw == "" {
			response.Unauthorized(c, "缺少访问令牌")
			c.Abort()
			return
		}

		token, err := auth.ParseToken(raw, tokens)
		if err != nil {
			msg := "访问令牌无效"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "访问令牌已过期"
			}
			logger.Debug("token rejected", map[string]interface{}{
				"path":       c.Request.URL.Path,
				"request_id": c.GetString(requestIDKey),
				"error":      err.Error(),
			})
			response.Unauthorized(c, msg)
			c.Abort()
			return
		}

		c.Set(subjectKey, token.Subject)
		c.Next()
	}
}

package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/ticket-registry/pkg/response"
)

// AdminAuth 管理接口认证中间件
// 校验 Authorization: Bearer <token>；token 为空时拒绝所有请求
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			response.ErrorWithMsg(c, response.CodeForbidden, "管理接口未开放")
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.ErrorWithMsg(c, response.CodeInvalidToken, "未提供认证令牌")
			c.Abort()
			return
		}

		// 检查 Bearer 前缀
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.ErrorWithMsg(c, response.CodeInvalidToken, "认证令牌格式错误")
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			response.Error(c, response.CodeInvalidToken)
			c.Abort()
			return
		}

		c.Next()
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestLogger 测试日志中间件
func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(Logger(zap.New(core)))
	router.GET("/tickets/:id", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/tickets/TGT-1-secret", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("期望状态码 200, 实际 %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("期望 X-Request-ID 头存在")
	}

	// 日志中只出现路由模板
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("期望 1 条日志, 实际 %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/tickets/:id" {
		t.Errorf("期望 route 为 /tickets/:id, 实际 %v", fields["route"])
	}
	for k, v := range fields {
		if s, ok := v.(string); ok && s == "/tickets/TGT-1-secret" {
			t.Errorf("字段 %s 泄露了原始路径", k)
		}
	}
}

// TestLoggerWithRequestID 测试日志中间件使用已有的请求 ID
func TestLoggerWithRequestID(t *testing.T) {
	router := gin.New()
	router.Use(Logger(zap.NewNop()))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "custom-request-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	requestID := w.Header().Get("X-Request-ID")
	if requestID != "custom-request-id" {
		t.Errorf("期望 X-Request-ID 为 custom-request-id, 实际 %s", requestID)
	}
}

// TestRecovery 测试恢复中间件
func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	log := zap.New(core)
	router := gin.New()
	router.Use(Logger(log)) // Recovery 依赖 Logger 设置的 request_id
	router.Use(Recovery(log))
	router.GET("/panic", func(c *gin.Context) {
		panic("测试 panic")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("期望状态码 500, 实际 %d", w.Code)
	}
	if logs.FilterMessage("服务器内部错误").Len() != 1 {
		t.Error("期望记录一条错误日志")
	}
}

// TestAdminAuth 测试管理接口认证
func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"令牌正确", "s3cret", "Bearer s3cret", http.StatusOK},
		{"缺少令牌", "s3cret", "", http.StatusUnauthorized},
		{"格式错误", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"令牌错误", "s3cret", "Bearer wrong", http.StatusUnauthorized},
		{"未配置令牌", "", "Bearer anything", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(AdminAuth(tt.token))
			router.GET("/admin", func(c *gin.Context) {
				c.String(http.StatusOK, "ok")
			})

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("期望状态码 %d, 实际 %d", tt.want, w.Code)
			}
		})
	}
}

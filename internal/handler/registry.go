// Package handler HTTP 处理器
package handler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"github.com/pu-ac-cn/ticket-registry/internal/registry"
	"github.com/pu-ac-cn/ticket-registry/internal/service"
	"github.com/pu-ac-cn/ticket-registry/pkg/response"
	"go.uber.org/zap"
)

// RegistryHandler 票据注册表管理处理器
type RegistryHandler struct {
	tickets service.TicketService
	log     *zap.Logger
}

// NewRegistryHandler 创建注册表管理处理器
func NewRegistryHandler(tickets service.TicketService, log *zap.Logger) *RegistryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &RegistryHandler{tickets: tickets, log: log}
}

// Register 注册路由
func (h *RegistryHandler) Register(r gin.IRouter) {
	r.GET("/stats", h.Stats)
	r.GET("/sessions", h.Sessions)
	r.GET("/tickets/:id", h.GetTicket)
	r.DELETE("/tickets/:id", h.DeleteTicket)
}

// Stats 会话与服务票据数量
// GET /api/v1/registry/stats
func (h *RegistryHandler) Stats(c *gin.Context) {
	stats, err := h.tickets.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, stats)
}

// Sessions 主体的登录会话
// GET /api/v1/registry/sessions?principal=
func (h *RegistryHandler) Sessions(c *gin.Context) {
	principal := c.Query("principal")
	if principal == "" {
		response.ErrorWithMsg(c, response.CodeMissingParam, "缺少参数 principal")
		return
	}

	sessions, err := h.tickets.SessionsFor(c.Request.Context(), principal)
	if err != nil {
		h.fail(c, err)
		return
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })

	list := make([]gin.H, len(sessions))
	for i, t := range sessions {
		list[i] = ticketToResponse(t)
	}
	response.Success(c, gin.H{
		"principal": principal,
		"list":      list,
		"total":     len(list),
	})
}

// GetTicket 票据详情
// GET /api/v1/registry/tickets/:id
func (h *RegistryHandler) GetTicket(c *gin.Context) {
	t, err := h.tickets.GetTicket(c.Request.Context(), c.Param("id"), "")
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, ticketToResponse(t))
}

// DeleteTicket 删除票据，TGT / PGT 级联删除
// DELETE /api/v1/registry/tickets/:id
func (h *RegistryHandler) DeleteTicket(c *gin.Context) {
	existed, err := h.tickets.DeleteTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !existed {
		response.Error(c, response.CodeTicketNotFound)
		return
	}
	response.SuccessWithMsg(c, "票据已删除", gin.H{"deleted": true})
}

// fail 票据无效的具体原因不对外暴露
func (h *RegistryHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidTicket):
		response.Error(c, response.CodeTicketNotFound)
	case errors.Is(err, registry.ErrBackendUnavailable):
		h.log.Warn("票据存储不可用", zap.String("route", c.FullPath()), zap.Error(err))
		response.Error(c, response.CodeUnavailable)
	default:
		h.log.Error("处理注册表请求失败", zap.String("route", c.FullPath()), zap.Error(err))
		response.Error(c, response.CodeServerError)
	}
}

func ticketToResponse(t *model.Ticket) gin.H {
	resp := gin.H{
		"id":           t.ID,
		"kind":         t.Kind,
		"principal":    t.PrincipalID(),
		"created_at":   t.CreatedAt.Format(time.RFC3339),
		"last_used_at": t.LastUsedAt.Format(time.RFC3339),
		"usage_count":  t.UsageCount,
		"expiration":   t.Expiration.String(),
		"children":     len(t.ChildIDs),
	}
	if t.Service != "" {
		resp["service"] = t.Service
	}
	if t.ParentID != "" {
		resp["parent_id"] = t.ParentID
	}
	return resp
}

// HealthCheck 依赖检查函数
type HealthCheck func(ctx context.Context) error

// Health 健康检查
// GET /health
func Health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		resp := gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		}
		for name, check := range checks {
			status := "ok"
			if err := check(ctx); err != nil {
				status = "error"
				resp["status"] = "degraded"
			}
			resp[name] = status
		}
		response.Success(c, resp)
	}
}

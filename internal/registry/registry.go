// Package registry 票据注册表
//
// 所有后端共享同一套语义：Get 每次都重新校验过期策略，不依赖存储自身的 TTL；
// Delete 沿 ChildIDs 级联删除，单个子票据失败只记录日志；
// Update 为整条记录覆盖，多节点并发更新同一票据时以最后一次写入为准。
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/cipher"
	"github.com/pu-ac-cn/ticket-registry/internal/codec"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrBackendUnavailable 存储不可用（超时、连接失败等），调用方可有限次重试
	ErrBackendUnavailable = errors.New("票据存储不可用")
	// ErrUnsupportedTicket 票据类型未在目录中注册，或 ID 前缀与类型不符
	ErrUnsupportedTicket = errors.New("票据类型不受支持")
)

// Registry 票据注册表
type Registry interface {
	// Add 保存新票据
	Add(ctx context.Context, t *model.Ticket) error
	// Get 获取票据，expectedKind 为空时不校验类型
	Get(ctx context.Context, id string, expectedKind model.Kind) (*model.Ticket, error)
	// Update 整体覆盖票据，最后一次写入生效
	Update(ctx context.Context, t *model.Ticket) error
	// Delete 删除票据并级联删除其签发的票据，返回根票据是否存在
	Delete(ctx context.Context, id string) (bool, error)
	// Tickets 所有未过期票据
	Tickets(ctx context.Context) ([]*model.Ticket, error)
	// ServiceTicketCount 未过期的 ST / PT 数量
	ServiceTicketCount(ctx context.Context) (int, error)
	// SessionCount 未过期的 TGT 数量
	SessionCount(ctx context.Context) (int, error)
	// SessionsFor 主体的未过期 TGT
	SessionsFor(ctx context.Context, principalID string) ([]*model.Ticket, error)
	// DeleteExpired 清理已过期票据，返回删除数量
	DeleteExpired(ctx context.Context) (int, error)
	// DeleteAll 清空注册表，返回删除数量
	DeleteAll(ctx context.Context) (int, error)
}

// SelfContained 票据 ID 自身携带全部内容的注册表
// 调用方在 Add 之前用 Encode 的结果替换票据 ID
type SelfContained interface {
	Encode(ctx context.Context, t *model.Ticket) (string, error)
}

// Options 注册表通用选项
type Options struct {
	Logger *zap.Logger
	// Now 时钟，测试时注入
	Now func() time.Time
	// Timeout 单次存储操作超时，目录中的类型定义可以覆盖
	Timeout time.Duration
	// Cipher 不可信存储使用的加密器，默认 NoOp
	Cipher cipher.Executor
	// Codec 票据序列化器，默认 JSON
	Codec codec.Serializer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Cipher == nil {
		o.Cipher = cipher.NewNoOp()
	}
	if o.Codec == nil {
		o.Codec = codec.NewJSON()
	}
	return o
}

// unavailable 在适配层包装一次驱动错误
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
}

// contextErr 上下文已取消或超时时返回存储不可用
func contextErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func notFound(id string) error {
	return model.NewInvalidTicketError(id, model.ReasonNotFound)
}

// mask 日志中只保留票据 ID 的前缀部分
func mask(id string) string {
	const keep = 12
	if len(id) <= keep {
		return id
	}
	return id[:keep] + "..."
}

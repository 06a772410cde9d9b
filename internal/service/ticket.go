// Package service 票据生命周期业务逻辑
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/idgen"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"github.com/pu-ac-cn/ticket-registry/internal/registry"
	"go.uber.org/zap"
)

var (
	ErrServiceMismatch     = errors.New("票据与服务地址不匹配")
	ErrPrincipalRequired   = errors.New("认证结果缺少主体")
	ErrKindNotInCatalog    = errors.New("票据类型未在目录中注册")
	ErrNotAServiceTicket   = errors.New("票据不是服务票据")
	ErrServiceURLRequired  = errors.New("缺少服务地址")
	ErrProxyGrantedAlready = errors.New("该服务票据已签发过代理票据")
)

// TicketService 票据生命周期服务接口
type TicketService interface {
	// 登录与注销
	CreateTicketGrantingTicket(ctx context.Context, auth *model.Authentication) (*model.Ticket, error)
	DestroyTicketGrantingTicket(ctx context.Context, tgtID string) (bool, error)

	// 服务票据
	GrantServiceTicket(ctx context.Context, tgtID, service string, fromNewLogin bool) (*model.Ticket, error)
	ValidateServiceTicket(ctx context.Context, ticketID, service string) (*model.Ticket, error)

	// 代理
	GrantProxyGrantingTicket(ctx context.Context, ticketID, callbackURL string) (*model.Ticket, error)
	GrantProxyTicket(ctx context.Context, pgtID, service string) (*model.Ticket, error)

	// 临时会话
	CreateTransientSessionTicket(ctx context.Context, service string, properties map[string]string) (*model.Ticket, error)

	// 查询与管理
	GetTicket(ctx context.Context, ticketID string, kind model.Kind) (*model.Ticket, error)
	DeleteTicket(ctx context.Context, ticketID string) (bool, error)
	SessionsFor(ctx context.Context, principalID string) ([]*model.Ticket, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Stats 注册表统计
type Stats struct {
	Sessions       int `json:"sessions"`
	ServiceTickets int `json:"service_tickets"`
}

// TicketServiceConfig 票据服务配置
type TicketServiceConfig struct {
	Timeout    time.Duration // 单次注册表调用超时，默认 5 秒
	Retries    int           // 后端不可用时的重试次数
	RetryDelay time.Duration // 重试间隔，按次数线性增长
	Now        func() time.Time
}

type ticketService struct {
	registry registry.Registry
	catalog  *catalog.Catalog
	ids      idgen.Generator
	log      *zap.Logger
	config   *TicketServiceConfig
}

// NewTicketService 创建票据服务
func NewTicketService(reg registry.Registry, cat *catalog.Catalog, ids idgen.Generator, log *zap.Logger, config *TicketServiceConfig) TicketService {
	if config == nil {
		config = &TicketServiceConfig{}
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ticketService{
		registry: reg,
		catalog:  cat,
		ids:      ids,
		log:      log,
		config:   config,
	}
}

// do 带超时执行注册表调用，仅在后端不可用时重试
func (s *ticketService) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.config.Retries; attempt++ {
		if attempt > 0 {
			s.log.Warn("注册表暂不可用，准备重试", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return err
			case <-time.After(s.config.RetryDelay * time.Duration(attempt)):
			}
		}
		opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		err = fn(opCtx)
		cancel()
		if err == nil || !errors.Is(err, registry.ErrBackendUnavailable) {
			return err
		}
	}
	return err
}

func (s *ticketService) get(ctx context.Context, id string, kind model.Kind) (*model.Ticket, error) {
	var t *model.Ticket
	err := s.do(ctx, "get", func(ctx context.Context) error {
		var err error
		t, err = s.registry.Get(ctx, id, kind)
		return err
	})
	return t, err
}

func (s *ticketService) add(ctx context.Context, t *model.Ticket) error {
	return s.do(ctx, "add", func(ctx context.Context) error { return s.registry.Add(ctx, t) })
}

func (s *ticketService) update(ctx context.Context, t *model.Ticket) error {
	return s.do(ctx, "update", func(ctx context.Context) error { return s.registry.Update(ctx, t) })
}

func (s *ticketService) delete(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.do(ctx, "delete", func(ctx context.Context) error {
		var err error
		existed, err = s.registry.Delete(ctx, id)
		return err
	})
	return existed, err
}

func (s *ticketService) definition(kind model.Kind) (catalog.Definition, error) {
	def, ok := s.catalog.Find(kind)
	if !ok {
		return catalog.Definition{}, fmt.Errorf("%w: %s", ErrKindNotInCatalog, kind)
	}
	return def, nil
}

// encode 自包含注册表将票据内容编码进 ID
// parent 不为空时同步替换父票据中记录的子票据 ID
func (s *ticketService) encode(ctx context.Context, t, parent *model.Ticket) error {
	sc, ok := s.registry.(registry.SelfContained)
	if !ok {
		return nil
	}
	oldID := t.ID
	id, err := sc.Encode(ctx, t)
	if err != nil {
		return err
	}
	t.ID = id
	if parent != nil {
		for i := range parent.ChildIDs {
			if parent.ChildIDs[i] == oldID {
				parent.ChildIDs[i] = id
			}
		}
	}
	return nil
}

// issue 保存子票据后再更新父票据，父票据更新失败时子票据也不保留
func (s *ticketService) issue(ctx context.Context, parent, child *model.Ticket) error {
	if err := s.encode(ctx, child, parent); err != nil {
		return err
	}
	if err := s.add(ctx, child); err != nil {
		return err
	}
	if err := s.update(ctx, parent); err != nil {
		if _, derr := s.delete(ctx, child.ID); derr != nil {
			s.log.Warn("回滚子票据失败", zap.String("ticket", child.ID), zap.Error(derr))
		}
		return err
	}
	return nil
}

// CreateTicketGrantingTicket 认证成功后创建 TGT
func (s *ticketService) CreateTicketGrantingTicket(ctx context.Context, auth *model.Authentication) (*model.Ticket, error) {
	if auth == nil || auth.PrincipalID == "" {
		return nil, ErrPrincipalRequired
	}
	def, err := s.definition(model.KindTicketGrantingTicket)
	if err != nil {
		return nil, err
	}
	now := s.config.Now()
	if auth.AuthenticatedAt.IsZero() {
		auth = auth.Clone()
		auth.AuthenticatedAt = now
	}

	tgt := model.NewTicketGrantingTicket(s.ids.Generate(def.Prefix), auth, def.DefaultPolicy, now)
	if err := s.encode(ctx, tgt, nil); err != nil {
		return nil, err
	}
	if err := s.add(ctx, tgt); err != nil {
		return nil, err
	}
	s.log.Info("创建 TGT", zap.String("principal", auth.PrincipalID))
	return tgt, nil
}

// DestroyTicketGrantingTicket 注销，级联删除该 TGT 签发的所有票据
func (s *ticketService) DestroyTicketGrantingTicket(ctx context.Context, tgtID string) (bool, error) {
	def, ok := s.catalog.FindByID(tgtID)
	if !ok {
		return false, model.NewInvalidTicketError(tgtID, model.ReasonNotFound)
	}
	if def.Kind != model.KindTicketGrantingTicket {
		return false, model.NewInvalidTicketError(tgtID, model.ReasonWrongType)
	}
	existed, err := s.delete(ctx, tgtID)
	if err != nil {
		return false, err
	}
	if existed {
		s.log.Info("注销 TGT")
	}
	return existed, nil
}

// GrantServiceTicket 由 TGT 签发 ST
func (s *ticketService) GrantServiceTicket(ctx context.Context, tgtID, service string, fromNewLogin bool) (*model.Ticket, error) {
	if service == "" {
		return nil, ErrServiceURLRequired
	}
	def, err := s.definition(model.KindServiceTicket)
	if err != nil {
		return nil, err
	}
	tgt, err := s.get(ctx, tgtID, model.KindTicketGrantingTicket)
	if err != nil {
		return nil, err
	}

	st, err := tgt.GrantServiceTicket(model.GrantRequest{
		IDs:          s.ids,
		Prefix:       def.Prefix,
		Service:      service,
		Policy:       def.DefaultPolicy,
		Now:          s.config.Now(),
		FromNewLogin: fromNewLogin,
	})
	if err != nil {
		return nil, err
	}
	if err := s.issue(ctx, tgt, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ValidateServiceTicket 校验并消费 ST / PT
// 服务地址不匹配或票据已用尽时票据被删除
func (s *ticketService) ValidateServiceTicket(ctx context.Context, ticketID, service string) (*model.Ticket, error) {
	t, err := s.get(ctx, ticketID, "")
	if err != nil {
		if errors.Is(err, model.ErrTicketExpired) {
			s.invalidate(ctx, ticketID)
		}
		return nil, err
	}
	if !t.Kind.IsServiceTicket() {
		return nil, fmt.Errorf("%w: %w", ErrNotAServiceTicket, model.NewInvalidTicketError(ticketID, model.ReasonWrongType))
	}
	if t.Service != service {
		s.invalidate(ctx, ticketID)
		return nil, ErrServiceMismatch
	}

	// 父票据已失效则子票据一并失效
	if _, err := s.get(ctx, t.ParentID, ""); err != nil {
		if errors.Is(err, model.ErrInvalidTicket) {
			s.invalidate(ctx, ticketID)
			return nil, model.NewInvalidTicketError(ticketID, model.ReasonExpired)
		}
		return nil, err
	}

	now := s.config.Now()
	t.Use(now)
	if t.IsExpired(now) {
		// 使用次数已用尽
		s.invalidate(ctx, ticketID)
	} else if err := s.update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *ticketService) invalidate(ctx context.Context, id string) {
	if _, err := s.delete(ctx, id); err != nil {
		s.log.Warn("删除失效票据失败", zap.Error(err))
	}
}

// GrantProxyGrantingTicket 校验 ST / PT 时为代理回调签发 PGT
// ST 签发的 PGT 挂在其 TGT 下，PT 签发的 PGT 挂在其 PGT 下
func (s *ticketService) GrantProxyGrantingTicket(ctx context.Context, ticketID, callbackURL string) (*model.Ticket, error) {
	if callbackURL == "" {
		return nil, ErrServiceURLRequired
	}
	def, err := s.definition(model.KindProxyGrantingTicket)
	if err != nil {
		return nil, err
	}
	t, err := s.get(ctx, ticketID, "")
	if err != nil {
		return nil, err
	}
	parentKind := model.KindTicketGrantingTicket
	switch t.Kind {
	case model.KindServiceTicket:
	case model.KindProxyTicket:
		parentKind = model.KindProxyGrantingTicket
	default:
		return nil, model.NewInvalidTicketError(ticketID, model.ReasonWrongType)
	}
	if t.ProxyGranted {
		return nil, fmt.Errorf("%w: %w", ErrProxyGrantedAlready, model.NewInvalidTicketError(ticketID, model.ReasonExpired))
	}
	parent, err := s.get(ctx, t.ParentID, parentKind)
	if err != nil {
		return nil, err
	}

	// 先记录签发，写入失败则不签发
	t.ProxyGranted = true
	if err := s.update(ctx, t); err != nil {
		return nil, err
	}

	pgt, err := parent.GrantProxyGrantingTicket(model.GrantRequest{
		IDs:            s.ids,
		Prefix:         def.Prefix,
		Service:        callbackURL,
		Policy:         def.DefaultPolicy,
		Now:            s.config.Now(),
		Authentication: t.Authentication,
	})
	if err != nil {
		return nil, err
	}
	if err := s.issue(ctx, parent, pgt); err != nil {
		return nil, err
	}
	return pgt, nil
}

// GrantProxyTicket 由 PGT 签发 PT
func (s *ticketService) GrantProxyTicket(ctx context.Context, pgtID, service string) (*model.Ticket, error) {
	if service == "" {
		return nil, ErrServiceURLRequired
	}
	def, err := s.definition(model.KindProxyTicket)
	if err != nil {
		return nil, err
	}
	pgt, err := s.get(ctx, pgtID, model.KindProxyGrantingTicket)
	if err != nil {
		return nil, err
	}

	pt, err := pgt.GrantProxyTicket(model.GrantRequest{
		IDs:     s.ids,
		Prefix:  def.Prefix,
		Service: service,
		Policy:  def.DefaultPolicy,
		Now:     s.config.Now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.issue(ctx, pgt, pt); err != nil {
		return nil, err
	}
	return pt, nil
}

// CreateTransientSessionTicket 创建临时会话票据，用于跨请求传递流程状态
func (s *ticketService) CreateTransientSessionTicket(ctx context.Context, service string, properties map[string]string) (*model.Ticket, error) {
	def, err := s.definition(model.KindTransientSession)
	if err != nil {
		return nil, err
	}
	tst := model.NewTransientSessionTicket(s.ids.Generate(def.Prefix), service, properties, def.DefaultPolicy, s.config.Now())
	if err := s.encode(ctx, tst, nil); err != nil {
		return nil, err
	}
	if err := s.add(ctx, tst); err != nil {
		return nil, err
	}
	return tst, nil
}

// GetTicket 获取票据，kind 为空时不校验类型
func (s *ticketService) GetTicket(ctx context.Context, ticketID string, kind model.Kind) (*model.Ticket, error) {
	return s.get(ctx, ticketID, kind)
}

// DeleteTicket 删除任意票据
func (s *ticketService) DeleteTicket(ctx context.Context, ticketID string) (bool, error) {
	return s.delete(ctx, ticketID)
}

// SessionsFor 主体当前的登录会话
func (s *ticketService) SessionsFor(ctx context.Context, principalID string) ([]*model.Ticket, error) {
	var out []*model.Ticket
	err := s.do(ctx, "sessions", func(ctx context.Context) error {
		var err error
		out, err = s.registry.SessionsFor(ctx, principalID)
		return err
	})
	return out, err
}

// Stats 会话与服务票据数量
func (s *ticketService) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.do(ctx, "stats", func(ctx context.Context) error {
		var err error
		if stats.Sessions, err = s.registry.SessionCount(ctx); err != nil {
			return err
		}
		stats.ServiceTickets, err = s.registry.ServiceTicketCount(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/cipher"
	"github.com/pu-ac-cn/ticket-registry/internal/codec"
	"github.com/pu-ac-cn/ticket-registry/internal/idgen"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"go.uber.org/zap"
)

// errCorrupt 存储中的数据无法解密或反序列化，读取时视为不存在
var errCorrupt = errors.New("票据数据损坏")

// store 后端存储原语，按目录中的类型定义分区
// load 在票据不存在时返回 nil, nil，不做过期判断
type store interface {
	put(ctx context.Context, def catalog.Definition, t *model.Ticket, now time.Time) error
	load(ctx context.Context, def catalog.Definition, id string) (*model.Ticket, error)
	remove(ctx context.Context, def catalog.Definition, id string) (bool, error)
	loadAll(ctx context.Context, def catalog.Definition) ([]*model.Ticket, error)
	removeAll(ctx context.Context, def catalog.Definition) (int, error)
}

// childFinder 支持按父票据 ID 查询的存储
type childFinder interface {
	childrenOf(ctx context.Context, parentID string) ([]string, error)
}

// principalFinder 支持按主体 ID 查询的存储
type principalFinder interface {
	byPrincipal(ctx context.Context, def catalog.Definition, principalID string) ([]*model.Ticket, error)
}

// expiryFinder 支持按截止时刻筛选过期候选的存储
type expiryFinder interface {
	expiredCandidates(ctx context.Context, def catalog.Definition, now time.Time) ([]*model.Ticket, error)
}

// base 各后端共用的注册表逻辑
type base struct {
	store   store
	catalog *catalog.Catalog
	log     *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

func newBase(s store, cat *catalog.Catalog, opts Options) *base {
	return &base{
		store:   s,
		catalog: cat,
		log:     opts.Logger,
		now:     opts.Now,
		timeout: opts.Timeout,
	}
}

func (b *base) withTimeout(ctx context.Context, def catalog.Definition) (context.Context, context.CancelFunc) {
	timeout := b.timeout
	if def.StorageTimeout > 0 {
		timeout = def.StorageTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// definitionFor 校验票据类型与 ID 前缀
func (b *base) definitionFor(t *model.Ticket) (catalog.Definition, error) {
	if t == nil || t.ID == "" {
		return catalog.Definition{}, fmt.Errorf("%w: 票据或 ID 为空", ErrUnsupportedTicket)
	}
	def, ok := b.catalog.Find(t.Kind)
	if !ok {
		return catalog.Definition{}, fmt.Errorf("%w: %s", ErrUnsupportedTicket, t.Kind)
	}
	if idgen.Prefix(t.ID) != def.Prefix {
		return catalog.Definition{}, fmt.Errorf("%w: ID 前缀与类型 %s 不符", ErrUnsupportedTicket, t.Kind)
	}
	return def, nil
}

// Add 保存新票据
func (b *base) Add(ctx context.Context, t *model.Ticket) error {
	def, err := b.definitionFor(t)
	if err != nil {
		return err
	}
	ctx, cancel := b.withTimeout(ctx, def)
	defer cancel()
	if err := b.store.put(ctx, def, t, b.now()); err != nil {
		return err
	}
	b.log.Debug("票据已保存", zap.String("ticket", mask(t.ID)), zap.String("kind", string(t.Kind)))
	return nil
}

// Update 整体覆盖票据
func (b *base) Update(ctx context.Context, t *model.Ticket) error {
	def, err := b.definitionFor(t)
	if err != nil {
		return err
	}
	ctx, cancel := b.withTimeout(ctx, def)
	defer cancel()
	return b.store.put(ctx, def, t, b.now())
}

// Get 获取票据并重新校验过期策略，过期票据不会在这里删除
func (b *base) Get(ctx context.Context, id string, expectedKind model.Kind) (*model.Ticket, error) {
	if id == "" {
		return nil, notFound(id)
	}
	def, ok := b.catalog.FindByID(id)
	if !ok {
		return nil, notFound(id)
	}
	ctx, cancel := b.withTimeout(ctx, def)
	defer cancel()

	t, err := b.loadOne(ctx, def, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, notFound(id)
	}
	if expectedKind != "" && t.Kind != expectedKind {
		return nil, model.NewInvalidTicketError(id, model.ReasonWrongType)
	}
	if t.IsExpired(b.now()) {
		return nil, model.NewInvalidTicketError(id, model.ReasonExpired)
	}
	return t, nil
}

// loadOne 读取单个票据，损坏的数据视为不存在
func (b *base) loadOne(ctx context.Context, def catalog.Definition, id string) (*model.Ticket, error) {
	t, err := b.store.load(ctx, def, id)
	if errors.Is(err, errCorrupt) {
		b.log.Warn("票据数据无法解码，按不存在处理", zap.String("ticket", mask(id)), zap.Error(err))
		return nil, nil
	}
	return t, err
}

// Delete 删除票据，TGT / PGT 先级联删除其签发的所有票据
func (b *base) Delete(ctx context.Context, id string) (bool, error) {
	def, ok := b.catalog.FindByID(id)
	if !ok {
		return false, nil
	}
	opCtx, cancel := b.withTimeout(ctx, def)
	root, err := b.loadOne(opCtx, def, id)
	cancel()
	if err != nil {
		return false, err
	}

	if root != nil && root.Kind.GrantsTickets() {
		visited := map[string]struct{}{id: {}}
		b.cascade(ctx, root, visited)
	}

	opCtx, cancel = b.withTimeout(ctx, def)
	defer cancel()
	removed, err := b.store.remove(opCtx, def, id)
	if err != nil {
		return false, err
	}
	if removed {
		b.log.Debug("票据已删除", zap.String("ticket", mask(id)))
	}
	return removed, nil
}

// cascade 深度优先删除子票据，任何一步失败都继续处理剩余票据
func (b *base) cascade(ctx context.Context, parent *model.Ticket, visited map[string]struct{}) {
	ids := parent.ChildIDs
	if cf, ok := b.store.(childFinder); ok {
		opCtx, cancel := b.withTimeout(ctx, catalog.Definition{})
		found, err := cf.childrenOf(opCtx, parent.ID)
		cancel()
		if err != nil {
			b.log.Warn("按父票据查询子票据失败", zap.String("ticket", mask(parent.ID)), zap.Error(err))
		}
		ids = append(append([]string(nil), ids...), found...)
	}

	for _, cid := range ids {
		if _, seen := visited[cid]; seen {
			continue
		}
		visited[cid] = struct{}{}

		def, ok := b.catalog.FindByID(cid)
		if !ok {
			b.log.Warn("子票据类型未知，跳过", zap.String("ticket", mask(cid)))
			continue
		}

		opCtx, cancel := b.withTimeout(ctx, def)
		child, err := b.loadOne(opCtx, def, cid)
		cancel()
		if err != nil {
			b.log.Warn("读取子票据失败", zap.String("ticket", mask(cid)), zap.Error(err))
		}
		if child != nil && child.Kind.GrantsTickets() {
			b.cascade(ctx, child, visited)
		}

		opCtx, cancel = b.withTimeout(ctx, def)
		if _, err := b.store.remove(opCtx, def, cid); err != nil {
			b.log.Warn("删除子票据失败", zap.String("ticket", mask(cid)), zap.Error(err))
		}
		cancel()
	}
}

// Tickets 所有未过期票据
func (b *base) Tickets(ctx context.Context) ([]*model.Ticket, error) {
	now := b.now()
	var out []*model.Ticket
	for _, def := range b.catalog.Definitions() {
		all, err := b.loadKind(ctx, def)
		if err != nil {
			return nil, err
		}
		for _, t := range all {
			if !t.IsExpired(now) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (b *base) loadKind(ctx context.Context, def catalog.Definition) ([]*model.Ticket, error) {
	ctx, cancel := b.withTimeout(ctx, def)
	defer cancel()
	return b.store.loadAll(ctx, def)
}

// ServiceTicketCount 未过期的 ST / PT 数量
func (b *base) ServiceTicketCount(ctx context.Context) (int, error) {
	return b.count(ctx, model.Kind.IsServiceTicket)
}

// SessionCount 未过期的 TGT 数量
func (b *base) SessionCount(ctx context.Context) (int, error) {
	return b.count(ctx, func(k model.Kind) bool { return k == model.KindTicketGrantingTicket })
}

func (b *base) count(ctx context.Context, match func(model.Kind) bool) (int, error) {
	now := b.now()
	n := 0
	for _, def := range b.catalog.Definitions() {
		if !match(def.Kind) {
			continue
		}
		all, err := b.loadKind(ctx, def)
		if err != nil {
			return 0, err
		}
		for _, t := range all {
			if !t.IsExpired(now) {
				n++
			}
		}
	}
	return n, nil
}

// SessionsFor 主体的未过期 TGT
func (b *base) SessionsFor(ctx context.Context, principalID string) ([]*model.Ticket, error) {
	def, ok := b.catalog.Find(model.KindTicketGrantingTicket)
	if !ok || principalID == "" {
		return nil, nil
	}

	var candidates []*model.Ticket
	var err error
	if pf, ok := b.store.(principalFinder); ok {
		opCtx, cancel := b.withTimeout(ctx, def)
		candidates, err = pf.byPrincipal(opCtx, def, principalID)
		cancel()
	} else {
		candidates, err = b.loadKind(ctx, def)
	}
	if err != nil {
		return nil, err
	}

	now := b.now()
	var out []*model.Ticket
	for _, t := range candidates {
		if t.PrincipalID() == principalID && !t.IsExpired(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeleteExpired 删除过期票据，过期的 TGT / PGT 会级联删除子票据
func (b *base) DeleteExpired(ctx context.Context) (int, error) {
	now := b.now()
	n := 0
	for _, def := range b.catalog.Definitions() {
		var candidates []*model.Ticket
		var err error
		if ef, ok := b.store.(expiryFinder); ok {
			opCtx, cancel := b.withTimeout(ctx, def)
			candidates, err = ef.expiredCandidates(opCtx, def, now)
			cancel()
		} else {
			candidates, err = b.loadKind(ctx, def)
		}
		if err != nil {
			return n, err
		}

		for _, t := range candidates {
			if !t.IsExpired(now) {
				continue
			}
			removed, err := b.Delete(ctx, t.ID)
			if err != nil {
				return n, err
			}
			if removed {
				n++
			}
		}
	}
	return n, nil
}

// DeleteAll 清空所有票据
func (b *base) DeleteAll(ctx context.Context) (int, error) {
	n := 0
	for _, def := range b.catalog.Definitions() {
		opCtx, cancel := b.withTimeout(ctx, def)
		removed, err := b.store.removeAll(opCtx, def)
		cancel()
		if err != nil {
			return n, err
		}
		n += removed
	}
	return n, nil
}

// sealer 票据序列化 + 加密
type sealer struct {
	cipher cipher.Executor
	codec  codec.Serializer
}

func newSealer(opts Options) sealer {
	return sealer{cipher: opts.Cipher, codec: opts.Codec}
}

func (s sealer) seal(t *model.Ticket) (string, error) {
	data, err := s.codec.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("序列化票据失败: %w", err)
	}
	return s.cipher.Encode(data)
}

func (s sealer) open(value string) (*model.Ticket, error) {
	data, err := s.cipher.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	t, err := s.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return t, nil
}

// ttlFor 从过期策略推导存储层 TTL，0 表示不设置
func ttlFor(t *model.Ticket, now time.Time) time.Duration {
	deadline, bounded := t.ExpiresNoLaterThan(now)
	if !bounded {
		return 0
	}
	ttl := deadline.Sub(now)
	if ttl < time.Millisecond {
		// 已经过期，保留极短时间交由存储淘汰
		ttl = time.Millisecond
	}
	return ttl
}

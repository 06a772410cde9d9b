// Package catalog 票据目录
//
// 目录在进程启动时构建一次，之后只读，不需要加锁。
// 注册表只通过它解析票据类型对应的存储区域和默认过期策略。
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/idgen"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
)

var ErrInvalidCatalog = errors.New("票据目录配置无效")

// Definition 票据类型定义
type Definition struct {
	Kind          model.Kind
	Prefix        string
	StorageName   string
	DefaultPolicy model.ExpirationPolicy
	// StorageTimeout 单次存储操作超时，0 表示使用注册表默认值
	StorageTimeout time.Duration
}

// Catalog 票据目录
type Catalog struct {
	byKind   map[model.Kind]Definition
	byPrefix map[string]Definition
}

// New 创建票据目录，前缀与存储名称必须唯一
func New(defs ...Definition) (*Catalog, error) {
	c := &Catalog{
		byKind:   make(map[model.Kind]Definition, len(defs)),
		byPrefix: make(map[string]Definition, len(defs)),
	}
	storage := make(map[string]model.Kind, len(defs))
	for _, d := range defs {
		if !d.Kind.Valid() {
			return nil, fmt.Errorf("%w: 未知票据类型 %q", ErrInvalidCatalog, d.Kind)
		}
		if d.Prefix == "" || idgen.Prefix(d.Prefix+"-x") != d.Prefix {
			return nil, fmt.Errorf("%w: %s 前缀 %q 非法", ErrInvalidCatalog, d.Kind, d.Prefix)
		}
		if d.StorageName == "" {
			return nil, fmt.Errorf("%w: %s 缺少存储名称", ErrInvalidCatalog, d.Kind)
		}
		if err := d.DefaultPolicy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, d.Kind, err)
		}
		if _, ok := c.byKind[d.Kind]; ok {
			return nil, fmt.Errorf("%w: %s 重复定义", ErrInvalidCatalog, d.Kind)
		}
		if other, ok := c.byPrefix[d.Prefix]; ok {
			return nil, fmt.Errorf("%w: 前缀 %q 同时用于 %s 和 %s", ErrInvalidCatalog, d.Prefix, other.Kind, d.Kind)
		}
		if other, ok := storage[d.StorageName]; ok {
			return nil, fmt.Errorf("%w: 存储名称 %q 同时用于 %s 和 %s", ErrInvalidCatalog, d.StorageName, other, d.Kind)
		}
		c.byKind[d.Kind] = d
		c.byPrefix[d.Prefix] = d
		storage[d.StorageName] = d.Kind
	}
	return c, nil
}

// Default CAS 默认目录
func Default() *Catalog {
	c, err := New(DefaultDefinitions()...)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultDefinitions 默认票据类型定义
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Kind:          model.KindTicketGrantingTicket,
			Prefix:        "TGT",
			StorageName:   "ticket_granting_tickets",
			DefaultPolicy: model.Composite(model.TimeToLive(8*time.Hour), model.TimeToIdle(2*time.Hour)),
		},
		{
			Kind:          model.KindServiceTicket,
			Prefix:        "ST",
			StorageName:   "service_tickets",
			DefaultPolicy: model.MultiTimeUse(1, 10*time.Second),
		},
		{
			Kind:          model.KindProxyGrantingTicket,
			Prefix:        "PGT",
			StorageName:   "proxy_granting_tickets",
			DefaultPolicy: model.Composite(model.TimeToLive(8*time.Hour), model.TimeToIdle(2*time.Hour)),
		},
		{
			Kind:          model.KindProxyTicket,
			Prefix:        "PT",
			StorageName:   "proxy_tickets",
			DefaultPolicy: model.MultiTimeUse(1, 10*time.Second),
		},
		{
			Kind:          model.KindTransientSession,
			Prefix:        "TST",
			StorageName:   "transient_session_tickets",
			DefaultPolicy: model.TimeToLive(5 * time.Minute),
		},
	}
}

// Find 按类型查找定义
func (c *Catalog) Find(kind model.Kind) (Definition, bool) {
	d, ok := c.byKind[kind]
	return d, ok
}

// FindByID 按票据 ID 前缀查找定义
func (c *Catalog) FindByID(id string) (Definition, bool) {
	d, ok := c.byPrefix[idgen.Prefix(id)]
	return d, ok
}

// Definitions 所有定义，按类型名排序
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.byKind))
	for _, d := range c.byKind {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

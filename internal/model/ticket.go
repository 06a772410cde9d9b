// Package model 票据数据模型定义
package model

import (
	"time"
)

// Kind 票据类型
type Kind string

const (
	KindTicketGrantingTicket Kind = "TGT"
	KindServiceTicket        Kind = "ST"
	KindProxyGrantingTicket  Kind = "PGT"
	KindProxyTicket          Kind = "PT"
	KindTransientSession     Kind = "TST"
)

// Kinds 所有票据类型
func Kinds() []Kind {
	return []Kind{
		KindTicketGrantingTicket,
		KindServiceTicket,
		KindProxyGrantingTicket,
		KindProxyTicket,
		KindTransientSession,
	}
}

// Valid 是否为已知票据类型
func (k Kind) Valid() bool {
	switch k {
	case KindTicketGrantingTicket, KindServiceTicket, KindProxyGrantingTicket,
		KindProxyTicket, KindTransientSession:
		return true
	}
	return false
}

// GrantsTickets 是否可以签发子票据（TGT / PGT）
func (k Kind) GrantsTickets() bool {
	return k == KindTicketGrantingTicket || k == KindProxyGrantingTicket
}

// IsServiceTicket 是否为服务票据（ST / PT）
func (k Kind) IsServiceTicket() bool {
	return k == KindServiceTicket || k == KindProxyTicket
}

// Ticket 票据
// 单一结构体 + Kind 区分类型，父子关系只保存 ID，不持有对象引用
type Ticket struct {
	ID             string           `json:"id" cbor:"id"`
	Kind           Kind             `json:"kind" cbor:"kind"`
	CreatedAt      time.Time        `json:"created_at" cbor:"created_at"`
	LastUsedAt     time.Time        `json:"last_used_at" cbor:"last_used_at"`
	PreviousUsedAt time.Time        `json:"previous_used_at,omitempty" cbor:"previous_used_at,omitempty"`
	UsageCount     int              `json:"usage_count" cbor:"usage_count"`
	Expiration     ExpirationPolicy `json:"expiration" cbor:"expiration"`
	Authentication *Authentication  `json:"authentication,omitempty" cbor:"authentication,omitempty"`

	// Service ST/PT 为目标服务，PGT 为接收该票据的代理回调服务
	Service string `json:"service,omitempty" cbor:"service,omitempty"`
	// ParentID 签发该票据的 TGT/PGT ID，仅用于链路查询
	ParentID string `json:"parent_id,omitempty" cbor:"parent_id,omitempty"`
	// ChildIDs 由该票据签发的票据 ID，只追加，级联删除依赖此字段
	ChildIDs []string `json:"child_ids,omitempty" cbor:"child_ids,omitempty"`

	FromNewLogin bool              `json:"from_new_login,omitempty" cbor:"from_new_login,omitempty"`
	Properties   map[string]string `json:"properties,omitempty" cbor:"properties,omitempty"`

	// ProxyGranted ST/PT 已签发过 PGT，每张服务票据最多签发一次
	ProxyGranted bool `json:"proxy_granted,omitempty" cbor:"proxy_granted,omitempty"`
}

// IDGenerator 票据 ID 生成器
type IDGenerator interface {
	Generate(prefix string) string
}

// GrantRequest 签发子票据请求
type GrantRequest struct {
	IDs     IDGenerator
	Prefix  string
	Service string
	Policy  ExpirationPolicy
	Now     time.Time

	// FromNewLogin 仅 ST 使用
	FromNewLogin bool
	// Authentication 仅 PGT 使用，为空时沿用父票据的认证结果
	Authentication *Authentication
}

// NewTicketGrantingTicket 创建 TGT
func NewTicketGrantingTicket(id string, auth *Authentication, policy ExpirationPolicy, now time.Time) *Ticket {
	return newTicket(id, KindTicketGrantingTicket, auth, policy, now)
}

// NewServiceTicket 创建 ST
func NewServiceTicket(id, parentID, service string, auth *Authentication, policy ExpirationPolicy, fromNewLogin bool, now time.Time) *Ticket {
	t := newTicket(id, KindServiceTicket, auth, policy, now)
	t.ParentID = parentID
	t.Service = service
	t.FromNewLogin = fromNewLogin
	return t
}

// NewProxyGrantingTicket 创建 PGT
func NewProxyGrantingTicket(id, parentID, proxiedBy string, auth *Authentication, policy ExpirationPolicy, now time.Time) *Ticket {
	t := newTicket(id, KindProxyGrantingTicket, auth, policy, now)
	t.ParentID = parentID
	t.Service = proxiedBy
	return t
}

// NewProxyTicket 创建 PT
func NewProxyTicket(id, parentID, service string, auth *Authentication, policy ExpirationPolicy, now time.Time) *Ticket {
	t := newTicket(id, KindProxyTicket, auth, policy, now)
	t.ParentID = parentID
	t.Service = service
	return t
}

// NewTransientSessionTicket 创建临时会话票据
func NewTransientSessionTicket(id, service string, properties map[string]string, policy ExpirationPolicy, now time.Time) *Ticket {
	t := newTicket(id, KindTransientSession, nil, policy, now)
	t.Service = service
	if properties != nil {
		t.Properties = make(map[string]string, len(properties))
		for k, v := range properties {
			t.Properties[k] = v
		}
	}
	return t
}

func newTicket(id string, kind Kind, auth *Authentication, policy ExpirationPolicy, now time.Time) *Ticket {
	return &Ticket{
		ID:             id,
		Kind:           kind,
		CreatedAt:      now,
		LastUsedAt:     now,
		Expiration:     policy.clone(),
		Authentication: auth.Clone(),
	}
}

// IsExpired 按票据自带的过期策略判断是否过期
func (t *Ticket) IsExpired(now time.Time) bool {
	return t.Expiration.IsExpired(t, now)
}

// ExpiresNoLaterThan 票据最晚的存活截止时刻
func (t *Ticket) ExpiresNoLaterThan(now time.Time) (time.Time, bool) {
	return t.Expiration.ExpiresNoLaterThan(t, now)
}

// PrincipalID 票据主体 ID
func (t *Ticket) PrincipalID() string {
	if t.Authentication == nil {
		return ""
	}
	return t.Authentication.PrincipalID
}

// Use 记录一次使用
func (t *Ticket) Use(now time.Time) {
	t.PreviousUsedAt = t.LastUsedAt
	t.LastUsedAt = now
	t.UsageCount++
}

// GrantServiceTicket 由 TGT 签发 ST
// 会修改父票据的 ChildIDs / UsageCount，调用方需要通过注册表持久化父票据
func (t *Ticket) GrantServiceTicket(req GrantRequest) (*Ticket, error) {
	if err := t.checkGrant(req, KindTicketGrantingTicket); err != nil {
		return nil, err
	}
	st := NewServiceTicket(req.IDs.Generate(req.Prefix), t.ID, req.Service, t.Authentication, req.Policy, req.FromNewLogin, req.Now)
	t.track(st.ID, req.Now)
	return st, nil
}

// GrantProxyGrantingTicket 由 TGT / PGT 签发 PGT
func (t *Ticket) GrantProxyGrantingTicket(req GrantRequest) (*Ticket, error) {
	if err := t.checkGrant(req, KindTicketGrantingTicket, KindProxyGrantingTicket); err != nil {
		return nil, err
	}
	auth := req.Authentication
	if auth == nil {
		auth = t.Authentication
	}
	pgt := NewProxyGrantingTicket(req.IDs.Generate(req.Prefix), t.ID, req.Service, auth, req.Policy, req.Now)
	t.track(pgt.ID, req.Now)
	return pgt, nil
}

// GrantProxyTicket 由 PGT 签发 PT
func (t *Ticket) GrantProxyTicket(req GrantRequest) (*Ticket, error) {
	if err := t.checkGrant(req, KindProxyGrantingTicket); err != nil {
		return nil, err
	}
	pt := NewProxyTicket(req.IDs.Generate(req.Prefix), t.ID, req.Service, t.Authentication, req.Policy, req.Now)
	t.track(pt.ID, req.Now)
	return pt, nil
}

func (t *Ticket) checkGrant(req GrantRequest, allowed ...Kind) error {
	ok := false
	for _, k := range allowed {
		if t.Kind == k {
			ok = true
			break
		}
	}
	if !ok {
		return NewInvalidTicketError(t.ID, ReasonWrongType)
	}
	if t.IsExpired(req.Now) {
		return NewInvalidTicketError(t.ID, ReasonExpired)
	}
	return nil
}

func (t *Ticket) track(childID string, now time.Time) {
	t.ChildIDs = append(t.ChildIDs, childID)
	t.Use(now)
}

// Clone 深拷贝票据
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.Expiration = t.Expiration.clone()
	c.Authentication = t.Authentication.Clone()
	if t.ChildIDs != nil {
		c.ChildIDs = append([]string(nil), t.ChildIDs...)
	}
	if t.Properties != nil {
		c.Properties = make(map[string]string, len(t.Properties))
		for k, v := range t.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

func (t *Ticket) lastUsed() time.Time {
	if t.LastUsedAt.IsZero() {
		return t.CreatedAt
	}
	return t.LastUsedAt
}

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PolicyKind 过期策略类型
// 策略集合是封闭的，新增类型需要同步修改 IsExpired / ExpiresNoLaterThan / Validate
type PolicyKind string

const (
	PolicyNeverExpires PolicyKind = "never"
	PolicyTimeToLive   PolicyKind = "ttl"
	PolicyTimeToIdle   PolicyKind = "tti"
	PolicyMultiTimeUse PolicyKind = "multi_use"
	PolicyThrottled    PolicyKind = "throttled"
	PolicyComposite    PolicyKind = "composite"
)

var ErrInvalidPolicy = errors.New("过期策略无效")

// ExpirationPolicy 过期策略
// 随票据一起序列化，任意节点无需查询策略注册表即可判断票据是否存活
type ExpirationPolicy struct {
	Kind PolicyKind `json:"kind" cbor:"kind"`
	// TimeToLive 从创建时刻起的最长存活时间（ttl、multi_use）
	TimeToLive time.Duration `json:"ttl,omitempty" cbor:"ttl,omitempty"`
	// TimeToIdle 从最近使用时刻起的最长空闲时间（tti、throttled）
	TimeToIdle time.Duration `json:"tti,omitempty" cbor:"tti,omitempty"`
	// MaxUses 最大使用次数（multi_use）
	MaxUses int `json:"max_uses,omitempty" cbor:"max_uses,omitempty"`
	// MinInterval 两次使用之间的最小间隔（throttled）
	MinInterval time.Duration `json:"min_interval,omitempty" cbor:"min_interval,omitempty"`
	// Policies 组合策略的子策略，任一过期即过期
	Policies []ExpirationPolicy `json:"policies,omitempty" cbor:"policies,omitempty"`
}

// NeverExpires 永不过期
func NeverExpires() ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyNeverExpires}
}

// TimeToLive 固定存活时间
func TimeToLive(ttl time.Duration) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyTimeToLive, TimeToLive: ttl}
}

// TimeToIdle 空闲超时
func TimeToIdle(idle time.Duration) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyTimeToIdle, TimeToIdle: idle}
}

// MultiTimeUse 限定使用次数并带存活时间
func MultiTimeUse(maxUses int, ttl time.Duration) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyMultiTimeUse, MaxUses: maxUses, TimeToLive: ttl}
}

// Throttled 限制使用频率并带空闲超时
func Throttled(minInterval, idle time.Duration) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyThrottled, MinInterval: minInterval, TimeToIdle: idle}
}

// Composite 组合策略
func Composite(policies ...ExpirationPolicy) ExpirationPolicy {
	return ExpirationPolicy{Kind: PolicyComposite, Policies: append([]ExpirationPolicy(nil), policies...)}
}

// IsExpired 判断票据在 now 时刻是否已过期
// 纯函数，无副作用；未知策略类型视为已过期
func (p ExpirationPolicy) IsExpired(t *Ticket, now time.Time) bool {
	switch p.Kind {
	case PolicyNeverExpires:
		return false
	case PolicyTimeToLive:
		return !now.Before(t.CreatedAt.Add(p.TimeToLive))
	case PolicyTimeToIdle:
		return !now.Before(t.lastUsed().Add(p.TimeToIdle))
	case PolicyMultiTimeUse:
		if t.UsageCount >= p.MaxUses {
			return true
		}
		return p.TimeToLive > 0 && !now.Before(t.CreatedAt.Add(p.TimeToLive))
	case PolicyThrottled:
		last := t.lastUsed()
		if p.TimeToIdle > 0 && !now.Before(last.Add(p.TimeToIdle)) {
			return true
		}
		// 使用过于频繁
		return t.UsageCount > 0 && now.Before(last.Add(p.MinInterval))
	case PolicyComposite:
		for _, sub := range p.Policies {
			if sub.IsExpired(t, now) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// ExpiresNoLaterThan 返回票据最晚的存活截止时刻
// bounded 为 false 表示策略没有上界（如永不过期）
func (p ExpirationPolicy) ExpiresNoLaterThan(t *Ticket, now time.Time) (deadline time.Time, bounded bool) {
	switch p.Kind {
	case PolicyNeverExpires:
		return time.Time{}, false
	case PolicyTimeToLive:
		return t.CreatedAt.Add(p.TimeToLive), true
	case PolicyTimeToIdle:
		return t.lastUsed().Add(p.TimeToIdle), true
	case PolicyMultiTimeUse:
		if t.UsageCount >= p.MaxUses {
			return now, true
		}
		if p.TimeToLive > 0 {
			return t.CreatedAt.Add(p.TimeToLive), true
		}
		return time.Time{}, false
	case PolicyThrottled:
		if p.TimeToIdle > 0 {
			return t.lastUsed().Add(p.TimeToIdle), true
		}
		return time.Time{}, false
	case PolicyComposite:
		for _, sub := range p.Policies {
			d, ok := sub.ExpiresNoLaterThan(t, now)
			if !ok {
				continue
			}
			if !bounded || d.Before(deadline) {
				deadline, bounded = d, true
			}
		}
		return deadline, bounded
	default:
		return now, true
	}
}

// Validate 校验策略参数
func (p ExpirationPolicy) Validate() error {
	switch p.Kind {
	case PolicyNeverExpires:
		return nil
	case PolicyTimeToLive:
		if p.TimeToLive <= 0 {
			return fmt.Errorf("%w: ttl 必须大于 0", ErrInvalidPolicy)
		}
	case PolicyTimeToIdle:
		if p.TimeToIdle <= 0 {
			return fmt.Errorf("%w: tti 必须大于 0", ErrInvalidPolicy)
		}
	case PolicyMultiTimeUse:
		if p.MaxUses <= 0 {
			return fmt.Errorf("%w: max_uses 必须大于 0", ErrInvalidPolicy)
		}
		if p.TimeToLive < 0 {
			return fmt.Errorf("%w: ttl 不能为负数", ErrInvalidPolicy)
		}
	case PolicyThrottled:
		if p.MinInterval <= 0 {
			return fmt.Errorf("%w: min_interval 必须大于 0", ErrInvalidPolicy)
		}
		if p.TimeToIdle < 0 {
			return fmt.Errorf("%w: tti 不能为负数", ErrInvalidPolicy)
		}
	case PolicyComposite:
		if len(p.Policies) == 0 {
			return fmt.Errorf("%w: 组合策略至少包含一个子策略", ErrInvalidPolicy)
		}
		for _, sub := range p.Policies {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: 未知类型 %q", ErrInvalidPolicy, p.Kind)
	}
	return nil
}

func (p ExpirationPolicy) String() string {
	switch p.Kind {
	case PolicyTimeToLive:
		return fmt.Sprintf("ttl(%s)", p.TimeToLive)
	case PolicyTimeToIdle:
		return fmt.Sprintf("tti(%s)", p.TimeToIdle)
	case PolicyMultiTimeUse:
		return fmt.Sprintf("multi_use(%d, %s)", p.MaxUses, p.TimeToLive)
	case PolicyThrottled:
		return fmt.Sprintf("throttled(%s, %s)", p.MinInterval, p.TimeToIdle)
	case PolicyComposite:
		parts := make([]string, 0, len(p.Policies))
		for _, sub := range p.Policies {
			parts = append(parts, sub.String())
		}
		return "composite(" + strings.Join(parts, ", ") + ")"
	default:
		return string(p.Kind)
	}
}

func (p ExpirationPolicy) clone() ExpirationPolicy {
	c := p
	if p.Policies != nil {
		c.Policies = make([]ExpirationPolicy, len(p.Policies))
		for i, sub := range p.Policies {
			c.Policies[i] = sub.clone()
		}
	}
	return c
}

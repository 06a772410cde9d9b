package catalog

import (
	"github.com/pu-ac-cn/ticket-registry/internal/config"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
)

// FromConfig 根据配置构建票据目录
func FromConfig(cfg *config.TicketConfig) (*Catalog, error) {
	return New(
		Definition{
			Kind:           model.KindTicketGrantingTicket,
			Prefix:         cfg.TGT.Prefix,
			StorageName:    cfg.TGT.StorageName,
			StorageTimeout: cfg.TGT.StorageTimeout,
			DefaultPolicy:  grantingPolicy(&cfg.TGT),
		},
		Definition{
			Kind:           model.KindServiceTicket,
			Prefix:         cfg.ST.Prefix,
			StorageName:    cfg.ST.StorageName,
			StorageTimeout: cfg.ST.StorageTimeout,
			DefaultPolicy:  servicePolicy(&cfg.ST),
		},
		Definition{
			Kind:           model.KindProxyGrantingTicket,
			Prefix:         cfg.PGT.Prefix,
			StorageName:    cfg.PGT.StorageName,
			StorageTimeout: cfg.PGT.StorageTimeout,
			DefaultPolicy:  grantingPolicy(&cfg.PGT),
		},
		Definition{
			Kind:           model.KindProxyTicket,
			Prefix:         cfg.PT.Prefix,
			StorageName:    cfg.PT.StorageName,
			StorageTimeout: cfg.PT.StorageTimeout,
			DefaultPolicy:  servicePolicy(&cfg.PT),
		},
		Definition{
			Kind:           model.KindTransientSession,
			Prefix:         cfg.TST.Prefix,
			StorageName:    cfg.TST.StorageName,
			StorageTimeout: cfg.TST.StorageTimeout,
			DefaultPolicy:  transientPolicy(&cfg.TST),
		},
	)
}

// grantingPolicy 硬超时 + 空闲超时（或限频），两者都未配置时永不过期
func grantingPolicy(c *config.GrantingTicketConfig) model.ExpirationPolicy {
	var policies []model.ExpirationPolicy
	if c.MaxTimeToLive > 0 {
		policies = append(policies, model.TimeToLive(c.MaxTimeToLive))
	}
	switch {
	case c.ThrottleInterval > 0:
		policies = append(policies, model.Throttled(c.ThrottleInterval, c.TimeToKill))
	case c.TimeToKill > 0:
		policies = append(policies, model.TimeToIdle(c.TimeToKill))
	}
	switch len(policies) {
	case 0:
		return model.NeverExpires()
	case 1:
		return policies[0]
	default:
		return model.Composite(policies...)
	}
}

func servicePolicy(c *config.ServiceTicketConfig) model.ExpirationPolicy {
	uses := c.NumberOfUses
	if uses <= 0 {
		uses = 1
	}
	return model.MultiTimeUse(uses, c.TimeToKill)
}

func transientPolicy(c *config.TransientSessionConfig) model.ExpirationPolicy {
	if c.TimeToKill <= 0 {
		return model.NeverExpires()
	}
	return model.TimeToLive(c.TimeToKill)
}

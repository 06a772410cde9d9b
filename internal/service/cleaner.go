package service

import (
	"context"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/registry"
	"go.uber.org/zap"
)

// CleanerConfig 过期票据清理配置
type CleanerConfig struct {
	StartDelay time.Duration // 首次清理前的等待时间
	Interval   time.Duration // 清理间隔，默认 2 分钟
}

// Cleaner 定期删除过期票据
// 后端自带 TTL 时这里只负责级联删除和兜底
type Cleaner struct {
	registry registry.Registry
	config   *CleanerConfig
	log      *zap.Logger
}

// NewCleaner 创建清理器
func NewCleaner(reg registry.Registry, config *CleanerConfig, log *zap.Logger) *Cleaner {
	if config == nil {
		config = &CleanerConfig{}
	}
	if config.Interval <= 0 {
		config.Interval = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{registry: reg, config: config, log: log.Named("cleaner")}
}

// Clean 执行一次清理
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := c.registry.DeleteExpired(ctx)
	if err != nil {
		c.log.Error("清理过期票据失败", zap.Int("removed", n), zap.Error(err))
		return n, err
	}
	if n > 0 {
		c.log.Info("已清理过期票据", zap.Int("removed", n), zap.Duration("elapsed", time.Since(start)))
	}
	return n, nil
}

// Run 阻塞运行直到 ctx 取消
func (c *Cleaner) Run(ctx context.Context) {
	if c.config.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.StartDelay):
		}
	}

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		c.Clean(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("清理器已停止")
			return
		case <-ticker.C:
		}
	}
}

// Package logger 日志初始化
package logger

import (
	"fmt"

	"github.com/pu-ac-cn/ticket-registry/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 根据配置创建日志实例
// 输出 JSON，时间字段为 time（ISO8601），消息字段为 msg
func New(cfg *config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg != nil && cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.MessageKey = "msg"

	if cfg != nil && cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("日志级别无效: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	return zc.Build()
}

// Must 同 New，失败时 panic
func Must(cfg *config.LogConfig) *zap.Logger {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return l
}

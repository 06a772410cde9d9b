// Package bootstrap 按配置组装票据注册表及其依赖
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/cipher"
	"github.com/pu-ac-cn/ticket-registry/internal/codec"
	"github.com/pu-ac-cn/ticket-registry/internal/config"
	"github.com/pu-ac-cn/ticket-registry/internal/database"
	"github.com/pu-ac-cn/ticket-registry/internal/idgen"
	"github.com/pu-ac-cn/ticket-registry/internal/redis"
	"github.com/pu-ac-cn/ticket-registry/internal/registry"
	"go.uber.org/zap"
)

// 注册表后端
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
	BackendBolt     = "bolt"
	BackendJWT      = "jwt"
)

var ErrUnknownBackend = errors.New("不支持的注册表后端")

// Backend 已组装的注册表
type Backend struct {
	Name     string
	Registry registry.Registry
	Catalog  *catalog.Catalog
	IDs      idgen.Generator
	// Checks 健康检查，按依赖名索引
	Checks map[string]func(ctx context.Context) error

	closers []func() error
}

// Open 按配置创建注册表
// migrate 为 true 时创建数据库表或 bolt bucket
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger, migrate bool) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cat, err := catalog.FromConfig(&cfg.Ticket)
	if err != nil {
		return nil, err
	}
	opts, err := options(cfg, log)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		Name:    cfg.Registry.Backend,
		Catalog: cat,
		IDs: idgen.NewRandomGenerator(&idgen.Config{
			RandomLength: cfg.Ticket.ID.RandomLength,
			Suffix:       cfg.Ticket.ID.Suffix,
		}),
		Checks: map[string]func(ctx context.Context) error{},
	}
	if b.Name == "" {
		b.Name = BackendMemory
	}

	if err := b.open(ctx, cfg, cat, opts, log, migrate); err != nil {
		b.Close()
		return nil, err
	}
	log.Info("票据注册表已就绪", zap.String("backend", b.Name), zap.Int("kinds", len(cat.Definitions())))
	return b, nil
}

func (b *Backend) open(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, opts registry.Options, log *zap.Logger, migrate bool) error {
	switch b.Name {
	case BackendMemory:
		log.Warn("使用进程内注册表：重启后票据丢失，且无法在多个节点间共享")
		b.Registry = registry.NewMemoryRegistry(cat, opts)

	case BackendRedis:
		if err := redis.Init(&cfg.Redis); err != nil {
			return err
		}
		b.closers = append(b.closers, redis.Close)
		client := redis.GetClient()
		b.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		if cipher.IsNoOp(opts.Cipher) {
			log.Warn("Redis 注册表未启用票据加密：票据内容以明文保存在共享缓存中，建议开启 cipher.enabled")
		}
		b.Registry = registry.NewRedisRegistry(client, cat, cfg.Registry.KeyPrefix, opts)

	case BackendDatabase:
		if err := database.Init(&cfg.Database, log); err != nil {
			return err
		}
		b.closers = append(b.closers, database.Close)
		b.Checks["database"] = func(context.Context) error { return database.Ping() }
		db := database.GetDB()
		if migrate || cfg.Database.AutoMigrate {
			if err := registry.MigrateDatabase(ctx, db, cat); err != nil {
				return err
			}
		}
		b.Registry = registry.NewDatabaseRegistry(db, cat, opts)

	case BackendBolt:
		path := cfg.Registry.Bolt.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("创建 bolt 目录失败: %w", err)
			}
		}
		db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: cfg.Registry.Bolt.OpenTimeout})
		if err != nil {
			return fmt.Errorf("打开 bolt 文件失败: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if err := registry.PrepareBolt(db, cat); err != nil {
			return err
		}
		b.Registry = registry.NewBoltRegistry(db, cat, opts)

	case BackendJWT:
		r, err := registry.NewJWTRegistry(cat, registry.JWTConfig{
			Issuer:      cfg.JWT.Issuer,
			SigningKeys: cfg.JWT.SigningKeys,
		}, opts)
		if err != nil {
			return err
		}
		b.Registry = r

	default:
		return fmt.Errorf("%w: %s", ErrUnknownBackend, b.Name)
	}
	return nil
}

func options(cfg *config.Config, log *zap.Logger) (registry.Options, error) {
	exec, err := cipher.New(&cipher.Config{
		Enabled:        cfg.Cipher.Enabled,
		Algorithm:      cipher.Algorithm(cfg.Cipher.Algorithm),
		EncryptionKeys: cfg.Cipher.EncryptionKeys,
		SigningKeys:    cfg.Cipher.SigningKeys,
		Compress:       cfg.Cipher.Compress,
	})
	if err != nil {
		return registry.Options{}, err
	}
	serializer, err := codec.New(cfg.Registry.Serializer)
	if err != nil {
		return registry.Options{}, err
	}
	return registry.Options{
		Logger:  log.Named("registry"),
		Timeout: cfg.Registry.Timeout,
		Cipher:  exec,
		Codec:   serializer,
	}, nil
}

// Close 关闭所有连接，返回遇到的全部错误
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/bootstrap"
	"github.com/pu-ac-cn/ticket-registry/internal/config"
	"github.com/pu-ac-cn/ticket-registry/internal/logger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// 清理票据注册表：
//   - 默认只删除过期票据（与后台清理器相同）
//   - --all 删除全部票据，所有用户需要重新登录，必须同时加 --force
//
// 用法：
//
//	go run ./cmd/purge --all --force
func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	all := pflag.Bool("all", false, "删除全部票据而不只是过期票据")
	force := pflag.Bool("force", false, "确认执行 --all")
	timeout := pflag.Duration("timeout", 5*time.Minute, "整体超时")
	pflag.Parse()

	if *all && !*force {
		fmt.Fprintln(os.Stderr, "为避免误操作，请加上 --force 参数：go run ./cmd/purge --all --force")
		os.Exit(2)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log := logger.Must(&config.LogConfig{Level: cfg.Log.Level, Development: true})
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend, err := bootstrap.Open(ctx, cfg, log, false)
	if err != nil {
		log.Fatal("初始化票据注册表失败", zap.Error(err))
	}
	defer backend.Close()

	var n int
	if *all {
		n, err = backend.Registry.DeleteAll(ctx)
	} else {
		n, err = backend.Registry.DeleteExpired(ctx)
	}
	if err != nil {
		log.Error("清理失败", zap.Int("removed", n), zap.Error(err))
		return
	}
	log.Info("清理完成", zap.Int("removed", n), zap.Bool("all", *all))
}

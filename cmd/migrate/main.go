// Package main 票据存储初始化工具
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pu-ac-cn/ticket-registry/internal/bootstrap"
	"github.com/pu-ac-cn/ticket-registry/internal/config"
	"github.com/pu-ac-cn/ticket-registry/internal/logger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// 为目录中的每种票据创建数据库表（database 后端）或 bucket（bolt 后端），可重复执行。
// 用法：
//
//	go run ./cmd/migrate --config configs/config.yaml
func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	pflag.Parse()

	// 加载配置
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

	switch cfg.Registry.Backend {
	case bootstrap.BackendDatabase, bootstrap.BackendBolt:
	default:
		log.Info("当前后端无需初始化存储", zap.String("backend", cfg.Registry.Backend))
		return
	}

	log.Info("开始初始化票据存储...", zap.String("backend", cfg.Registry.Backend))
	backend, err := bootstrap.Open(context.Background(), cfg, log, true)
	if err != nil {
		log.Fatal("初始化失败", zap.Error(err))
	}
	defer backend.Close()

	for _, def := range backend.Catalog.Definitions() {
		log.Info("已创建/更新", zap.String("kind", string(def.Kind)), zap.String("storage", def.StorageName))
	}
	log.Info("票据存储初始化完成")
}

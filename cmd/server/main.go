package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/ticket-registry/internal/bootstrap"
	"github.com/pu-ac-cn/ticket-registry/internal/config"
	"github.com/pu-ac-cn/ticket-registry/internal/handler"
	"github.com/pu-ac-cn/ticket-registry/internal/logger"
	"github.com/pu-ac-cn/ticket-registry/internal/middleware"
	"github.com/pu-ac-cn/ticket-registry/internal/service"
	"github.com/pu-ac-cn/ticket-registry/pkg/response"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

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

	log, err := logger.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化注册表
	backend, err := bootstrap.Open(ctx, cfg, log, false)
	if err != nil {
		log.Fatal("初始化票据注册表失败", zap.Error(err))
	}
	defer backend.Close()

	// 初始化 Service
	ticketService := service.NewTicketService(backend.Registry, backend.Catalog, backend.IDs, log.Named("ticket"), &service.TicketServiceConfig{
		Timeout:    cfg.Registry.Timeout,
		Retries:    cfg.Registry.Retries,
		RetryDelay: cfg.Registry.RetryDelay,
	})

	// 后台清理过期票据
	if cfg.Registry.Cleaner.Enabled {
		cleaner := service.NewCleaner(backend.Registry, &service.CleanerConfig{
			StartDelay: cfg.Registry.Cleaner.StartDelay,
			Interval:   cfg.Registry.Cleaner.Interval,
		}, log)
		go cleaner.Run(ctx)
	}

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()

	// 全局中间件
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))

	// 健康检查
	checks := make(map[string]handler.HealthCheck, len(backend.Checks))
	for name, check := range backend.Checks {
		checks[name] = check
	}
	router.GET("/health", handler.Health(checks))

	// API 路由组
	api := router.Group("/api/v1")
	{
		api.GET("/ping", func(c *gin.Context) {
			response.Success(c, "pong")
		})

		// 注册表管理接口
		registryHandler := handler.NewRegistryHandler(ticketService, log)
		registryHandler.Register(api.Group("/registry", middleware.AdminAuth(cfg.Server.AdminToken)))
	}

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		log.Info("服务启动", zap.String("addr", cfg.Server.Addr), zap.String("backend", backend.Name))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	<-ctx.Done()
	log.Info("正在关闭服务...")

	// 优雅关闭，等待 5 秒
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭失败", zap.Error(err))
	}
	log.Info("服务已关闭")
}

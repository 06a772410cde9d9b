package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pu-ac-cn/ticket-registry/internal/config"
)

// TestInit 测试 Redis 初始化
func TestInit(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.RedisConfig{Addr: mr.Addr(), PoolSize: 4}

	if err := Init(cfg); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}
	defer Close()

	c := GetClient()
	if c == nil {
		t.Fatal("GetClient() 返回 nil")
	}
	if err := c.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("Set 失败: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Errorf("期望 v, 实际 %s", got)
	}
}

// TestInit_Unreachable 测试连接失败
func TestInit_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	addr := mr.Addr()
	mr.Close()

	if _, err := New(&config.RedisConfig{Addr: addr}); err == nil {
		t.Error("连接已关闭的 Redis 应返回错误")
	}
}

// TestClose 测试重复关闭
func TestClose(t *testing.T) {
	mr := miniredis.RunT(t)
	if err := Init(&config.RedisConfig{Addr: mr.Addr()}); err != nil {
		t.Fatalf("Init 失败: %v", err)
	}
	if err := Close(); err != nil {
		t.Errorf("Close 失败: %v", err)
	}
	if err := Close(); err != nil {
		t.Errorf("重复 Close 应返回 nil, 实际 %v", err)
	}
	if GetClient() != nil {
		t.Error("Close 后 GetClient() 应返回 nil")
	}
}

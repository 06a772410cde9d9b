// Package idgen 票据 ID 生成
package idgen

import (
	"strconv"
	"strings"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// 随机部分只使用字母数字，保证 "-" 只作为分隔符出现
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// DefaultRandomLength 默认随机部分长度
const DefaultRandomLength = 32

// Generator 票据 ID 生成器接口
type Generator interface {
	// Generate 生成形如 <prefix>-<sequence>-<random>[-<suffix>] 的 ID
	Generate(prefix string) string
}

// Config 随机 ID 生成器配置
type Config struct {
	RandomLength int    // 随机部分长度
	Suffix       string // 可选后缀，通常为节点名
}

type randomGenerator struct {
	seq    atomic.Uint64
	length int
	suffix string
}

// NewRandomGenerator 创建随机字符串 ID 生成器
// 序号只在本进程内递增，唯一性依赖随机部分
func NewRandomGenerator(cfg *Config) Generator {
	if cfg == nil {
		cfg = &Config{}
	}
	length := cfg.RandomLength
	if length <= 0 {
		length = DefaultRandomLength
	}
	return &randomGenerator{
		length: length,
		suffix: sanitizeSuffix(cfg.Suffix),
	}
}

func (g *randomGenerator) Generate(prefix string) string {
	n := g.seq.Add(1)
	var b strings.Builder
	b.Grow(len(prefix) + g.length + len(g.suffix) + 24)
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(strconv.FormatUint(n, 10))
	b.WriteByte('-')
	b.WriteString(gonanoid.MustGenerate(alphabet, g.length))
	if g.suffix != "" {
		b.WriteByte('-')
		b.WriteString(g.suffix)
	}
	return b.String()
}

// Prefix 返回 ID 的类型前缀
func Prefix(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return ""
}

func sanitizeSuffix(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		default:
			return -1
		}
	}, s)
}

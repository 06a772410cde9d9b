// Package cipher 票据加密/签名
//
// 票据序列化后在写入 Redis、数据库等外部存储前经过 Executor 编码，
// 读取时先校验签名再解密。任何篡改、密钥错误或不允许的算法都返回
// ErrDecryptionFailed，注册表需要把它当作"票据不存在"处理。
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrDecryptionFailed = errors.New("票据解密失败")
	ErrInvalidConfig    = errors.New("加密配置无效")
)

// Algorithm 加密算法
type Algorithm string

const (
	AlgorithmAES256GCM         Algorithm = "aes-256-gcm"
	AlgorithmXChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

const (
	envelopeVersion = 1
	headerSize      = 3

	flagCompressed = 1 << 0

	minKeyLength = 16
	// 解压后的最大长度，防止解压炸弹
	maxDecodedSize = 4 << 20
)

// 严格模式拒绝末尾填充位非零的输入，保证单字节篡改必然被发现
var b64 = base64.RawURLEncoding.Strict()

var algorithmTags = map[Algorithm]byte{
	AlgorithmAES256GCM:         'A',
	AlgorithmXChaCha20Poly1305: 'X',
}

// Executor 加解密执行器
type Executor interface {
	// Encode 加密并签名
	Encode(data []byte) (string, error)
	// Decode 校验签名并解密
	Decode(value string) ([]byte, error)
}

// Config 加密配置
type Config struct {
	Enabled   bool
	Algorithm Algorithm
	// EncryptionKeys 第一个为当前密钥，其余仅用于解密历史数据
	EncryptionKeys []string
	// SigningKeys 为空时不签名，第一个为当前密钥
	SigningKeys []string
	// Compress 加密前使用 zstd 压缩
	Compress bool
}

type defaultExecutor struct {
	tag      byte
	aeads    []gocipher.AEAD
	signKeys [][]byte
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// New 根据配置创建执行器，未启用时返回 NoOp
func New(cfg *Config) (Executor, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOp(), nil
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = AlgorithmAES256GCM
	}
	tag, ok := algorithmTags[alg]
	if !ok {
		return nil, fmt.Errorf("%w: 不支持的算法 %q", ErrInvalidConfig, alg)
	}
	if len(cfg.EncryptionKeys) == 0 {
		return nil, fmt.Errorf("%w: 缺少加密密钥", ErrInvalidConfig)
	}

	e := &defaultExecutor{tag: tag, compress: cfg.Compress}
	for _, k := range cfg.EncryptionKeys {
		if len(k) < minKeyLength {
			return nil, fmt.Errorf("%w: 加密密钥长度至少为 %d", ErrInvalidConfig, minKeyLength)
		}
		aead, err := newAEAD(alg, deriveKey(k, "ticket-registry/encryption", 32))
		if err != nil {
			return nil, err
		}
		e.aeads = append(e.aeads, aead)
	}
	for _, k := range cfg.SigningKeys {
		if len(k) < minKeyLength {
			return nil, fmt.Errorf("%w: 签名密钥长度至少为 %d", ErrInvalidConfig, minKeyLength)
		}
		e.signKeys = append(e.signKeys, deriveKey(k, "ticket-registry/signing", 64))
	}

	// 解压始终可用，以便读取切换配置前写入的压缩数据
	var err error
	if e.compress {
		if e.encoder, err = zstd.NewWriter(nil); err != nil {
			return nil, fmt.Errorf("初始化压缩器失败: %w", err)
		}
	}
	if e.decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize)); err != nil {
		return nil, fmt.Errorf("初始化解压器失败: %w", err)
	}
	return e, nil
}

func (e *defaultExecutor) Encode(data []byte) (string, error) {
	var flags byte
	if e.compress {
		data = e.encoder.EncodeAll(data, nil)
		flags |= flagCompressed
	}
	header := []byte{envelopeVersion, e.tag, flags}

	aead := e.aeads[0]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("生成随机数失败: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, data, header)

	envelope := append(header, sealed...)
	out := b64.EncodeToString(envelope)
	if len(e.signKeys) > 0 {
		out += "." + b64.EncodeToString(sign(e.signKeys[0], envelope))
	}
	return out, nil
}

func (e *defaultExecutor) Decode(value string) ([]byte, error) {
	payload, sig, signed := strings.Cut(value, ".")
	if signed != (len(e.signKeys) > 0) {
		return nil, ErrDecryptionFailed
	}
	envelope, err := b64.DecodeString(payload)
	if err != nil || len(envelope) < headerSize {
		return nil, ErrDecryptionFailed
	}
	if signed {
		mac, err := b64.DecodeString(sig)
		if err != nil || !e.verify(envelope, mac) {
			return nil, ErrDecryptionFailed
		}
	}

	header, sealed := envelope[:headerSize], envelope[headerSize:]
	if header[0] != envelopeVersion || header[1] != e.tag {
		return nil, ErrDecryptionFailed
	}

	var plain []byte
	opened := false
	for _, aead := range e.aeads {
		if len(sealed) < aead.NonceSize() {
			break
		}
		nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
		if plain, err = aead.Open(nil, nonce, ct, header); err == nil {
			opened = true
			break
		}
	}
	if !opened {
		return nil, ErrDecryptionFailed
	}

	if header[2]&flagCompressed != 0 {
		if plain, err = e.decoder.DecodeAll(plain, nil); err != nil {
			return nil, ErrDecryptionFailed
		}
	}
	return plain, nil
}

func (e *defaultExecutor) verify(envelope, mac []byte) bool {
	for _, k := range e.signKeys {
		if hmac.Equal(sign(k, envelope), mac) {
			return true
		}
	}
	return false
}

func sign(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func deriveKey(secret, info string, size int) []byte {
	key := make([]byte, size)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf 在输出长度合法时不会失败
		panic(err)
	}
	return key
}

func newAEAD(alg Algorithm, key []byte) (gocipher.AEAD, error) {
	switch alg {
	case AlgorithmXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return gocipher.NewGCM(block)
	}
}

type noOpExecutor struct{}

// IsNoOp 执行器为空或不加密时返回 true
func IsNoOp(e Executor) bool {
	if e == nil {
		return true
	}
	_, ok := e.(noOpExecutor)
	return ok
}

// NewNoOp 创建不加密的执行器，仅做 base64 编码，用于可信存储
func NewNoOp() Executor {
	return noOpExecutor{}
}

func (noOpExecutor) Encode(data []byte) (string, error) {
	return b64.EncodeToString(data), nil
}

func (noOpExecutor) Decode(value string) ([]byte, error) {
	data, err := b64.DecodeString(value)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return data, nil
}

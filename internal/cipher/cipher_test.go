package cipher

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEncKey  = "0123456789abcdef-encryption"
	testSignKey = "0123456789abcdef-signing-key"
	base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

func newTestExecutor(t *testing.T, cfg *Config) Executor {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func defaultTestConfig() *Config {
	return &Config{
		Enabled:        true,
		EncryptionKeys: []string{testEncKey},
		SigningKeys:    []string{testSignKey},
		Compress:       true,
	}
}

// tamper 替换 value 中第 i 个字符为另一个合法字符
func tamper(value string, i int) string {
	b := []byte(value)
	c := b[i]
	for j := 0; j < len(base64Chars); j++ {
		if base64Chars[j] != c {
			b[i] = base64Chars[j]
			break
		}
	}
	return string(b)
}

func TestExecutor_RoundTrip(t *testing.T) {
	configs := map[string]*Config{
		"aes-gcm 签名压缩": defaultTestConfig(),
		"xchacha20 无签名": {
			Enabled:        true,
			Algorithm:      AlgorithmXChaCha20Poly1305,
			EncryptionKeys: []string{testEncKey},
		},
		"未启用": {Enabled: false},
	}
	payload := []byte(`{"id":"TGT-1-abc","kind":"TGT","usage_count":0}`)

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			e := newTestExecutor(t, cfg)
			encoded, err := e.Encode(payload)
			require.NoError(t, err)
			if cfg.Enabled {
				assert.NotContains(t, encoded, "TGT-1-abc")
			}
			decoded, err := e.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, payload, decoded)
		})
	}
}

func TestExecutor_EncodeIsRandomized(t *testing.T) {
	e := newTestExecutor(t, defaultTestConfig())
	a, err := e.Encode([]byte("same"))
	require.NoError(t, err)
	b, err := e.Encode([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestExecutor_WrongKey(t *testing.T) {
	e1 := newTestExecutor(t, defaultTestConfig())
	cfg := defaultTestConfig()
	cfg.EncryptionKeys = []string{"another-16-byte-key-material"}
	e2 := newTestExecutor(t, cfg)

	encoded, err := e1.Encode([]byte("secret"))
	require.NoError(t, err)
	_, err = e2.Decode(encoded)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestExecutor_DisallowedAlgorithm(t *testing.T) {
	aes := newTestExecutor(t, &Config{Enabled: true, EncryptionKeys: []string{testEncKey}})
	xchacha := newTestExecutor(t, &Config{Enabled: true, Algorithm: AlgorithmXChaCha20Poly1305, EncryptionKeys: []string{testEncKey}})

	encoded, err := aes.Encode([]byte("secret"))
	require.NoError(t, err)
	_, err = xchacha.Decode(encoded)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestExecutor_SignatureRequired(t *testing.T) {
	unsigned := newTestExecutor(t, &Config{Enabled: true, EncryptionKeys: []string{testEncKey}})
	signed := newTestExecutor(t, &Config{Enabled: true, EncryptionKeys: []string{testEncKey}, SigningKeys: []string{testSignKey}})

	encoded, err := unsigned.Encode([]byte("secret"))
	require.NoError(t, err)
	_, err = signed.Decode(encoded)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestExecutor_KeyRotation(t *testing.T) {
	oldCfg := defaultTestConfig()
	old := newTestExecutor(t, oldCfg)
	encoded, err := old.Encode([]byte("issued before rotation"))
	require.NoError(t, err)

	rotated := newTestExecutor(t, &Config{
		Enabled:        true,
		EncryptionKeys: []string{"new-encryption-key-material", testEncKey},
		SigningKeys:    []string{"new-signing-key-material-0", testSignKey},
		Compress:       true,
	})
	decoded, err := rotated.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "issued before rotation", string(decoded))

	// 新数据只使用当前密钥，旧执行器无法解密
	fresh, err := rotated.Encode([]byte("after rotation"))
	require.NoError(t, err)
	_, err = old.Decode(fresh)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestExecutor_Garbage(t *testing.T) {
	e := newTestExecutor(t, defaultTestConfig())
	for _, v := range []string{"", ".", "not base64!.x", "AAAA.AAAA", strings.Repeat("A", 10)} {
		_, err := e.Decode(v)
		assert.ErrorIs(t, err, ErrDecryptionFailed, v)
	}

	_, err := NewNoOp().Decode("not base64!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&Config{Enabled: true, EncryptionKeys: []string{"short"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&Config{Enabled: true, EncryptionKeys: []string{testEncKey}, SigningKeys: []string{"short"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&Config{Enabled: true, Algorithm: "des", EncryptionKeys: []string{testEncKey}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	e, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, e)
}

// Property: 加解密往返
// *For any* 载荷，Decode(Encode(p)) == p
func TestProperty_RoundTrip(t *testing.T) {
	e := newTestExecutor(t, defaultTestConfig())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("加解密往返还原原始字节", prop.ForAll(
		func(s string) bool {
			encoded, err := e.Encode([]byte(s))
			if err != nil {
				return false
			}
			decoded, err := e.Decode(encoded)
			return err == nil && string(decoded) == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// Property: 篡改检测
// *For any* 载荷和位置，篡改编码结果中的任意一个字符都会导致解密失败
func TestProperty_TamperDetected(t *testing.T) {
	e := newTestExecutor(t, defaultTestConfig())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("单字节篡改导致解密失败", prop.ForAll(
		func(s string, pos int) bool {
			encoded, err := e.Encode([]byte(s))
			if err != nil {
				return false
			}
			_, err = e.Decode(tamper(encoded, pos%len(encoded)))
			return err == ErrDecryptionFailed
		},
		gen.AlphaString(),
		gen.IntRange(0, 1<<16),
	))

	properties.TestingRun(t)
}

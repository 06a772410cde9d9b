package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/cipher"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"go.uber.org/zap"
)

const minJWTKeyLength = 32

// ErrInvalidJWTConfig JWT 注册表配置无效
var ErrInvalidJWTConfig = errors.New("JWT 注册表配置无效")

// JWTConfig JWT 注册表配置
type JWTConfig struct {
	Issuer string
	// SigningKeys 第一个用于签名，全部用于验证
	SigningKeys []string
}

// ticketClaims 票据 JWT 声明，content 为加密后的票据
type ticketClaims struct {
	jwt.RegisteredClaims
	Content string `json:"content"`
}

// JWTRegistry 自包含票据注册表
//
// 票据 ID 为 <prefix>-<JWT>，服务端不保存任何状态。因此：
//   - Add / Update 不做任何事，使用次数、PGT 签发记录等变化无法持久化，ST 无法做到单次使用
//   - Delete 无法吊销票据，只能等待 exp 到期
//   - Tickets 及各类统计始终为空
type JWTRegistry struct {
	catalog *catalog.Catalog
	issuer  string
	keys    [][]byte
	sealer  sealer
	log     *zap.Logger
	now     func() time.Time
}

// NewJWTRegistry 创建 JWT 注册表
func NewJWTRegistry(cat *catalog.Catalog, cfg JWTConfig, opts Options) (*JWTRegistry, error) {
	opts = opts.withDefaults()
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("%w: 缺少签发者", ErrInvalidJWTConfig)
	}
	if len(cfg.SigningKeys) == 0 {
		return nil, fmt.Errorf("%w: 缺少签名密钥", ErrInvalidJWTConfig)
	}
	// 票据内容随 ID 交给客户端，必须加密
	if cipher.IsNoOp(opts.Cipher) {
		return nil, fmt.Errorf("%w: 必须启用票据加密 (cipher.enabled)", ErrInvalidJWTConfig)
	}
	r := &JWTRegistry{
		catalog: cat,
		issuer:  cfg.Issuer,
		sealer:  newSealer(opts),
		log:     opts.Logger,
		now:     opts.Now,
	}
	for _, k := range cfg.SigningKeys {
		if len(k) < minJWTKeyLength {
			return nil, fmt.Errorf("%w: 签名密钥长度至少为 %d", ErrInvalidJWTConfig, minJWTKeyLength)
		}
		r.keys = append(r.keys, []byte(k))
	}
	r.log.Warn("使用 JWT 票据注册表：票据无法在服务端吊销，注销只能等待票据到期")
	return r, nil
}

// Encode 将票据编码为自包含 ID
func (r *JWTRegistry) Encode(ctx context.Context, t *model.Ticket) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: 票据为空", ErrUnsupportedTicket)
	}
	def, ok := r.catalog.Find(t.Kind)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTicket, t.Kind)
	}
	content, err := r.sealer.seal(t)
	if err != nil {
		return "", err
	}

	audience := t.Service
	if audience == "" {
		audience = r.issuer
	}
	claims := ticketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   r.issuer,
			Subject:  t.PrincipalID(),
			Audience: jwt.ClaimStrings{audience},
			ID:       t.ID,
			IssuedAt: jwt.NewNumericDate(t.CreatedAt),
		},
		Content: content,
	}
	if deadline, bounded := t.ExpiresNoLaterThan(r.now()); bounded {
		claims.ExpiresAt = jwt.NewNumericDate(deadline)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(r.keys[0])
	if err != nil {
		return "", fmt.Errorf("签名票据失败: %w", err)
	}
	return def.Prefix + "-" + signed, nil
}

// Add 票据内容已在 ID 中，无需保存
func (r *JWTRegistry) Add(ctx context.Context, t *model.Ticket) error {
	return contextErr(ctx, "add")
}

// Update 无法修改已签发的票据
func (r *JWTRegistry) Update(ctx context.Context, t *model.Ticket) error {
	return contextErr(ctx, "update")
}

// Get 校验签名、签发者和有效期并解出票据
func (r *JWTRegistry) Get(ctx context.Context, id string, expectedKind model.Kind) (*model.Ticket, error) {
	if err := contextErr(ctx, "get"); err != nil {
		return nil, err
	}
	def, ok := r.catalog.FindByID(id)
	if !ok {
		return nil, notFound(id)
	}
	raw := strings.TrimPrefix(id, def.Prefix+"-")

	claims, err := r.parse(raw)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, model.NewInvalidTicketError(id, model.ReasonExpired)
		}
		r.log.Debug("JWT 票据校验失败", zap.String("ticket", mask(id)), zap.Error(err))
		return nil, notFound(id)
	}

	t, err := r.sealer.open(claims.Content)
	if err != nil || t.Kind != def.Kind || t.ID != claims.ID {
		r.log.Warn("JWT 票据内容无法解码", zap.String("ticket", mask(id)), zap.Error(err))
		return nil, notFound(id)
	}
	t.ID = id

	if expectedKind != "" && t.Kind != expectedKind {
		return nil, model.NewInvalidTicketError(id, model.ReasonWrongType)
	}
	if t.IsExpired(r.now()) {
		return nil, model.NewInvalidTicketError(id, model.ReasonExpired)
	}
	return t, nil
}

// parse 依次尝试每个密钥，只有签名不匹配时才换下一个
func (r *JWTRegistry) parse(raw string) (*ticketClaims, error) {
	var err error
	for _, key := range r.keys {
		claims := &ticketClaims{}
		_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
			jwt.WithIssuer(r.issuer),
			jwt.WithTimeFunc(r.now),
		)
		if err == nil {
			return claims, nil
		}
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, err
		}
	}
	return nil, err
}

// Delete 无法吊销，始终返回 false
func (r *JWTRegistry) Delete(ctx context.Context, id string) (bool, error) {
	r.log.Warn("JWT 票据无法在服务端删除，将在到期后失效", zap.String("ticket", mask(id)))
	return false, contextErr(ctx, "delete")
}

// Tickets 无法枚举
func (r *JWTRegistry) Tickets(ctx context.Context) ([]*model.Ticket, error) {
	return nil, contextErr(ctx, "tickets")
}

// ServiceTicketCount 无法统计，始终为 0
func (r *JWTRegistry) ServiceTicketCount(ctx context.Context) (int, error) {
	return 0, contextErr(ctx, "count")
}

// SessionCount 无法统计，始终为 0
func (r *JWTRegistry) SessionCount(ctx context.Context) (int, error) {
	return 0, contextErr(ctx, "count")
}

// SessionsFor 无法按主体查询
func (r *JWTRegistry) SessionsFor(ctx context.Context, principalID string) ([]*model.Ticket, error) {
	return nil, contextErr(ctx, "sessions")
}

// DeleteExpired 过期票据自然失效，无需清理
func (r *JWTRegistry) DeleteExpired(ctx context.Context) (int, error) {
	return 0, contextErr(ctx, "delete_expired")
}

// DeleteAll 无可清理的数据
func (r *JWTRegistry) DeleteAll(ctx context.Context) (int, error) {
	return 0, contextErr(ctx, "delete_all")
}

var (
	_ Registry      = (*JWTRegistry)(nil)
	_ SelfContained = (*JWTRegistry)(nil)
	_ Registry      = (*MemoryRegistry)(nil)
	_ Registry      = (*RedisRegistry)(nil)
	_ Registry      = (*DatabaseRegistry)(nil)
	_ Registry      = (*BoltRegistry)(nil)
)

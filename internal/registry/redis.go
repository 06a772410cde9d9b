package registry

import (
	"context"
	"errors"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanBatch = 200

// RedisRegistry 分布式缓存注册表
//
// 键为 <prefix>:<storageName>:<id>，值为加密后的票据，TTL 取过期策略的最晚截止时刻。
// 节点之间的可见性依赖 Redis 自身的复制，读取时仍以票据自带的过期策略为准。
type RedisRegistry struct {
	*base
	client redis.UniversalClient
	prefix string
	sealer sealer
}

// NewRedisRegistry 创建 Redis 注册表
func NewRedisRegistry(client redis.UniversalClient, cat *catalog.Catalog, keyPrefix string, opts Options) *RedisRegistry {
	opts = opts.withDefaults()
	if keyPrefix == "" {
		keyPrefix = "cas"
	}
	r := &RedisRegistry{
		client: client,
		prefix: keyPrefix,
		sealer: newSealer(opts),
	}
	r.base = newBase(r, cat, opts)
	return r
}

// indexScript 将 TGT 加入主体索引，索引过期时间只延长不缩短
// ARGV[2] 为 0 表示存在永不过期的会话，索引随之永久保留
var indexScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
redis.call('SADD', KEYS[1], ARGV[1])
local ms = tonumber(ARGV[2])
if ms <= 0 then
	redis.call('PERSIST', KEYS[1])
elseif existed == 0 then
	redis.call('PEXPIRE', KEYS[1], ms)
else
	local current = redis.call('PTTL', KEYS[1])
	if current >= 0 and current < ms then
		redis.call('PEXPIRE', KEYS[1], ms)
	end
end
return 1
`)

func (r *RedisRegistry) key(def catalog.Definition, id string) string {
	return r.prefix + ":" + def.StorageName + ":" + id
}

// principalKey 主体的 TGT 集合索引
func (r *RedisRegistry) principalKey(principalID string) string {
	return r.prefix + ":principal:" + principalID
}

func (r *RedisRegistry) put(ctx context.Context, def catalog.Definition, t *model.Ticket, now time.Time) error {
	value, err := r.sealer.seal(t)
	if err != nil {
		return err
	}
	ttl := ttlFor(t, now)
	if err := r.client.Set(ctx, r.key(def, t.ID), value, ttl).Err(); err != nil {
		return unavailable("SET", err)
	}

	if t.Kind == model.KindTicketGrantingTicket && t.PrincipalID() != "" {
		// 索引比票据多保留一段时间，过期成员在读取时清理
		var indexTTL int64
		if ttl > 0 {
			indexTTL = (ttl + time.Hour).Milliseconds()
		}
		if err := indexScript.Run(ctx, r.client, []string{r.principalKey(t.PrincipalID())}, t.ID, indexTTL).Err(); err != nil {
			return unavailable("SADD", err)
		}
	}
	return nil
}

func (r *RedisRegistry) load(ctx context.Context, def catalog.Definition, id string) (*model.Ticket, error) {
	value, err := r.client.Get(ctx, r.key(def, id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("GET", err)
	}
	t, err := r.sealer.open(value)
	if err != nil {
		return nil, err
	}
	if t.Kind != def.Kind || t.ID != id {
		return nil, errCorrupt
	}
	return t, nil
}

func (r *RedisRegistry) remove(ctx context.Context, def catalog.Definition, id string) (bool, error) {
	if def.Kind == model.KindTicketGrantingTicket {
		// 先读取主体以便清理索引，读取失败不影响删除
		if t, err := r.load(ctx, def, id); err == nil && t != nil && t.PrincipalID() != "" {
			r.client.SRem(ctx, r.principalKey(t.PrincipalID()), id)
		}
	}
	n, err := r.client.Del(ctx, r.key(def, id)).Result()
	if err != nil {
		return false, unavailable("DEL", err)
	}
	return n > 0, nil
}

// scanKeys 遍历某一类型的所有键
func (r *RedisRegistry) scanKeys(ctx context.Context, def catalog.Definition) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(def, "*"), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("SCAN", err)
	}
	return keys, nil
}

func (r *RedisRegistry) loadAll(ctx context.Context, def catalog.Definition) ([]*model.Ticket, error) {
	keys, err := r.scanKeys(ctx, def)
	if err != nil {
		return nil, err
	}
	return r.loadKeys(ctx, def, keys)
}

// loadKeys 分批 MGET，已被淘汰或无法解码的键跳过
func (r *RedisRegistry) loadKeys(ctx context.Context, def catalog.Definition, keys []string) ([]*model.Ticket, error) {
	var out []*model.Ticket
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		values, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, unavailable("MGET", err)
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			t, err := r.sealer.open(s)
			if err != nil || t.Kind != def.Kind {
				r.log.Warn("跳过无法解码的票据", zap.String("key", mask(keys[start+i])), zap.Error(err))
				continue
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *RedisRegistry) removeAll(ctx context.Context, def catalog.Definition) (int, error) {
	keys, err := r.scanKeys(ctx, def)
	if err != nil {
		return 0, err
	}
	total := 0
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		n, err := r.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return total, unavailable("DEL", err)
		}
		total += int(n)
	}

	if def.Kind == model.KindTicketGrantingTicket {
		iter := r.client.Scan(ctx, 0, r.principalKey("*"), scanBatch).Iterator()
		for iter.Next(ctx) {
			r.client.Del(ctx, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return total, unavailable("SCAN", err)
		}
	}
	return total, nil
}

func (r *RedisRegistry) byPrincipal(ctx context.Context, def catalog.Definition, principalID string) ([]*model.Ticket, error) {
	pk := r.principalKey(principalID)
	ids, err := r.client.SMembers(ctx, pk).Result()
	if err != nil {
		return nil, unavailable("SMEMBERS", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(def, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("MGET", err)
	}

	var out []*model.Ticket
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		t, err := r.sealer.open(s)
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, t)
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, pk, stale...)
	}
	return out, nil
}

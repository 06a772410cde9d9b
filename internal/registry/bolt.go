package registry

import (
	"context"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"go.uber.org/zap"
)

// BoltRegistry 单节点嵌入式注册表，每种票据一个 bucket
// bolt 没有原生 TTL，过期票据依赖 Cleaner 清理
type BoltRegistry struct {
	*base
	db     *bolt.DB
	sealer sealer
}

// NewBoltRegistry 创建 bolt 注册表，bucket 由 PrepareBolt 创建
func NewBoltRegistry(db *bolt.DB, cat *catalog.Catalog, opts Options) *BoltRegistry {
	opts = opts.withDefaults()
	r := &BoltRegistry{db: db, sealer: newSealer(opts)}
	r.base = newBase(r, cat, opts)
	return r
}

func (r *BoltRegistry) put(ctx context.Context, def catalog.Definition, t *model.Ticket, _ time.Time) error {
	if err := contextErr(ctx, "put"); err != nil {
		return err
	}
	value, err := r.sealer.seal(t)
	if err != nil {
		return err
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(def.StorageName))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(t.ID), []byte(value))
	})
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (r *BoltRegistry) load(ctx context.Context, def catalog.Definition, id string) (*model.Ticket, error) {
	if err := contextErr(ctx, "load"); err != nil {
		return nil, err
	}
	var value string
	err := r.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(def.StorageName))
		if bkt == nil {
			return nil
		}
		// 事务结束后 bolt 返回的切片失效，需要复制
		if v := bkt.Get([]byte(id)); v != nil {
			value = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("get", err)
	}
	if value == "" {
		return nil, nil
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

func (r *BoltRegistry) remove(ctx context.Context, def catalog.Definition, id string) (bool, error) {
	if err := contextErr(ctx, "remove"); err != nil {
		return false, err
	}
	existed := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(def.StorageName))
		if bkt == nil {
			return nil
		}
		key := []byte(id)
		if bkt.Get(key) == nil {
			return nil
		}
		existed = true
		return bkt.Delete(key)
	})
	if err != nil {
		return false, unavailable("delete", err)
	}
	return existed, nil
}

func (r *BoltRegistry) loadAll(ctx context.Context, def catalog.Definition) ([]*model.Ticket, error) {
	if err := contextErr(ctx, "loadAll"); err != nil {
		return nil, err
	}
	var values []string
	err := r.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(def.StorageName))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, v []byte) error {
			values = append(values, string(v))
			return nil
		})
	})
	if err != nil {
		return nil, unavailable("scan", err)
	}

	out := make([]*model.Ticket, 0, len(values))
	for _, v := range values {
		t, err := r.sealer.open(v)
		if err != nil || t.Kind != def.Kind {
			r.log.Warn("跳过无法解码的票据", zap.String("bucket", def.StorageName), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *BoltRegistry) removeAll(ctx context.Context, def catalog.Definition) (int, error) {
	if err := contextErr(ctx, "removeAll"); err != nil {
		return 0, err
	}
	n := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		name := []byte(def.StorageName)
		bkt := tx.Bucket(name)
		if bkt == nil {
			return nil
		}
		if err := bkt.ForEach(func(_, _ []byte) error {
			n++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		_, err := tx.CreateBucket(name)
		return err
	})
	if err != nil {
		return 0, unavailable("clear", err)
	}
	return n, nil
}

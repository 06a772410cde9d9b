package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
)

// MemoryRegistry 进程内注册表
// 保存票据的深拷贝，调用方修改返回值不会影响已保存的数据；重启后数据丢失
type MemoryRegistry struct {
	*base
	mu      sync.RWMutex
	tickets map[string]*model.Ticket
}

// NewMemoryRegistry 创建进程内注册表
func NewMemoryRegistry(cat *catalog.Catalog, opts Options) *MemoryRegistry {
	opts = opts.withDefaults()
	r := &MemoryRegistry{tickets: make(map[string]*model.Ticket)}
	r.base = newBase(r, cat, opts)
	return r
}

func (r *MemoryRegistry) put(ctx context.Context, _ catalog.Definition, t *model.Ticket, _ time.Time) error {
	if err := contextErr(ctx, "put"); err != nil {
		return err
	}
	r.mu.Lock()
	r.tickets[t.ID] = t.Clone()
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) load(ctx context.Context, def catalog.Definition, id string) (*model.Ticket, error) {
	if err := contextErr(ctx, "load"); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickets[id]
	if !ok || t.Kind != def.Kind {
		return nil, nil
	}
	return t.Clone(), nil
}

func (r *MemoryRegistry) remove(ctx context.Context, def catalog.Definition, id string) (bool, error) {
	if err := contextErr(ctx, "remove"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok || t.Kind != def.Kind {
		return false, nil
	}
	delete(r.tickets, id)
	return true, nil
}

func (r *MemoryRegistry) loadAll(ctx context.Context, def catalog.Definition) ([]*model.Ticket, error) {
	if err := contextErr(ctx, "loadAll"); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Ticket
	for _, t := range r.tickets {
		if t.Kind == def.Kind {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRegistry) removeAll(ctx context.Context, def catalog.Definition) (int, error) {
	if err := contextErr(ctx, "removeAll"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tickets {
		if t.Kind == def.Kind {
			delete(r.tickets, id)
			n++
		}
	}
	return n, nil
}

// Len 当前保存的票据数量，包含已过期但未清理的票据
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tickets)
}

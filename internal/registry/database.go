package registry

import (
	"context"
	"errors"
	"time"

	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ticketRecord 票据表结构，每种票据一张表，表名取目录中的存储名称
type ticketRecord struct {
	ID          string     `gorm:"size:255;primaryKey"`
	Kind        string     `gorm:"size:16;not null"`
	ParentID    string     `gorm:"size:255;index"`
	PrincipalID string     `gorm:"size:255;index"`
	ExpireAt    *time.Time `gorm:"index"` // 为空表示没有上界
	Body        string     `gorm:"type:text;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DatabaseRegistry 关系数据库注册表
// 按 parent_id 精确级联删除，按 principal_id 查询会话
type DatabaseRegistry struct {
	*base
	db     *gorm.DB
	sealer sealer
}

// NewDatabaseRegistry 创建数据库注册表，表结构由 MigrateDatabase 创建
func NewDatabaseRegistry(db *gorm.DB, cat *catalog.Catalog, opts Options) *DatabaseRegistry {
	opts = opts.withDefaults()
	r := &DatabaseRegistry{db: db, sealer: newSealer(opts)}
	r.base = newBase(r, cat, opts)
	return r
}

func (r *DatabaseRegistry) table(ctx context.Context, def catalog.Definition) *gorm.DB {
	return r.db.WithContext(ctx).Table(def.StorageName)
}

func (r *DatabaseRegistry) put(ctx context.Context, def catalog.Definition, t *model.Ticket, now time.Time) error {
	body, err := r.sealer.seal(t)
	if err != nil {
		return err
	}
	rec := ticketRecord{
		ID:          t.ID,
		Kind:        string(t.Kind),
		ParentID:    t.ParentID,
		PrincipalID: t.PrincipalID(),
		Body:        body,
	}
	if deadline, ok := t.ExpiresNoLaterThan(now); ok {
		deadline = deadline.UTC()
		rec.ExpireAt = &deadline
	}

	// 整行覆盖
	err = r.table(ctx, def).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"parent_id", "principal_id", "expire_at", "body", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return unavailable("upsert", err)
	}
	return nil
}

func (r *DatabaseRegistry) load(ctx context.Context, def catalog.Definition, id string) (*model.Ticket, error) {
	var rec ticketRecord
	err := r.table(ctx, def).Where("id = ?", id).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable("select", err)
	}
	return r.decode(def, &rec)
}

func (r *DatabaseRegistry) decode(def catalog.Definition, rec *ticketRecord) (*model.Ticket, error) {
	t, err := r.sealer.open(rec.Body)
	if err != nil {
		return nil, err
	}
	if t.Kind != def.Kind || t.ID != rec.ID {
		return nil, errCorrupt
	}
	return t, nil
}

func (r *DatabaseRegistry) decodeAll(def catalog.Definition, recs []ticketRecord) []*model.Ticket {
	out := make([]*model.Ticket, 0, len(recs))
	for i := range recs {
		t, err := r.decode(def, &recs[i])
		if err != nil {
			r.log.Warn("跳过无法解码的票据", zap.String("ticket", mask(recs[i].ID)), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out
}

func (r *DatabaseRegistry) remove(ctx context.Context, def catalog.Definition, id string) (bool, error) {
	res := r.table(ctx, def).Where("id = ?", id).Delete(&ticketRecord{})
	if res.Error != nil {
		return false, unavailable("delete", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *DatabaseRegistry) loadAll(ctx context.Context, def catalog.Definition) ([]*model.Ticket, error) {
	var recs []ticketRecord
	if err := r.table(ctx, def).Find(&recs).Error; err != nil {
		return nil, unavailable("select", err)
	}
	return r.decodeAll(def, recs), nil
}

func (r *DatabaseRegistry) removeAll(ctx context.Context, def catalog.Definition) (int, error) {
	res := r.table(ctx, def).Where("1 = 1").Delete(&ticketRecord{})
	if res.Error != nil {
		return 0, unavailable("delete", res.Error)
	}
	return int(res.RowsAffected), nil
}

// childrenOf 在所有可签发对象的表中按 parent_id 查询
func (r *DatabaseRegistry) childrenOf(ctx context.Context, parentID string) ([]string, error) {
	var all []string
	var errs []error
	for _, def := range r.catalog.Definitions() {
		if def.Kind == model.KindTicketGrantingTicket || def.Kind == model.KindTransientSession {
			continue
		}
		var ids []string
		if err := r.table(ctx, def).Where("parent_id = ?", parentID).Pluck("id", &ids).Error; err != nil {
			errs = append(errs, unavailable("select", err))
			continue
		}
		all = append(all, ids...)
	}
	return all, errors.Join(errs...)
}

func (r *DatabaseRegistry) byPrincipal(ctx context.Context, def catalog.Definition, principalID string) ([]*model.Ticket, error) {
	var recs []ticketRecord
	if err := r.table(ctx, def).Where("principal_id = ?", principalID).Find(&recs).Error; err != nil {
		return nil, unavailable("select", err)
	}
	return r.decodeAll(def, recs), nil
}

// expiredCandidates 截止时刻已过的票据；截止时刻是上界，更早过期的票据由后续轮次清理
func (r *DatabaseRegistry) expiredCandidates(ctx context.Context, def catalog.Definition, now time.Time) ([]*model.Ticket, error) {
	var recs []ticketRecord
	err := r.table(ctx, def).Where("expire_at IS NOT NULL AND expire_at <= ?", now.UTC()).Find(&recs).Error
	if err != nil {
		return nil, unavailable("select", err)
	}
	return r.decodeAll(def, recs), nil
}

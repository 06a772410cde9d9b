package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"github.com/pu-ac-cn/ticket-registry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T, cat *catalog.Catalog) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tickets.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite 只允许一个写者
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, MigrateDatabase(context.Background(), db, cat))
	return db
}

func TestDatabaseRegistry(t *testing.T) {
	testRegistry(t, func(t *testing.T, clock *fakeClock) Registry {
		cat := catalog.Default()
		return NewDatabaseRegistry(newTestDB(t, cat), cat, Options{Now: clock.Now})
	})
}

func TestMigrateDatabase_Idempotent(t *testing.T) {
	cat := catalog.Default()
	db := newTestDB(t, cat)
	require.NoError(t, MigrateDatabase(context.Background(), db, cat))

	for _, def := range cat.Definitions() {
		assert.True(t, db.Migrator().HasTable(def.StorageName), def.StorageName)
	}
}

// 父票据未记录子票据 ID 时，依靠 parent_id 列完成级联
func TestDatabaseRegistry_CascadeByParentColumn(t *testing.T) {
	ctx := context.Background()
	cat := catalog.Default()
	r := NewDatabaseRegistry(newTestDB(t, cat), cat, Options{Now: func() time.Time { return epoch }})

	tgt := model.NewTicketGrantingTicket("TGT-1-test", casuser(), model.NeverExpires(), epoch)
	require.NoError(t, r.Add(ctx, tgt))
	st := model.NewServiceTicket("ST-1-test", tgt.ID, "https://example.org", casuser(), model.TimeToLive(time.Minute), false, epoch)
	require.NoError(t, r.Add(ctx, st))
	pgt := model.NewProxyGrantingTicket("PGT-1-test", tgt.ID, "https://proxy.example.org/cb", casuser(), model.NeverExpires(), epoch)
	require.NoError(t, r.Add(ctx, pgt))
	pt := model.NewProxyTicket("PT-1-test", pgt.ID, "https://backend.example.org", casuser(), model.TimeToLive(time.Minute), epoch)
	require.NoError(t, r.Add(ctx, pt))

	existed, err := r.Delete(ctx, tgt.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	for _, id := range []string{st.ID, pgt.ID, pt.ID} {
		_, err := r.Get(ctx, id, "")
		assert.ErrorIs(t, err, model.ErrTicketNotFound, id)
	}
}

func TestDatabaseRegistry_ExpireColumn(t *testing.T) {
	ctx := context.Background()
	cat := catalog.Default()
	db := newTestDB(t, cat)
	r := NewDatabaseRegistry(db, cat, Options{Now: func() time.Time { return epoch }})

	require.NoError(t, r.Add(ctx, model.NewTicketGrantingTicket("TGT-1-test", casuser(), model.TimeToLive(time.Hour), epoch)))
	require.NoError(t, r.Add(ctx, model.NewTicketGrantingTicket("TGT-2-test", casuser(), model.NeverExpires(), epoch)))

	var recs []ticketRecord
	require.NoError(t, db.Table("ticket_granting_tickets").Order("id").Find(&recs).Error)
	require.Len(t, recs, 2)
	require.NotNil(t, recs[0].ExpireAt)
	assert.True(t, recs[0].ExpireAt.Equal(epoch.Add(time.Hour)))
	assert.Nil(t, recs[1].ExpireAt)
	assert.Equal(t, "casuser", recs[0].PrincipalID)

	// 再次保存覆盖整行
	again := model.NewTicketGrantingTicket("TGT-1-test", casuser(), model.TimeToLive(2*time.Hour), epoch)
	require.NoError(t, r.Update(ctx, again))
	var rec ticketRecord
	require.NoError(t, db.Table("ticket_granting_tickets").Where("id = ?", "TGT-1-test").Take(&rec).Error)
	assert.True(t, rec.ExpireAt.Equal(epoch.Add(2*time.Hour)))
}

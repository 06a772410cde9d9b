package registry

import (
	"context"
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/pu-ac-cn/ticket-registry/internal/catalog"
	"gorm.io/gorm"
)

// MigrateDatabase 为目录中的每种票据创建一张表，可重复执行
func MigrateDatabase(ctx context.Context, db *gorm.DB, cat *catalog.Catalog) error {
	for _, def := range cat.Definitions() {
		if err := db.WithContext(ctx).Table(def.StorageName).AutoMigrate(&ticketRecord{}); err != nil {
			return fmt.Errorf("创建票据表 %s 失败: %w", def.StorageName, err)
		}
	}
	return nil
}

// PrepareBolt 为目录中的每种票据创建 bucket，可重复执行
func PrepareBolt(db *bolt.DB, cat *catalog.Catalog) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, def := range cat.Definitions() {
			if _, err := tx.CreateBucketIfNotExists([]byte(def.StorageName)); err != nil {
				return fmt.Errorf("创建 bucket %s 失败: %w", def.StorageName, err)
			}
		}
		return nil
	})
}

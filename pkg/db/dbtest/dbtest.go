// Package dbtest opens throwaway SQLite databases migrated from the models.
package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
)

// Open returns a fresh in-memory database. A single connection serializes
// transactions, so callers must route in-transaction work through tx.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:voucherz_" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	conn, err := gorm.Open(sqlite.Open(dsn), db.GormConfig())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate models: %v", err)
	}
	return conn
}

// Client wraps Open in a db.Client for services that need WithTx.
func Client(t testing.TB) *db.Client {
	t.Helper()
	return db.Wrap(Open(t))
}

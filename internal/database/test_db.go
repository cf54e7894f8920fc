package database

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// OpenTest 在临时目录中创建测试数据库，测试结束时自动关闭
func OpenTest(tb testing.TB) *gorm.DB {
	tb.Helper()

	db, err := Open(filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("failed to open test database: %v", err)
	}
	tb.Cleanup(func() {
		Close(db)
	})
	return db
}

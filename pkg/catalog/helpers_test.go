package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// -----------------------------------------------------------------------------

// setupTestRepo 构建隔离的测试环境 (每个测试一个独立的内存库)
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	catDB := NewWithConn(db)
	require.NoError(t, catDB.AutoMigrate(&File{}))

	return NewRepository(catDB)
}

// mustUpsert 写入记录，失败直接终止
func mustUpsert(t *testing.T, repo *Repository, f File, msgAndArgs ...any) {
	t.Helper()
	require.NoError(t, repo.Upsert(context.Background(), &f), msgAndArgs...)
}

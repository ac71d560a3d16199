package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"zipfiles/pkg/app"
	"zipfiles/pkg/archive"
	"zipfiles/pkg/bundle"
	"zipfiles/pkg/catalog"
	"zipfiles/pkg/resolver"
	"zipfiles/pkg/source"
	"zipfiles/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// countingCatalog 统计目录被查询的次数
type countingCatalog struct {
	catalog.Catalog
	calls atomic.Int32
}

func (c *countingCatalog) ResolveBatch(ctx context.Context, ids []types.FileID) (map[types.FileID]catalog.File, error) {
	c.calls.Add(1)
	return c.Catalog.ResolveBatch(ctx, ids)
}

// setupTestApp 是所有 Service 测试共享的基础设施初始化逻辑
// 它返回构建好的 App 实例与被包装的目录
func setupTestApp(t *testing.T, opts ...func(*source.Options)) (*app.App, *countingCatalog) {
	t.Helper()
	root := t.TempDir()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	catDB := catalog.NewWithConn(db)
	require.NoError(t, catDB.AutoMigrate(&catalog.File{}))
	repo := catalog.NewRepository(catDB)
	counting := &countingCatalog{Catalog: repo}

	so := source.Options{Root: root}
	for _, opt := range opts {
		opt(&so)
	}
	reader := source.NewReader(so)
	res := resolver.New(counting, nil)

	return &app.App{
		DB:          catDB,
		Repository:  repo,
		Catalog:     counting,
		StorageRoot: root,
		Reader:      reader,
		Resolver:    res,
		Orchestrator: bundle.New(res, reader, bundle.Options{
			OpenConcurrency: 4,
			Archive:         archive.Options{Level: archive.DefaultLevel, EntryBuffer: 1 << 20},
		}),
	}, counting
}

// addLocal 写入一个本地文件并登记到目录
func addLocal(t *testing.T, a *app.App, id, name, data string) {
	t.Helper()
	disk := id + ".dat"
	require.NoError(t, os.WriteFile(filepath.Join(a.StorageRoot, disk), []byte(data), 0o644))
	require.NoError(t, a.Repository.Upsert(context.Background(), &catalog.File{
		ID:               id,
		Storage:          catalog.StorageLocal,
		FilenameDisk:     disk,
		FilenameDownload: name,
		Filesize:         int64(len(data)),
	}))
}

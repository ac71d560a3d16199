package app

import (
	"context"
	"path/filepath"
	"testing"

	"zipfiles/pkg/storage/disk"
	"zipfiles/pkg/types"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStore_Disk(t *testing.T) {
	viper.Reset()
	viper.Set("storage.type", "disk")
	root := t.TempDir()

	store, err := initStore(context.Background(), root)

	require.NoError(t, err)
	require.IsType(t, &disk.Adapter{}, store)
	assert.Equal(t, root, store.(*disk.Adapter).Root())
}

func TestInitStore_S3_MissingBucket(t *testing.T) {
	viper.Reset()
	viper.Set("storage.type", "s3")
	// 故意不设置 bucket

	store, err := initStore(context.Background(), ".")
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestInitStore_None(t *testing.T) {
	viper.Reset()
	viper.Set("storage.type", "none")

	store, err := initStore(context.Background(), ".")
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestInitStore_UnknownType(t *testing.T) {
	viper.Reset()
	viper.Set("storage.type", "ftp") // 不支持的类型

	store, err := initStore(context.Background(), ".")
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "unsupported storage type")
}

func TestArchiveOptions(t *testing.T) {
	viper.Reset()
	viper.Set("archive.compression_level", 6)
	viper.Set("archive.entry_buffer", 1024)
	viper.Set("archive.total_buffer", 4096)

	opts := archiveOptions()
	assert.Equal(t, 6, opts.Level)
	assert.Equal(t, int64(1024), opts.EntryBuffer)
	require.NotNil(t, opts.Budget)
	assert.True(t, opts.Budget.TryAcquire(4096))
	assert.False(t, opts.Budget.TryAcquire(1))

	viper.Set("archive.total_buffer", 0)
	assert.Nil(t, archiveOptions().Budget)
}

func TestNewApp_Sqlite(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	viper.Set("storage.root", filepath.Join(dir, "uploads"))
	viper.Set("storage.type", "none")
	viper.Set("catalog.driver", "sqlite")
	viper.Set("catalog.dsn", filepath.Join(dir, "catalog.db"))
	viper.Set("archive.compression_level", 9)
	viper.Set("archive.exclude", []string{"*.tmp"})

	a, err := NewApp(context.Background())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Store)
	assert.Nil(t, a.Cache)
	assert.NoError(t, a.Ping(context.Background()))
	assert.True(t, a.Reader.Supports(types.KindLocal))
	assert.True(t, a.Reader.Supports(types.KindRemote))
	assert.False(t, a.Reader.Supports(types.KindDriverManaged), "storage.type=none disables the driver")
	assert.NotNil(t, a.Orchestrator)
}

func TestNewApp_MissingRoot(t *testing.T) {
	viper.Reset()
	viper.Set("storage.root", "")

	_, err := NewApp(context.Background())
	assert.Error(t, err)
}

func TestNewApp_BadRedis(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	viper.Set("storage.root", dir)
	viper.Set("catalog.dsn", filepath.Join(dir, "catalog.db"))
	viper.Set("cache.redis_url", "not-a-url://")

	_, err := NewApp(context.Background())
	assert.Error(t, err)
}

// pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"zipfiles/pkg/archive"
	"zipfiles/pkg/bundle"
	"zipfiles/pkg/catalog"
	"zipfiles/pkg/catalog/cache"
	"zipfiles/pkg/ignore"
	"zipfiles/pkg/resolver"
	"zipfiles/pkg/source"
	"zipfiles/pkg/storage"
	"zipfiles/pkg/storage/disk"
	"zipfiles/pkg/storage/s3"

	"github.com/spf13/viper"
	"golang.org/x/sync/semaphore"
)

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有所有“单例”服务
type App struct {
	DB         *catalog.DB
	Repository *catalog.Repository
	// Catalog 是解析时使用的目录 (可能套了一层 Redis 缓存)
	Catalog catalog.Catalog
	Cache   *cache.CachedCatalog // nil 表示未启用

	// Store 是 DriverManaged 源的存储驱动，storage.type=none 时为 nil
	Store       storage.Store
	StorageRoot string

	Reader       *source.Reader
	Resolver     *resolver.Resolver
	Orchestrator *bundle.Orchestrator
}

// NewApp 是工厂函数，负责组装这一台机器
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
func NewApp(ctx context.Context) (*App, error) {
	// 1. 存储根目录 (Local 源)
	root := viper.GetString("storage.root")
	if root == "" {
		return nil, fmt.Errorf("storage root not set")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid storage root: %w", err)
	}

	// 2. 目录数据库
	db, err := catalog.NewDB(ctx, catalog.Config{
		Driver:   viper.GetString("catalog.driver"),
		DSN:      viper.GetString("catalog.dsn"),
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init catalog: %w", err)
	}
	repo := catalog.NewRepository(db)

	a := &App{DB: db, Repository: repo, Catalog: repo, StorageRoot: root}

	// 3. 可选的 Redis 读缓存
	if url := viper.GetString("cache.redis_url"); url != "" {
		cached, err := cache.NewCachedCatalog(repo, cache.Config{
			RedisURL: url,
			TTL:      viper.GetDuration("cache.ttl"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init catalog cache: %w", err)
		}
		a.Cache = cached
		a.Catalog = cached
	}

	// 4. 存储驱动
	store, err := initStore(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	a.Store = store

	// 5. 解析器 + 排除规则
	matcher, err := ignore.NewMatcher(viper.GetStringSlice("archive.exclude"), viper.GetString("archive.exclude_file"))
	if err != nil {
		return nil, err
	}
	a.Resolver = resolver.New(a.Catalog, matcher)

	// 6. 读取器
	opts := source.Options{
		Root:        root,
		HTTPClient:  &http.Client{Timeout: viper.GetDuration("remote.timeout")},
		OpenTimeout: viper.GetDuration("archive.open_timeout"),
		ReadTimeout: viper.GetDuration("archive.read_timeout"),
	}
	// 注意：不能把 nil 的 storage.Store 直接赋给接口字段，否则 Supports 会误判
	if store != nil {
		opts.Driver = store
	}
	a.Reader = source.NewReader(opts)

	// 7. 编排器
	a.Orchestrator = bundle.New(a.Resolver, a.Reader, bundle.Options{
		OpenConcurrency: viper.GetInt("archive.open_concurrency"),
		Archive:         archiveOptions(),
		ErrorManifest:   viper.GetBool("archive.error_manifest"),
	})

	return a, nil
}

// archiveOptions 读取压缩与缓冲配置
// 总缓冲额度是进程级的，所有请求共享同一个信号量
func archiveOptions() archive.Options {
	opts := archive.Options{
		Level:       viper.GetInt("archive.compression_level"),
		EntryBuffer: viper.GetInt64("archive.entry_buffer"),
	}
	if total := viper.GetInt64("archive.total_buffer"); total > 0 {
		opts.Budget = semaphore.NewWeighted(total)
	}
	return opts
}

// initStore 根据 storage.type 选择存储驱动
func initStore(ctx context.Context, root string) (storage.Store, error) {
	switch t := viper.GetString("storage.type"); t {
	case "", "disk":
		return disk.NewAdapter(root)
	case "s3":
		return s3.NewAdapter(ctx, s3.Config{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			Prefix:          viper.GetString("storage.s3.prefix"),
			AccessKeyID:     viper.GetString("storage.s3.access_key"),
			SecretAccessKey: viper.GetString("storage.s3.secret_key"),
		})
	case "none":
		slog.Info("storage driver disabled, driver-managed sources will be rejected")
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", t)
	}
}

// Ping 检查目录数据库是否可用
func (a *App) Ping(ctx context.Context) error {
	return a.Repository.Ping(ctx)
}

// Close 释放数据库连接与缓存客户端
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.GetConn().DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

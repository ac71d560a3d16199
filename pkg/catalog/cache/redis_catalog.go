package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zipfiles/pkg/catalog"
	"zipfiles/pkg/types"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// CachedCatalog 是一个装饰器，它为底层的 catalog.Catalog 添加 Redis 读缓存
// 只缓存命中的记录；未命中的 ID 每次都穿透到数据库 (新文件随时可能被登记)
type CachedCatalog struct {
	backend catalog.Catalog
	client  redis.UniversalClient
	ttl     time.Duration
}

type Config struct {
	RedisURL string        // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
}

// record 是写进 Redis 的精简投影 (不含时间戳，保证解析结果与数据库一致)
type record struct {
	ID               string `cbor:"1,keyasint"`
	Storage          string `cbor:"2,keyasint"`
	FilenameDisk     string `cbor:"3,keyasint"`
	FilenameDownload string `cbor:"4,keyasint"`
	Location         string `cbor:"5,keyasint"`
	Filesize         int64  `cbor:"6,keyasint"`
	Type             string `cbor:"7,keyasint"`
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

func NewCachedCatalog(backend catalog.Catalog, cfg Config) (*CachedCatalog, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(backend, client, cfg.TTL), nil
}

// NewWithClient 复用已有的 Redis 客户端
func NewWithClient(backend catalog.Catalog, client redis.UniversalClient, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedCatalog{backend: backend, client: client, ttl: ttl}
}

func (c *CachedCatalog) cacheKey(id types.FileID) string {
	return "zf:file:" + id.String()
}

// ResolveBatch 先 MGET 整批，未命中的部分再做一次批量数据库查询
func (c *CachedCatalog) ResolveBatch(ctx context.Context, ids []types.FileID) (map[types.FileID]catalog.File, error) {
	out := make(map[types.FileID]catalog.File, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	unique := dedupe(ids)
	keys := make([]string, len(unique))
	for i, id := range unique {
		keys[i] = c.cacheKey(id)
	}

	misses := unique
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		// 缓存故障降级：退化为无缓存模式
		slog.Warn("catalog cache unavailable, falling back to database", slog.String("err", err.Error()))
	} else {
		misses = nil
		for i, v := range vals {
			f, ok := decode(v)
			if !ok {
				misses = append(misses, unique[i])
				continue
			}
			out[unique[i]] = f
		}
	}

	if len(misses) == 0 {
		return out, nil
	}

	found, err := c.backend.ResolveBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, f := range found {
		out[id] = f
	}

	c.fill(ctx, found)
	return out, nil
}

// fill 回填缓存；失败只记日志，不影响主流程
func (c *CachedCatalog) fill(ctx context.Context, found map[types.FileID]catalog.File) {
	if len(found) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for id, f := range found {
		data, err := encMode.Marshal(toRecord(f))
		if err != nil {
			continue
		}
		pipe.Set(ctx, c.cacheKey(id), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("catalog cache fill failed", slog.String("err", err.Error()))
	}
}

// Invalidate 在 CLI 修改目录后清掉对应的缓存项
func (c *CachedCatalog) Invalidate(ctx context.Context, ids ...types.FileID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range dedupe(ids) {
		keys = append(keys, c.cacheKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *CachedCatalog) Close() error {
	return c.client.Close()
}

func toRecord(f catalog.File) record {
	return record{
		ID:               f.ID,
		Storage:          f.Storage,
		FilenameDisk:     f.FilenameDisk,
		FilenameDownload: f.FilenameDownload,
		Location:         f.Location,
		Filesize:         f.Filesize,
		Type:             f.Type,
	}
}

func decode(v any) (catalog.File, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return catalog.File{}, false
	}
	var r record
	if err := cbor.Unmarshal([]byte(s), &r); err != nil {
		return catalog.File{}, false
	}
	return catalog.File{
		ID:               r.ID,
		Storage:          r.Storage,
		FilenameDisk:     r.FilenameDisk,
		FilenameDownload: r.FilenameDownload,
		Location:         r.Location,
		Filesize:         r.Filesize,
		Type:             r.Type,
	}, true
}

func dedupe(ids []types.FileID) []types.FileID {
	seen := make(map[types.FileID]struct{}, len(ids))
	out := make([]types.FileID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package catalog

import (
	"context"
	"errors"
	"fmt"

	"zipfiles/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrFileNotFound = errors.New("file not found in catalog")
	ErrInvalidFile  = errors.New("invalid catalog file record")
)

// Catalog 是解析器唯一依赖的能力：一次批量查询
// 未命中的 ID 不出现在返回的 map 中，不算错误
type Catalog interface {
	ResolveBatch(ctx context.Context, ids []types.FileID) (map[types.FileID]File, error)
}

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 批量解析 (Resolver 使用)
// -----------------------------------------------------------------------------

// ResolveBatch 用一次 IN 查询取回整批元数据，避免每个 ID 一次往返
// SQL: SELECT * FROM files WHERE id IN (?, ?, ...)
func (r *Repository) ResolveBatch(ctx context.Context, ids []types.FileID) (map[types.FileID]File, error) {
	out := make(map[types.FileID]File, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := uniqueKeys(ids)

	var files []File
	err := r.db.GetConn().WithContext(ctx).
		Where("id IN ?", keys).
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("catalog batch lookup failed: %w", err)
	}

	for _, f := range files {
		out[types.FileID(f.ID)] = f
	}
	return out, nil
}

// uniqueKeys 去重后再查询，但保留首次出现的顺序 (查询参数稳定，方便 SQL 日志比对)
func uniqueKeys(ids []types.FileID) []string {
	seen := make(map[types.FileID]struct{}, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, id.String())
	}
	return keys
}

// -----------------------------------------------------------------------------
// 2. 目录维护 (CLI 使用)
// -----------------------------------------------------------------------------

// Get 读取单条记录
func (r *Repository) Get(ctx context.Context, id types.FileID) (*File, error) {
	var f File
	err := r.db.GetConn().WithContext(ctx).
		Where("id = ?", id.String()).
		First(&f).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Upsert 写入或覆盖一条记录 (以 ID 为冲突键)
func (r *Repository) Upsert(ctx context.Context, f *File) error {
	if types.FileID(f.ID).IsZero() {
		return fmt.Errorf("%w: id is required", ErrInvalidFile)
	}
	if f.Locator() == "" {
		return fmt.Errorf("%w: %s has neither filename_disk nor location", ErrInvalidFile, f.ID)
	}

	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"storage", "filename_disk", "filename_download", "location", "filesize", "type", "meta", "updated_at"}),
		}).
		Create(f).Error
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", f.ID, err)
	}
	return nil
}

// List 按 ID 排序列出记录
func (r *Repository) List(ctx context.Context, limit int) ([]File, error) {
	var files []File
	q := r.db.GetConn().WithContext(ctx).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&files).Error
	return files, err
}

// Delete 删除记录，返回实际删除的行数
func (r *Repository) Delete(ctx context.Context, ids ...types.FileID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.GetConn().WithContext(ctx).
		Where("id IN ?", uniqueKeys(ids)).
		Delete(&File{})
	return result.RowsAffected, result.Error
}

// Ping 透传到底层连接
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

package resolver

import (
	"context"
	"fmt"

	"zipfiles/pkg/catalog"
	"zipfiles/pkg/ignore"
	"zipfiles/pkg/types"
)

// ResolvedSource 描述一个请求项“将从哪里读”，解析阶段从不打开字节源
type ResolvedSource struct {
	Index       int // 在原始请求中的位置
	ID          types.FileID
	Kind        types.SourceKind
	Locator     string
	DisplayName string
	Size        int64 // 目录里登记的大小，0 表示未知
}

// Result 是一次批量解析的结果
// Sources 与 Errors 都按请求顺序排列，两者合起来恰好覆盖每一个请求位置
type Result struct {
	Sources []ResolvedSource
	Errors  []types.SourceError
}

// Resolver 把标识符批量映射为 ResolvedSource
type Resolver struct {
	catalog catalog.Catalog
	exclude *ignore.Matcher
}

func New(c catalog.Catalog, exclude *ignore.Matcher) *Resolver {
	return &Resolver{catalog: c, exclude: exclude}
}

// Resolve 对整批 ID 只发起一次目录查询
// 重复的 ID 不合并：每个请求位置各自得到一个 ResolvedSource
func (r *Resolver) Resolve(ctx context.Context, ids []types.FileID) (*Result, error) {
	res := &Result{}
	if len(ids) == 0 {
		return res, nil
	}

	files, err := r.catalog.ResolveBatch(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve batch: %w", err)
	}

	names := newNameSet()
	for i, id := range ids {
		f, ok := files[id]
		if !ok {
			res.Errors = append(res.Errors, types.SourceError{
				ID:      id,
				Phase:   types.PhaseResolve,
				Kind:    types.ErrKindNotFound,
				Message: "no catalog entry for id",
			})
			continue
		}

		base := sanitizeName(f.DisplayName(), id)
		if r.exclude.Matches(base) {
			res.Errors = append(res.Errors, types.SourceError{
				ID:      id,
				Phase:   types.PhaseResolve,
				Kind:    types.ErrKindExcluded,
				Message: fmt.Sprintf("%q is excluded by policy", base),
			})
			continue
		}

		res.Sources = append(res.Sources, ResolvedSource{
			Index:       i,
			ID:          id,
			Kind:        f.Kind(),
			Locator:     f.Locator(),
			DisplayName: names.claim(base),
			Size:        f.Filesize,
		})
	}
	return res, nil
}

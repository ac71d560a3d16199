package source

import (
	"errors"
	"fmt"

	"zipfiles/pkg/types"
)

var (
	// ErrConfigurationMissing 表示执行环境缺少某类源所需的能力 (存储驱动 / 存储根目录)
	// 它是请求级错误，而不是单文件错误
	ErrConfigurationMissing = errors.New("storage capability not configured")

	// ErrReadTimeout 表示一次读取在 read timeout 内没有任何进展
	ErrReadTimeout = errors.New("source read timed out")

	// ErrVanished 表示本地文件在存在性检查之后、真正打开之前消失了
	ErrVanished = errors.New("source disappeared before it could be read")
)

// OpenError 是打开阶段的失败，Kind 取值见 types.ErrKind*
type OpenError struct {
	Kind   types.ErrorKind
	Status int // 仅 fetch_failed 且拿到了 HTTP 响应时有值
	Err    error
}

func (e *OpenError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func openErr(kind types.ErrorKind, err error) *OpenError {
	return &OpenError{Kind: kind, Err: err}
}

// AsSourceError 把 Open 返回的错误转成对外的 SourceError (phase=open)
func AsSourceError(id types.FileID, err error) types.SourceError {
	se := types.SourceError{ID: id, Phase: types.PhaseOpen, Kind: types.ErrKindFetchFailed, Message: err.Error()}
	var oe *OpenError
	if errors.As(err, &oe) {
		se.Kind = oe.Kind
		se.Status = oe.Status
	}
	return se
}

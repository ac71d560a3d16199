// pkg/types/common.go
package types

import (
	"fmt"
	"strings"
)

// FileID 代表目录 (Catalog) 中一个文件的唯一标识符
// 对服务来说它是不透明的：不做格式校验，只做去空白
type FileID string

func (id FileID) String() string { return string(id) }
func (id FileID) IsZero() bool   { return strings.TrimSpace(string(id)) == "" }

// SourceKind 描述字节源来自哪里
type SourceKind string

const (
	KindLocal         SourceKind = "local"  // 本地磁盘 (storage.root 之下)
	KindRemote        SourceKind = "remote" // HTTP 拉取
	KindDriverManaged SourceKind = "driver" // 抽象存储驱动 (disk / s3 adapter)
)

func (k SourceKind) String() string { return string(k) }

// Phase 标记错误发生在请求生命周期的哪个阶段
type Phase string

const (
	PhaseResolve Phase = "resolve"
	PhaseOpen    Phase = "open"
	PhaseStream  Phase = "stream"
)

// ErrorKind 是 SourceError 的细分类型 (面向调用方，稳定的字符串)
type ErrorKind string

const (
	ErrKindNotFound             ErrorKind = "not_found"
	ErrKindExcluded             ErrorKind = "excluded"
	ErrKindFetchFailed          ErrorKind = "fetch_failed"
	ErrKindConfigurationMissing ErrorKind = "configuration_missing"
	ErrKindTimeout              ErrorKind = "timeout"
	ErrKindReadFailed           ErrorKind = "read_failed"
	ErrKindTruncated            ErrorKind = "truncated"
)

// SourceError 记录单个源的失败，它永远不会中断同批次其他源的处理
type SourceError struct {
	ID      FileID    `json:"id"`
	Phase   Phase     `json:"phase"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"error"`
}

func (e SourceError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.ID, e.Phase, e.Message)
}

// IDs 按原顺序提取失败的标识符
func IDs(errs []SourceError) []FileID {
	out := make([]FileID, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.ID)
	}
	return out
}

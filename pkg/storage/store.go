package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

// Metadata 是打开对象时顺带得到的信息
type Metadata struct {
	Size int64 // -1 表示未知
	ETag string
}

// Driver 是抽象存储能力：按定位符拿到一个只读流
// 注意：这里返回的是 io.ReadCloser 而不是 []byte，为了支持大文件的流式读取
type Driver interface {
	GetReadStream(ctx context.Context, key string) (io.ReadCloser, Metadata, error)
}

// Store 在 Driver 之上加了写入能力 (CLI 上传文件时使用)
// Implementations can be local disk or S3-compatible object storage.
type Store interface {
	Driver

	// Put 把 r 的全部内容写到 key；size < 0 表示未知
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Has 检查对象是否存在
	Has(ctx context.Context, key string) (bool, error)
}

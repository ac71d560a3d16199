package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"zipfiles/pkg/storage"
)

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	rootPath string // 比如: /var/lib/zipfiles/objects
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid storage root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: abs}, nil
}

// Root 返回存储根目录 (绝对路径)
func (s *Adapter) Root() string { return s.rootPath }

// layout 返回 key 对应的物理路径，拒绝任何逃逸出根目录的 key
func (s *Adapter) layout(key string) (string, error) {
	return ResolvePath(s.rootPath, key)
}

// ResolvePath 把一个 "/" 分隔的相对 key 拼到 root 之下
// 绝对路径会被当作相对 root 处理；包含 .. 逃逸的 key 返回 ErrInvalidKey
func ResolvePath(root, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", storage.ErrInvalidKey
	}
	rel := filepath.FromSlash(strings.TrimLeft(key, "/"))
	full := filepath.Join(root, rel)
	r, err := filepath.Rel(root, full)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	return full, nil
}

func (s *Adapter) GetReadStream(ctx context.Context, key string) (io.ReadCloser, storage.Metadata, error) {
	targetPath, err := s.layout(key)
	if err != nil {
		return nil, storage.Metadata{}, err
	}

	f, err := os.Open(targetPath)
	if os.IsNotExist(err) {
		return nil, storage.Metadata{}, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Metadata{}, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, storage.Metadata{}, err
	}
	if info.IsDir() {
		f.Close()
		return nil, storage.Metadata{}, storage.ErrNotFound
	}
	return f, storage.Metadata{Size: info.Size()}, nil
}

func (s *Adapter) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	targetPath, err := s.layout(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 原子写入 (Atomic Write)
	// 先写到一个临时文件，然后 Rename。
	// 这样保证要么文件不存在，要么文件是完整的。
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	n, err := io.Copy(tempFile, r)
	if err != nil {
		tempFile.Close()
		return err
	}
	if size >= 0 && n != size {
		tempFile.Close()
		return fmt.Errorf("short write for %s: got %d bytes, want %d", key, n, size)
	}
	if err := tempFile.Close(); err != nil { // 必须先关闭才能 Rename
		return err
	}

	return os.Rename(tempFile.Name(), targetPath)
}

func (s *Adapter) Has(ctx context.Context, key string) (bool, error) {
	targetPath, err := s.layout(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(targetPath)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

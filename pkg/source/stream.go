package source

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"zipfiles/pkg/types"
)

// OpenStream 是一个已经成功打开的源
// 在交给 archive.Writer 之前由编排器独占；交出之后由 Writer 负责读完或释放
type OpenStream struct {
	Index       int
	ID          types.FileID
	DisplayName string
	Size        int64 // -1 表示未知

	rc     io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool
}

func newOpenStream(src Source, rc io.ReadCloser, size int64, cancel context.CancelFunc, readTimeout time.Duration) *OpenStream {
	s := &OpenStream{
		Index:       src.Index,
		ID:          src.ID,
		DisplayName: src.DisplayName,
		Size:        size,
		cancel:      cancel,
	}
	if readTimeout > 0 {
		s.rc = &idleReader{rc: rc, timeout: readTimeout, onFire: s.release}
	} else {
		s.rc = rc
	}
	return s
}

func (s *OpenStream) Read(p []byte) (int, error) {
	return s.rc.Read(p)
}

// Close 释放底层句柄/连接，可以重复调用
func (s *OpenStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.rc.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}

// Released 报告底层资源是否已经释放 (测试与泄漏检查使用)
func (s *OpenStream) Released() bool {
	return s.closed.Load()
}

// release 是超时回调：取消上下文并关闭底层读者，让阻塞中的 Read 尽快返回
func (s *OpenStream) release() {
	if s.cancel != nil {
		s.cancel()
	}
	if ir, ok := s.rc.(*idleReader); ok {
		_ = ir.rc.Close()
	}
}

// =============================================================================
// idleReader: 单次 Read 的空闲超时
// =============================================================================

type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
	onFire  func()
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.fired.Load() {
		return 0, ErrReadTimeout
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.timeout, r.fire)
	} else {
		r.timer.Reset(r.timeout)
	}

	n, err := r.rc.Read(p)
	r.timer.Stop()

	if r.fired.Load() {
		return n, ErrReadTimeout
	}
	return n, err
}

func (r *idleReader) fire() {
	r.fired.Store(true)
	r.onFire()
}

func (r *idleReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	err := r.rc.Close()
	if r.fired.Load() {
		// 超时回调已经关过一次，第二次关闭的错误没有意义
		return nil
	}
	return err
}

// =============================================================================
// lazyFile: 存在性检查之后，首次 Read 时才真正打开
// =============================================================================

type lazyFile struct {
	path string
	mu   sync.Mutex
	f    *os.File
	done bool
}

func (l *lazyFile) Read(p []byte) (int, error) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return 0, os.ErrClosed
	}
	if l.f == nil {
		f, err := os.Open(l.path)
		if err != nil {
			l.mu.Unlock()
			if os.IsNotExist(err) {
				return 0, ErrVanished
			}
			return 0, err
		}
		l.f = f
	}
	f := l.f
	l.mu.Unlock()
	return f.Read(p)
}

func (l *lazyFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// isOpen 报告底层文件句柄是否仍然持有
func (l *lazyFile) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil
}

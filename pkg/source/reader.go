package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"zipfiles/pkg/resolver"
	"zipfiles/pkg/storage"
	"zipfiles/pkg/storage/disk"
	"zipfiles/pkg/types"
)

// Source 是 Open 的输入
type Source = resolver.ResolvedSource

// Options 配置 Reader
type Options struct {
	// Root 是 Local 源的存储根目录；为空时 Local 源不可用
	Root string
	// Driver 是 DriverManaged 源的存储能力；为 nil 时此类源不可用
	Driver storage.Driver
	// HTTPClient 用于 Remote 源；为 nil 时使用 http.DefaultClient
	HTTPClient *http.Client

	OpenTimeout time.Duration // 0 表示不限
	ReadTimeout time.Duration // 单次 Read 的空闲超时，0 表示不限
}

// OpenOptions 是随请求变化的参数
type OpenOptions struct {
	// Authorization 原样转发给 Remote 源
	Authorization string
}

// Reader 把 ResolvedSource 打开成可顺序读取的流
// 它本身无状态，可在请求之间共享
type Reader struct {
	opts Options
}

func NewReader(opts Options) *Reader {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Reader{opts: opts}
}

// Supports 报告当前执行环境是否具备打开某类源的能力
// 编排器在请求开始时检查一次，而不是每个文件各自探测
func (r *Reader) Supports(kind types.SourceKind) bool {
	switch kind {
	case types.KindLocal:
		return r.opts.Root != ""
	case types.KindRemote:
		return true
	case types.KindDriverManaged:
		return r.opts.Driver != nil
	default:
		return false
	}
}

type openResult struct {
	rc   io.ReadCloser
	size int64
	err  error
}

// Open 打开一个源
// 返回的 OpenStream 持有一个从 ctx 派生的独立上下文；ctx 取消 (客户端断开) 时读操作随之中止
func (r *Reader) Open(ctx context.Context, src Source, oo OpenOptions) (*OpenStream, error) {
	if !r.Supports(src.Kind) {
		return nil, openErr(types.ErrKindConfigurationMissing,
			fmt.Errorf("%w: cannot open %s source", ErrConfigurationMissing, src.Kind))
	}

	srcCtx, cancel := context.WithCancel(ctx)

	done := make(chan openResult, 1)
	go func() {
		rc, size, err := r.open(srcCtx, src, oo)
		done <- openResult{rc: rc, size: size, err: err}
	}()

	var timeout <-chan time.Time
	if r.opts.OpenTimeout > 0 {
		t := time.NewTimer(r.opts.OpenTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			cancel()
			return nil, res.err
		}
		return newOpenStream(src, res.rc, res.size, cancel, r.opts.ReadTimeout), nil

	case <-timeout:
		cancel()
		go discardLate(done)
		return nil, openErr(types.ErrKindTimeout,
			fmt.Errorf("open did not complete within %s", r.opts.OpenTimeout))

	case <-ctx.Done():
		cancel()
		go discardLate(done)
		return nil, ctx.Err()
	}
}

// discardLate 回收超时之后才打开成功的流，保证不遗留句柄
func discardLate(done <-chan openResult) {
	res := <-done
	if res.rc != nil {
		_ = res.rc.Close()
	}
}

func (r *Reader) open(ctx context.Context, src Source, oo OpenOptions) (io.ReadCloser, int64, error) {
	switch src.Kind {
	case types.KindLocal:
		return r.openLocal(src)
	case types.KindRemote:
		return r.openRemote(ctx, src, oo)
	case types.KindDriverManaged:
		return r.openDriver(ctx, src)
	default:
		return nil, 0, openErr(types.ErrKindConfigurationMissing, fmt.Errorf("unknown source kind %q", src.Kind))
	}
}

// openLocal 只做存在性检查；文件在首次 Read 时才打开
// 检查与打开之间文件消失，会在读阶段以 ErrVanished 暴露，而不是在这里失败
func (r *Reader) openLocal(src Source) (io.ReadCloser, int64, error) {
	path, err := disk.ResolvePath(r.opts.Root, src.Locator)
	if err != nil {
		return nil, 0, openErr(types.ErrKindNotFound, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, openErr(types.ErrKindNotFound, fmt.Errorf("%s does not exist", src.Locator))
		}
		return nil, 0, openErr(types.ErrKindFetchFailed, err)
	}
	if info.IsDir() {
		return nil, 0, openErr(types.ErrKindNotFound, fmt.Errorf("%s is a directory", src.Locator))
	}

	return &lazyFile{path: path}, info.Size(), nil
}

func (r *Reader) openRemote(ctx context.Context, src Source, oo OpenOptions) (io.ReadCloser, int64, error) {
	u, err := url.Parse(src.Locator)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, 0, openErr(types.ErrKindFetchFailed, fmt.Errorf("invalid remote url %q", src.Locator))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, openErr(types.ErrKindFetchFailed, err)
	}
	if oo.Authorization != "" {
		req.Header.Set("Authorization", oo.Authorization)
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, openErr(types.ErrKindTimeout, err)
		}
		return nil, 0, openErr(types.ErrKindFetchFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 读掉少量 body 以便连接复用
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		resp.Body.Close()
		return nil, 0, &OpenError{
			Kind:   types.ErrKindFetchFailed,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("GET %s: %s", u.Redacted(), resp.Status),
		}
	}

	return resp.Body, resp.ContentLength, nil
}

func (r *Reader) openDriver(ctx context.Context, src Source) (io.ReadCloser, int64, error) {
	rc, meta, err := r.opts.Driver.GetReadStream(ctx, src.Locator)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			return nil, 0, openErr(types.ErrKindNotFound, err)
		}
		return nil, 0, openErr(types.ErrKindFetchFailed, err)
	}
	return rc, meta.Size, nil
}

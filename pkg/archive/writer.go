// Package archive 把一串 (name, stream) 顺序写成一个流式 zip。
//
// 重要约束：错误状态码只能在第一个输出字节发出之前返回。
// 一旦有字节写入 sink，Abort 只能让归档在没有 central directory 的情况下停下 (截断)，
// 调用方必须通过截断/连接中止来表达失败，而不是期待一个干净的错误响应。
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"zipfiles/pkg/types"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/semaphore"
)

// State 是一次归档会话的状态
type State int

const (
	StateIdle      State = iota // 还没有字节发出 (Collecting)
	StateStreaming              // 至少一个字节已经写进 sink，状态码已固定
	StateFinalized
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrClosed     = errors.New("archive session already closed")
	ErrAborted    = errors.New("archive session aborted")
	ErrSinkFailed = errors.New("archive sink write failed")
)

// ManifestName 是可选的错误清单条目名
const ManifestName = "_errors.json"

const (
	DefaultLevel       = 9
	DefaultEntryBuffer = 8 << 20
)

// Options 控制压缩与缓冲
type Options struct {
	// Level 是 deflate 压缩级别 (-2..9)；0 表示 Store (不压缩)
	Level int
	// EntryBuffer 是单个条目的校验缓冲上限 (字节)
	// 不超过上限的条目会先完整读入内存，读失败时整条省略，归档保持有效
	// 超过上限的条目直接流式写出，读失败时整个归档只能被截断
	// <= 0 表示从不缓冲
	EntryBuffer int64
	// Budget 是进程级的缓冲总上限，由所有会话共享；nil 表示不限
	// 拿不到额度时不等待，直接按流式写出
	Budget *semaphore.Weighted
	// Now 用于条目修改时间，测试可注入
	Now func() time.Time
}

// EntryResult 描述一个成功写入的条目
type EntryResult struct {
	Name      string
	Bytes     int64 // 未压缩字节数
	Validated bool  // 是否在写出前完整读入并校验
}

// StreamError 是某个源在读阶段失败
// Omitted=true: 条目完全没有进入归档；false: 条目已部分写出 (截断)
type StreamError struct {
	Name    string
	Omitted bool
	Written int64
	Err     error
}

func (e *StreamError) Error() string {
	if e.Omitted {
		return fmt.Sprintf("entry %q omitted: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("entry %q truncated after %d bytes: %v", e.Name, e.Written, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Kind 映射到对外的错误分类
func (e *StreamError) Kind() types.ErrorKind {
	if e.Omitted {
		return types.ErrKindReadFailed
	}
	return types.ErrKindTruncated
}

// Writer 是顺序写入的归档会话，不可并发调用
// 条目严格按 Append 的调用顺序出现在输出中
type Writer struct {
	out   *sinkWriter
	zw    *zip.Writer
	opts  Options
	state State

	entries int
}

// NewWriter 创建一个会话；sink 若实现了 Flush() error 或 Flush()，每个条目之后都会被调用
func NewWriter(sink io.Writer, opts Options) (*Writer, error) {
	if opts.Level < flate.HuffmanOnly || opts.Level > flate.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", opts.Level)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	out := &sinkWriter{w: sink}
	zw := zip.NewWriter(out)
	level := opts.Level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	return &Writer{out: out, zw: zw, opts: opts}, nil
}

// State 返回当前状态
func (w *Writer) State() State { return w.state }

// Flushed 报告是否已有字节写入 sink (commit point 是否已过)
func (w *Writer) Flushed() bool { return w.out.n > 0 }

// BytesWritten 是写入 sink 的压缩后字节数
func (w *Writer) BytesWritten() int64 { return w.out.n }

// Entries 是已写入 (含截断) 的条目数
func (w *Writer) Entries() int { return w.entries }

// Append 把 src 写成名为 name 的条目，并在返回前关闭 src
// sizeHint < 0 表示大小未知
// 返回 Omitted=true 的 *StreamError 表示条目被整条省略，会话可以继续；
// Omitted=false 表示条目已写出一部分，归档无法再正确收尾，会话进入 Aborted
// 返回 ErrSinkFailed / ctx 错误时会话同样已进入 Aborted
func (w *Writer) Append(ctx context.Context, name string, src io.ReadCloser, sizeHint int64) (*EntryResult, error) {
	defer src.Close()

	if w.state == StateFinalized || w.state == StateAborted {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		w.state = StateAborted
		return nil, err
	}

	r := &trackedReader{ctx: ctx, r: src}

	limit := w.opts.EntryBuffer
	if limit <= 0 || sizeHint > limit {
		return w.stream(name, r)
	}

	weight := limit
	if sizeHint >= 0 {
		weight = sizeHint
	}
	if w.opts.Budget != nil {
		if !w.opts.Budget.TryAcquire(weight) {
			return w.stream(name, r)
		}
		defer w.opts.Budget.Release(weight)
	}

	// 校验阶段：缓冲只属于这个条目，和额度一起释放
	// 最多缓冲 weight 字节；源比登记的更大时，已读部分作为前缀，剩余部分流式写出
	buf := make([]byte, weight)
	n, err := io.ReadFull(r, buf)
	if r.err != nil {
		return nil, w.readFailed(ctx, name, r.err)
	}
	if err == nil {
		// 读满了 weight：再探一个字节，判断源是否比登记的更大
		var extra [1]byte
		m, _ := io.ReadFull(r, extra[:])
		if r.err != nil {
			return nil, w.readFailed(ctx, name, r.err)
		}
		if m > 0 {
			return w.stream(name, r, buf, extra[:m])
		}
	}

	res, err := w.stream(name, bytes.NewReader(buf[:n]))
	if res != nil {
		res.Validated = true
	}
	return res, err
}

// readFailed 处理校验阶段的读错误：条目还没有写出任何内容，整条省略
func (w *Writer) readFailed(ctx context.Context, name string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		w.state = StateAborted
		return cerr
	}
	return &StreamError{Name: name, Omitted: true, Err: err}
}

// stream 写条目头，然后依次写 prefix 与 r 的剩余内容
func (w *Writer) stream(name string, r io.Reader, prefix ...[]byte) (*EntryResult, error) {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: w.opts.Now(),
	}
	if w.opts.Level == 0 {
		hdr.Method = zip.Store
	}
	hdr.SetMode(0o644)

	ew, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return nil, w.fault(err)
	}
	w.entries++

	var written int64
	for _, p := range prefix {
		if len(p) == 0 {
			continue
		}
		n, err := ew.Write(p)
		written += int64(n)
		if err != nil {
			return nil, w.fault(err)
		}
	}

	n, err := io.Copy(ew, r)
	written += n
	if err != nil {
		if w.out.err != nil {
			return nil, w.fault(err)
		}
		if isSourceErr(r, err) {
			if cerr := ctxErr(r); cerr != nil {
				w.state = StateAborted
				return nil, cerr
			}
			// 条目头已经写出：这个条目不可能再完整，继续收尾会让截断的条目看起来是完整的
			w.state = StateAborted
			return nil, &StreamError{Name: name, Written: written, Err: err}
		}
		return nil, w.fault(err)
	}

	if err := w.flush(); err != nil {
		return nil, err
	}
	return &EntryResult{Name: name, Bytes: written}, nil
}

// Manifest 追加一个 JSON 错误清单条目
func (w *Writer) Manifest(ctx context.Context, errs []types.SourceError) error {
	data, err := json.MarshalIndent(struct {
		Errors []types.SourceError `json:"errors"`
	}{Errors: errs}, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Append(ctx, ManifestName, io.NopCloser(bytes.NewReader(data)), int64(len(data)))
	return err
}

// Finalize 写 central directory；重复调用是安全的
func (w *Writer) Finalize() error {
	switch w.state {
	case StateFinalized:
		return nil
	case StateAborted:
		return ErrAborted
	}
	if err := w.zw.Close(); err != nil {
		return w.fault(err)
	}
	if err := w.out.flush(); err != nil {
		return w.fault(err)
	}
	w.state = StateFinalized
	return nil
}

// Abort 结束会话而不写 central directory
// clean=true 表示还没有任何字节发出，调用方仍可返回错误状态码
// clean=false 表示输出已被截断
// 已 Finalize 的会话不受影响 (返回 false)
func (w *Writer) Abort() (clean bool) {
	if w.state == StateFinalized {
		return false
	}
	w.state = StateAborted
	return w.out.n == 0
}

func (w *Writer) flush() error {
	if err := w.zw.Flush(); err != nil {
		return w.fault(err)
	}
	if err := w.out.flush(); err != nil {
		return w.fault(err)
	}
	if w.out.n > 0 && w.state == StateIdle {
		w.state = StateStreaming
	}
	return nil
}

// fault 把 sink/编码错误统一为 ErrSinkFailed，并终止会话
func (w *Writer) fault(err error) error {
	w.state = StateAborted
	if errors.Is(err, ErrSinkFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSinkFailed, err)
}

// =============================================================================
// helpers
// =============================================================================

// sinkWriter 统计写入 sink 的字节数，并记住第一个写错误
type sinkWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	s.n += int64(n)
	if err != nil {
		s.err = err
	}
	return n, err
}

func (s *sinkWriter) flush() error {
	if s.err != nil {
		return s.err
	}
	// 没有字节时不 Flush：对 http.ResponseWriter 来说 Flush 本身就会提交状态码
	if s.n == 0 {
		return nil
	}
	switch f := s.w.(type) {
	case interface{ Flush() error }:
		if err := f.Flush(); err != nil {
			s.err = err
			return err
		}
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}

// trackedReader 标记来自源的错误，并在每次 Read 前检查取消
type trackedReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		t.err = err
		return 0, err
	}
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func isSourceErr(r io.Reader, err error) bool {
	if tr, ok := r.(*trackedReader); ok {
		return tr.err != nil && errors.Is(err, tr.err)
	}
	return false
}

func ctxErr(r io.Reader) error {
	if tr, ok := r.(*trackedReader); ok {
		return tr.ctx.Err()
	}
	return nil
}

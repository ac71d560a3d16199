// Package bundle 编排一次打包请求：解析、打开、写归档。
//
// 请求严格分两个阶段：
//   - Prepare 解析全部 ID 并并发打开所有源，不产生任何输出；
//   - Stream 按请求顺序把已打开的源写入归档。
//
// 只有 Prepare 成功之后调用方才应该发送响应头。
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zipfiles/pkg/archive"
	"zipfiles/pkg/resolver"
	"zipfiles/pkg/source"
	"zipfiles/pkg/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidRequest = errors.New("no file ids provided")
	ErrPlanReleased   = errors.New("plan already released")

	// ErrConfigurationMissing 与 source 包共享同一个哨兵值
	ErrConfigurationMissing = source.ErrConfigurationMissing
	// ErrWriterFault 表示归档写入失败，但还没有任何字节发出
	ErrWriterFault = errors.New("archive writer fault")
	// ErrTruncated 表示输出已经开始，归档只能被截断
	ErrTruncated = errors.New("archive truncated after commit")
)

// DefaultOpenConcurrency 是打开阶段的默认并发上限
const DefaultOpenConcurrency = 8

// NoSourcesError 表示没有任何可用的源
// Resolved=false: 一个 ID 都没有解析成功；true: 解析成功但一个都没能打开或读出
type NoSourcesError struct {
	Resolved bool
	Errors   []types.SourceError
}

func (e *NoSourcesError) Error() string {
	if !e.Resolved {
		return fmt.Sprintf("none of %d ids found in catalog", len(e.Errors))
	}
	return fmt.Sprintf("none of the resolved sources could be streamed (%d errors)", len(e.Errors))
}

// Missing 返回失败的 ID，顺序与 Errors 一致
func (e *NoSourcesError) Missing() []types.FileID { return types.IDs(e.Errors) }

// SourceResolver 是 Prepare 依赖的解析能力
type SourceResolver interface {
	Resolve(ctx context.Context, ids []types.FileID) (*resolver.Result, error)
}

// SourceOpener 是 Prepare 依赖的打开能力，*source.Reader 实现了它
type SourceOpener interface {
	Supports(kind types.SourceKind) bool
	Open(ctx context.Context, src source.Source, oo source.OpenOptions) (*source.OpenStream, error)
}

type Options struct {
	OpenConcurrency int
	Archive         archive.Options
	// ErrorManifest 为 true 时，有错误的归档末尾会附带 _errors.json
	ErrorManifest bool
}

type Orchestrator struct {
	resolver SourceResolver
	opener   SourceOpener
	opts     Options
}

func New(r SourceResolver, o SourceOpener, opts Options) *Orchestrator {
	if opts.OpenConcurrency <= 0 {
		opts.OpenConcurrency = DefaultOpenConcurrency
	}
	return &Orchestrator{resolver: r, opener: o, opts: opts}
}

// Plan 是 Prepare 的产物：按请求顺序排列的已打开流，以及解析/打开阶段的错误
// Plan 持有打开的句柄，调用方必须 Stream 它或调用 Release
type Plan struct {
	Session string
	Errors  []types.SourceError

	streams  []*source.OpenStream
	released bool
}

// Opened 返回仍由 Plan 持有的流的数量
func (p *Plan) Opened() int {
	n := 0
	for _, s := range p.streams {
		if s != nil {
			n++
		}
	}
	return n
}

// Release 关闭所有尚未交给归档的流，可以重复调用
func (p *Plan) Release() {
	for i, s := range p.streams {
		if s != nil {
			_ = s.Close()
			p.streams[i] = nil
		}
	}
	p.released = true
}

// Report 描述一次 Stream 的结果
type Report struct {
	Session string
	Entries []archive.EntryResult
	// Errors 包含所有阶段的失败 (resolve / open / stream)
	Errors []types.SourceError
	// Bytes 是发往 sink 的字节数
	Bytes int64
}

// Prepare 是第一阶段：解析并打开全部源，不写任何输出
func (o *Orchestrator) Prepare(ctx context.Context, ids []types.FileID, oo source.OpenOptions) (*Plan, error) {
	if len(ids) == 0 {
		return nil, ErrInvalidRequest
	}
	session := uuid.NewString()
	log := slog.With(slog.String("session", session))

	// 1. 批量解析
	res, err := o.resolver.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, se := range res.Errors {
		logSourceError(log, se)
	}
	if len(res.Sources) == 0 {
		return nil, &NoSourcesError{Errors: res.Errors}
	}

	// 2. 能力检查：缺少驱动是配置问题，整个请求失败
	for _, src := range res.Sources {
		if !o.opener.Supports(src.Kind) {
			return nil, fmt.Errorf("%w: %s source %s", ErrConfigurationMissing, src.Kind, src.ID)
		}
	}

	// 3. 有界并发打开，每个结果写入自己的槽位
	// 不用 errgroup.WithContext：它的 ctx 在 Wait 返回时会被取消，而打开的流要活到 Stream 结束
	streams := make([]*source.OpenStream, len(res.Sources))
	openErrs := make([]error, len(res.Sources))

	var g errgroup.Group
	g.SetLimit(o.opts.OpenConcurrency)
	for i, src := range res.Sources {
		g.Go(func() error {
			s, err := o.opener.Open(ctx, src, oo)
			streams[i], openErrs[i] = s, err
			return nil
		})
	}
	_ = g.Wait()

	plan := &Plan{Session: session, streams: streams}
	plan.Errors = append(plan.Errors, res.Errors...)

	if err := ctx.Err(); err != nil {
		plan.Release()
		return nil, err
	}

	for i, err := range openErrs {
		if err == nil {
			continue
		}
		se := source.AsSourceError(res.Sources[i].ID, err)
		logSourceError(log, se)
		plan.Errors = append(plan.Errors, se)
	}

	if plan.Opened() == 0 {
		plan.Release()
		return nil, &NoSourcesError{Resolved: true, Errors: plan.Errors}
	}

	log.Debug("bundle prepared",
		slog.Int("requested", len(ids)),
		slog.Int("opened", plan.Opened()),
		slog.Int("failed", len(plan.Errors)),
	)
	return plan, nil
}

// Stream 是第二阶段：按请求顺序把流写入 sink
// 返回 *NoSourcesError 时 sink 上没有任何字节，调用方仍然可以返回 404
// 返回 ErrWriterFault 时同样没有字节发出；返回 ErrTruncated 时输出已被截断
// 大条目读到一半失败也会结束整个会话：提交前是 ErrWriterFault，提交后是 ErrTruncated
// 无论结果如何，plan 中的所有流在返回前都会被释放
func (o *Orchestrator) Stream(ctx context.Context, plan *Plan, sink io.Writer) (*Report, error) {
	if plan.released {
		return nil, ErrPlanReleased
	}
	defer plan.Release()

	start := time.Now()
	log := slog.With(slog.String("session", plan.Session))
	report := &Report{Session: plan.Session}
	report.Errors = append(report.Errors, plan.Errors...)

	w, err := archive.NewWriter(sink, o.opts.Archive)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrWriterFault, err)
	}

	for i, s := range plan.streams {
		if s == nil {
			continue
		}
		// 交给 writer 之后由它负责关闭
		plan.streams[i] = nil

		res, err := w.Append(ctx, s.DisplayName, s, s.Size)
		if err != nil {
			var se *archive.StreamError
			if errors.As(err, &se) {
				e := types.SourceError{ID: s.ID, Phase: types.PhaseStream, Kind: se.Kind(), Message: se.Err.Error()}
				logSourceError(log, e)
				report.Errors = append(report.Errors, e)
				if se.Omitted {
					continue
				}
				// 条目已部分写出，归档不能再被收尾成完整的样子
			}
			return report, o.abort(log, w, report, err)
		}
		report.Entries = append(report.Entries, *res)
	}

	if w.Entries() == 0 && !w.Flushed() {
		w.Abort()
		return report, &NoSourcesError{Resolved: true, Errors: report.Errors}
	}

	if o.opts.ErrorManifest && len(report.Errors) > 0 {
		if err := w.Manifest(ctx, report.Errors); err != nil {
			return report, o.abort(log, w, report, err)
		}
	}

	if err := w.Finalize(); err != nil {
		return report, o.abort(log, w, report, err)
	}
	report.Bytes = w.BytesWritten()

	log.Info("bundle streamed",
		slog.Int("entries", len(report.Entries)),
		slog.Int("errors", len(report.Errors)),
		slog.Int64("bytes", report.Bytes),
		slog.Duration("dur", time.Since(start)),
	)
	return report, nil
}

// abort 终止归档，并根据提交点把错误归类
func (o *Orchestrator) abort(log *slog.Logger, w *archive.Writer, report *Report, cause error) error {
	clean := w.Abort()
	report.Bytes = w.BytesWritten()
	if clean {
		log.Error("bundle aborted before commit", slog.String("err", cause.Error()))
		return fmt.Errorf("%w: %w", ErrWriterFault, cause)
	}
	log.Error("bundle truncated",
		slog.Int64("bytes", report.Bytes),
		slog.String("err", cause.Error()),
	)
	return fmt.Errorf("%w: %w", ErrTruncated, cause)
}

func logSourceError(log *slog.Logger, se types.SourceError) {
	log.Warn("source failed",
		slog.String("id", se.ID.String()),
		slog.String("phase", string(se.Phase)),
		slog.String("kind", string(se.Kind)),
		slog.String("err", se.Message),
	)
}

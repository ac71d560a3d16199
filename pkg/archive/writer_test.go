package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"zipfiles/pkg/types"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

// =============================================================================
// Test helpers
// =============================================================================

// failingSource 先吐出 prefix，然后返回 err
type failingSource struct {
	prefix []byte
	err    error
	closed bool
}

func (f *failingSource) Read(p []byte) (int, error) {
	if len(f.prefix) > 0 {
		n := copy(p, f.prefix)
		f.prefix = f.prefix[n:]
		return n, nil
	}
	return 0, f.err
}

func (f *failingSource) Close() error {
	f.closed = true
	return nil
}

type closeSpy struct {
	io.Reader
	closed bool
}

func (c *closeSpy) Close() error {
	c.closed = true
	return nil
}

func src(s string) *closeSpy { return &closeSpy{Reader: strings.NewReader(s)} }

// brokenSink 在写入 limit 字节后开始失败
type brokenSink struct {
	limit int
	n     int
}

func (b *brokenSink) Write(p []byte) (int, error) {
	if b.n+len(p) > b.limit {
		return 0, errors.New("client went away")
	}
	b.n += len(p)
	return len(p), nil
}

// flushCounter 记录 Flush 调用次数
type flushCounter struct {
	bytes.Buffer
	flushes int
}

func (f *flushCounter) Flush() error {
	f.flushes++
	return nil
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func newWriter(t *testing.T, sink io.Writer, opts Options) *Writer {
	t.Helper()
	w, err := NewWriter(sink, opts)
	require.NoError(t, err)
	return w
}

// =============================================================================
// Tests
// =============================================================================

func TestWriter_RoundTripAndOrder(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 1 << 20})
	ctx := context.Background()

	big := strings.Repeat("0123456789abcdef", 10000)
	inputs := []struct{ name, data string }{
		{"z-last-alphabetically.txt", "first appended"},
		{"a.bin", big},
		{"empty.txt", ""},
	}
	for _, in := range inputs {
		s := src(in.data)
		res, err := w.Append(ctx, in.name, s, int64(len(in.data)))
		require.NoError(t, err)
		assert.True(t, res.Validated)
		assert.Equal(t, int64(len(in.data)), res.Bytes)
		assert.True(t, s.closed, "writer owns and closes the source")
	}
	require.NoError(t, w.Finalize())
	assert.Equal(t, StateFinalized, w.State())

	assert.Equal(t, []string{"z-last-alphabetically.txt", "a.bin", "empty.txt"}, zipNames(t, out.Bytes()))
	got := readZip(t, out.Bytes())
	for _, in := range inputs {
		assert.Equal(t, in.data, got[in.name])
	}
}

func TestWriter_StoreLevel(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: 0})

	_, err := w.Append(context.Background(), "raw.txt", src("stored"), -1)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, zip.Store, zr.File[0].Method)
}

func TestWriter_InvalidLevel(t *testing.T) {
	_, err := NewWriter(io.Discard, Options{Level: 42})
	assert.Error(t, err)
}

func TestWriter_FailedBufferedEntryIsOmitted(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 1024})
	ctx := context.Background()

	_, err := w.Append(ctx, "ok1.txt", src("one"), 3)
	require.NoError(t, err)

	bad := &failingSource{prefix: []byte("partial"), err: errors.New("disk on fire")}
	_, err = w.Append(ctx, "bad.txt", bad, -1)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Omitted)
	assert.Equal(t, types.ErrKindReadFailed, se.Kind())
	assert.True(t, bad.closed)

	_, err = w.Append(ctx, "ok2.txt", src("two"), 3)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	assert.Equal(t, []string{"ok1.txt", "ok2.txt"}, zipNames(t, out.Bytes()))
	assert.Equal(t, 2, w.Entries())
}

func TestWriter_OversizedEntryFailureEndsSession(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 4})
	ctx := context.Background()

	_, err := w.Append(ctx, "first.txt", src("ok"), 2)
	require.NoError(t, err)
	require.True(t, w.Flushed())

	bad := &failingSource{prefix: []byte("0123456789"), err: errors.New("connection reset")}
	_, err = w.Append(ctx, "big.bin", bad, -1)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Omitted)
	assert.Equal(t, int64(10), se.Written)
	assert.Equal(t, types.ErrKindTruncated, se.Kind())
	assert.True(t, bad.closed)
	assert.Equal(t, StateAborted, w.State())

	// 截断的条目不能被收尾成一个看起来完整的归档
	_, err = w.Append(ctx, "next.txt", src("fine"), 4)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Finalize(), ErrAborted)
	assert.False(t, w.Abort(), "bytes already reached the sink")

	_, err = zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	assert.Error(t, err, "no central directory may be written")
}

func TestWriter_OversizedEntryFailureBeforeCommitIsClean(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 4})

	bad := &failingSource{prefix: []byte("0123456789"), err: errors.New("connection reset")}
	_, err := w.Append(context.Background(), "big.bin", bad, -1)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Omitted)

	assert.True(t, w.Abort(), "nothing reached the sink yet")
	assert.Zero(t, out.Len())
}

func TestWriter_SizeHintAboveCeilingStreamsUnvalidated(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: 1, EntryBuffer: 4})

	res, err := w.Append(context.Background(), "x", src("0123456789"), 10)
	require.NoError(t, err)
	assert.False(t, res.Validated)
	require.NoError(t, w.Finalize())
	assert.Equal(t, "0123456789", readZip(t, out.Bytes())["x"])
}

func TestWriter_BudgetExhaustedStreamsUnvalidated(t *testing.T) {
	budget := semaphore.NewWeighted(8)
	require.True(t, budget.TryAcquire(8)) // 其他会话占满了额度

	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 1024, Budget: budget})
	res, err := w.Append(context.Background(), "a", src("abc"), 3)
	require.NoError(t, err)
	assert.False(t, res.Validated)

	budget.Release(8)
	res, err = w.Append(context.Background(), "b", src("abc"), 3)
	require.NoError(t, err)
	assert.True(t, res.Validated)
	assert.True(t, budget.TryAcquire(8), "budget is returned after each entry")
}

// budgetWatcher 在每次 Read 时检查额度是否仍被占用
type budgetWatcher struct {
	io.Reader
	budget *semaphore.Weighted
	total  int64
	held   bool
}

func (b *budgetWatcher) Read(p []byte) (int, error) {
	if b.budget.TryAcquire(b.total) {
		b.budget.Release(b.total)
	} else {
		b.held = true
	}
	return b.Reader.Read(p)
}

func (b *budgetWatcher) Close() error { return nil }

func TestWriter_BufferIsHeldOnlyWithBudget(t *testing.T) {
	const total = 1 << 20
	budget := semaphore.NewWeighted(total)
	ctx := context.Background()

	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: 1, EntryBuffer: total, Budget: budget})

	data := strings.Repeat("x", 900<<10)
	for _, name := range []string{"one.bin", "two.bin"} {
		watcher := &budgetWatcher{Reader: strings.NewReader(data), budget: budget, total: total}
		res, err := w.Append(ctx, name, watcher, int64(len(data)))
		require.NoError(t, err)
		assert.True(t, res.Validated)
		assert.True(t, watcher.held, "buffering must happen under the budget")

		// 条目结束后额度全部归还，会话也不再持有缓冲
		require.True(t, budget.TryAcquire(total))
		budget.Release(total)
	}
	require.NoError(t, w.Finalize())
	assert.Equal(t, data, readZip(t, out.Bytes())["two.bin"])
}

func TestWriter_SourceLargerThanSizeHintStreamsRest(t *testing.T) {
	budget := semaphore.NewWeighted(4)
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 1024, Budget: budget})

	// 打开时登记 4 字节，实际读出 10 字节
	res, err := w.Append(context.Background(), "grown.log", src("0123456789"), 4)
	require.NoError(t, err)
	assert.False(t, res.Validated, "bytes beyond the acquired weight are not buffered")
	assert.Equal(t, int64(10), res.Bytes)
	assert.True(t, budget.TryAcquire(4))

	require.NoError(t, w.Finalize())
	assert.Equal(t, "0123456789", readZip(t, out.Bytes())["grown.log"])
}

func TestWriter_SourceShorterThanSizeHintIsValidated(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 1024})

	res, err := w.Append(context.Background(), "shrunk.txt", src("abc"), 100)
	require.NoError(t, err)
	assert.True(t, res.Validated)
	assert.Equal(t, int64(3), res.Bytes)
	require.NoError(t, w.Finalize())
	assert.Equal(t, "abc", readZip(t, out.Bytes())["shrunk.txt"])
}

func TestWriter_CommitPointAndCleanAbort(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 1024})
	assert.Equal(t, StateIdle, w.State())
	assert.False(t, w.Flushed())

	// 唯一的条目被省略：没有字节发出，仍可干净中止
	_, err := w.Append(context.Background(), "bad", &failingSource{err: errors.New("boom")}, -1)
	require.Error(t, err)
	assert.False(t, w.Flushed())
	assert.True(t, w.Abort(), "abort before the first byte is clean")
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, StateAborted, w.State())

	_, err = w.Append(context.Background(), "late", src("x"), 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Finalize(), ErrAborted)
}

func TestWriter_AbortAfterFlushTruncates(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel, EntryBuffer: 1024})

	_, err := w.Append(context.Background(), "a.txt", src("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, StateStreaming, w.State())
	assert.True(t, w.Flushed())

	assert.False(t, w.Abort(), "abort after first byte only truncates")

	_, err = zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	assert.Error(t, err, "no central directory was written")
}

func TestWriter_FinalizeIdempotent(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel})
	_, err := w.Append(context.Background(), "a", src("a"), 1)
	require.NoError(t, err)

	require.NoError(t, w.Finalize())
	size := out.Len()
	require.NoError(t, w.Finalize())
	assert.Equal(t, size, out.Len(), "second finalize writes nothing")
	assert.False(t, w.Abort(), "abort after finalize is a no-op")
	assert.Equal(t, StateFinalized, w.State())
}

func TestWriter_SinkFailureAborts(t *testing.T) {
	w := newWriter(t, &brokenSink{limit: 10}, Options{Level: DefaultLevel, EntryBuffer: 1024})

	s := src(strings.Repeat("x", 4096))
	_, err := w.Append(context.Background(), "a", s, 4096)
	assert.ErrorIs(t, err, ErrSinkFailed)
	assert.Equal(t, StateAborted, w.State())
	assert.True(t, s.closed)
}

func TestWriter_ContextCanceled(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := src("data")
	_, err := w.Append(ctx, "a", s, 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, s.closed, "canceled appends still release the source")
	assert.Equal(t, StateAborted, w.State())
}

func TestWriter_FlushesSinkPerEntry(t *testing.T) {
	sink := &flushCounter{}
	w := newWriter(t, sink, Options{Level: DefaultLevel})

	for _, name := range []string{"a", "b", "c"} {
		_, err := w.Append(context.Background(), name, src(name), 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, sink.flushes)
	require.NoError(t, w.Finalize())
	assert.Equal(t, 4, sink.flushes)
}

func TestWriter_Manifest(t *testing.T) {
	var out bytes.Buffer
	w := newWriter(t, &out, Options{Level: DefaultLevel})
	ctx := context.Background()

	_, err := w.Append(ctx, "a.txt", src("a"), 1)
	require.NoError(t, err)
	require.NoError(t, w.Manifest(ctx, []types.SourceError{{ID: "b", Phase: types.PhaseStream, Kind: types.ErrKindReadFailed, Message: "boom"}}))
	require.NoError(t, w.Finalize())

	got := readZip(t, out.Bytes())
	require.Contains(t, got, ManifestName)
	assert.JSONEq(t, `{"errors":[{"id":"b","phase":"stream","kind":"read_failed","error":"boom"}]}`, got[ManifestName])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "finalized", StateFinalized.String())
	assert.Equal(t, "aborted", StateAborted.String())
}

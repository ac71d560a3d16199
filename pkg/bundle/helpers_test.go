package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zipfiles/pkg/archive"
	"zipfiles/pkg/catalog"
	"zipfiles/pkg/resolver"
	"zipfiles/pkg/source"
	"zipfiles/pkg/types"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 测试环境
// -----------------------------------------------------------------------------

// countingCatalog 包装真实目录，统计批量查询次数
type countingCatalog struct {
	catalog.Catalog
	calls atomic.Int32
}

func (c *countingCatalog) ResolveBatch(ctx context.Context, ids []types.FileID) (map[types.FileID]catalog.File, error) {
	c.calls.Add(1)
	return c.Catalog.ResolveBatch(ctx, ids)
}

// spyOpener 记录每一个成功打开的流，用于检查句柄是否全部释放
type spyOpener struct {
	*source.Reader
	mu     sync.Mutex
	opened []*source.OpenStream
}

func (s *spyOpener) Open(ctx context.Context, src source.Source, oo source.OpenOptions) (*source.OpenStream, error) {
	st, err := s.Reader.Open(ctx, src, oo)
	if st != nil {
		s.mu.Lock()
		s.opened = append(s.opened, st)
		s.mu.Unlock()
	}
	return st, err
}

func (s *spyOpener) requireAllReleased(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.opened {
		require.True(t, st.Released(), "stream %s still open", st.ID)
	}
}

type env struct {
	root    string
	repo    *catalog.Repository
	catalog *countingCatalog
	opener  *spyOpener
	orch    *Orchestrator
}

type envOption func(*source.Options, *Options)

func withOpenTimeout(d time.Duration) envOption {
	return func(so *source.Options, _ *Options) { so.OpenTimeout = d }
}

func withEntryBuffer(n int64) envOption {
	return func(_ *source.Options, o *Options) { o.Archive.EntryBuffer = n }
}

func withManifest() envOption {
	return func(_ *source.Options, o *Options) { o.ErrorManifest = true }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	catDB := catalog.NewWithConn(db)
	require.NoError(t, catDB.AutoMigrate(&catalog.File{}))

	e := &env{root: t.TempDir(), repo: catalog.NewRepository(catDB)}
	e.catalog = &countingCatalog{Catalog: e.repo}

	so := source.Options{Root: e.root}
	bo := Options{
		OpenConcurrency: 4,
		Archive:         archive.Options{Level: archive.DefaultLevel, EntryBuffer: 1 << 20},
	}
	for _, opt := range opts {
		opt(&so, &bo)
	}

	e.opener = &spyOpener{Reader: source.NewReader(so)}
	e.orch = New(resolver.New(e.catalog, nil), e.opener, bo)
	return e
}

// addLocal 在存储根目录写入文件并登记到目录
func (e *env) addLocal(t *testing.T, id, name string, data []byte) {
	t.Helper()
	disk := id + ".dat"
	require.NoError(t, os.WriteFile(filepath.Join(e.root, disk), data, 0o644))
	e.add(t, catalog.File{ID: id, Storage: catalog.StorageLocal, FilenameDisk: disk, FilenameDownload: name, Filesize: int64(len(data))})
}

func (e *env) add(t *testing.T, f catalog.File) {
	t.Helper()
	require.NoError(t, e.repo.Upsert(context.Background(), &f))
}

func ids(s ...string) []types.FileID {
	out := make([]types.FileID, len(s))
	for i, v := range s {
		out[i] = types.FileID(v)
	}
	return out
}

type entry struct {
	name string
	data string
}

func readEntries(t *testing.T, data []byte) []entry {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var out []entry
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out = append(out, entry{name: f.Name, data: string(b)})
	}
	return out
}

// failingSink 在写入 limit 字节后开始失败，模拟客户端断开
type failingSink struct {
	limit int
	n     int
}

func (f *failingSink) Write(p []byte) (int, error) {
	if f.n+len(p) > f.limit {
		return 0, io.ErrClosedPipe
	}
	f.n += len(p)
	return len(p), nil
}

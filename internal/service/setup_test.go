package service

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/internal/repository"
	"github.com/romdj/tempsdarret.studio-sub002/internal/storage"
	"github.com/romdj/tempsdarret.studio-sub002/internal/testutil"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	catalog  repository.CatalogRepository
	storage  *storage.Service
	store    *spyStore
	archives *storage.FilesystemArchiveStore
	emitter  *testutil.RecordingEmitter
	files    FileService
	download DownloadService
	archive  *archiveService
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	_, rdb := testutil.NewRedis(t)
	svc := storage.NewService(fs, storage.NewRedisChunkStore(rdb))
	t.Cleanup(svc.WaitBackground)

	archives, err := storage.NewFilesystemArchiveStore(t.TempDir(), "http://studio.test/api/v1")
	require.NoError(t, err)

	f := &fixture{
		catalog:  repository.NewCatalogRepository(testutil.NewCatalogDB(t)),
		storage:  svc,
		store:    &spyStore{ByteStore: svc},
		archives: archives,
		emitter:  &testutil.RecordingEmitter{},
		now:      time.Now().UTC(),
	}
	f.files = NewFileService(f.catalog, f.store, f.emitter, 0)
	f.download = NewDownloadService(f.files, f.store)
	f.archive = NewArchiveService(f.catalog, f.store, archives, f.emitter, ArchiveOptions{
		TTL:        24 * time.Hour,
		Workers:    1,
		StaleAfter: time.Hour,
		Now:        func() time.Time { return f.now },
	}).(*archiveService)
	return f
}

func (f *fixture) upload(t *testing.T, shootID, name string, data []byte) *model.FileRecord {
	t.Helper()
	rec, err := f.files.Upload(context.Background(), UploadMeta{
		ShootID:      shootID,
		OriginalName: name,
		Size:         int64(len(data)),
		UploadedBy:   "photographer-1",
	}, bytes.NewReader(data))
	require.NoError(t, err)
	return rec
}

// generate 模拟 worker：抢占任务后同步生成。
func (f *fixture) generate(t *testing.T, job *model.ArchiveJob) error {
	t.Helper()
	ok, err := f.catalog.MarkArchiveGenerating(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return f.archive.Generate(context.Background(), job)
}

// spyStore 统计 ReadRange 的调用次数，用于确认校验失败时没有打开任何流。
type spyStore struct {
	ByteStore
	reads atomic.Int32
}

func (s *spyStore) ReadRange(ctx context.Context, rec *model.FileRecord, start, end int64) (io.ReadCloser, error) {
	s.reads.Add(1)
	return s.ByteStore.ReadRange(ctx, rec, start, end)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 253)
	}
	return b
}

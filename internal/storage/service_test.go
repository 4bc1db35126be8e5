package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// largeSize 略大于分片阈值，最后一个分片不满。
const largeSize = ChunkThreshold + 1000

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

type serviceFixture struct {
	svc    *Service
	fs     *FilesystemStore
	chunks *RedisChunkStore
	mr     *miniredis.Miniredis
	now    time.Time
}

func newServiceFixture(t *testing.T, opts ...Option) *serviceFixture {
	t.Helper()
	fs, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	mr, rdb := testutil.NewRedis(t)
	chunks := NewRedisChunkStore(rdb)
	now := time.Now()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	svc := NewService(fs, chunks, opts...)
	t.Cleanup(svc.WaitBackground)
	return &serviceFixture{svc: svc, fs: fs, chunks: chunks, mr: mr, now: now}
}

func (f *serviceFixture) store(t *testing.T, id string, data []byte) *model.FileRecord {
	t.Helper()
	res, err := f.svc.Store(context.Background(), id, "photo.CR3", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return &model.FileRecord{ID: id, Size: res.Size, StoragePath: res.Path, StorageMode: res.Mode}
}

// chunkKeys 列出某个文件在 Redis 中残留的分片键。
func chunkKeys(mr *miniredis.Miniredis, fileID string) []string {
	var keys []string
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "chunk:"+fileID+":") {
			keys = append(keys, k)
		}
	}
	return keys
}

func readAll(t *testing.T, svc *Service, rec *model.FileRecord, start, end int64) []byte {
	t.Helper()
	rc, err := svc.ReadRange(context.Background(), rec, start, end)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return got
}

func TestService_StoreDirect(t *testing.T) {
	f := newServiceFixture(t)
	data := testData(4096)

	res, err := f.svc.Store(context.Background(), "small", "a.JPG", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, model.StorageModeDirect, res.Mode)
	assert.Equal(t, 0, res.ChunkCount)
	assert.Equal(t, ObjectPath("small", "a.JPG", f.now), res.Path)
	assert.Empty(t, f.mr.Keys())

	rec := &model.FileRecord{ID: "small", Size: res.Size, StoragePath: res.Path, StorageMode: res.Mode}
	assert.Equal(t, data, readAll(t, f.svc, rec, 0, int64(len(data)-1)))
	assert.Equal(t, data[100:201], readAll(t, f.svc, rec, 100, 200))
}

func TestService_StoreChunked(t *testing.T) {
	f := newServiceFixture(t)
	data := testData(largeSize)

	res, err := f.svc.Store(context.Background(), "big", "b.cr3", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, model.StorageModeChunked, res.Mode)
	assert.Equal(t, ChunkCount(largeSize), res.ChunkCount)

	// 分片是连续的，长度之和等于文件大小
	lists, err := f.chunks.GetRange(context.Background(), "big", 0, res.ChunkCount-1)
	require.NoError(t, err)
	var total int
	for i, c := range lists {
		require.NotNil(t, c, "chunk %d", i)
		if i < len(lists)-1 {
			assert.Len(t, c, ChunkSize)
		}
		total += len(c)
	}
	assert.Equal(t, largeSize, total)
	assert.Equal(t, data[ChunkSize:2*ChunkSize], lists[1])

	ttl := f.mr.TTL("chunk:big:0")
	assert.InDelta(t, DefaultChunkTTL.Seconds(), ttl.Seconds(), 60)
}

func TestService_StoreAtThresholdIsChunked(t *testing.T) {
	f := newServiceFixture(t)
	data := testData(ChunkThreshold)
	res, err := f.svc.Store(context.Background(), "edge", "e.nef", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, model.StorageModeChunked, res.Mode)

	data = testData(ChunkThreshold - 1)
	res, err = f.svc.Store(context.Background(), "under", "u.nef", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, model.StorageModeDirect, res.Mode)
}

func TestService_StoreSizeMismatchCleansUp(t *testing.T) {
	f := newServiceFixture(t)

	t.Run("short stream", func(t *testing.T) {
		data := testData(largeSize - 10)
		_, err := f.svc.Store(context.Background(), "short", "s.cr3", bytes.NewReader(data), largeSize)
		assert.ErrorIs(t, err, ErrSizeMismatch)
		assert.False(t, f.fs.Exists(ObjectPath("short", "s.cr3", f.now)))
		assert.Empty(t, chunkKeys(f.mr, "short"))
	})

	t.Run("long stream", func(t *testing.T) {
		data := testData(200)
		_, err := f.svc.Store(context.Background(), "long", "l.jpg", bytes.NewReader(data), 100)
		assert.ErrorIs(t, err, ErrSizeMismatch)
		assert.False(t, f.fs.Exists(ObjectPath("long", "l.jpg", f.now)))
	})
}

func TestService_StoreCancelledContext(t *testing.T) {
	f := newServiceFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := testData(largeSize)
	_, err := f.svc.Store(ctx, "cancelled", "c.cr3", bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, f.fs.Exists(ObjectPath("cancelled", "c.cr3", f.now)))
	assert.Empty(t, chunkKeys(f.mr, "cancelled"))
}

func TestService_ReadRangeChunkedSpansWindows(t *testing.T) {
	f := newServiceFixture(t, WithReadWindow(2))
	data := testData(largeSize)
	rec := f.store(t, "win", data)

	start := int64(ChunkSize - 10)
	end := int64(5*ChunkSize + 17)
	assert.Equal(t, data[start:end+1], readAll(t, f.svc, rec, start, end))
	assert.Equal(t, data, readAll(t, f.svc, rec, 0, largeSize-1))
	// 最后几个字节
	assert.Equal(t, data[largeSize-3:], readAll(t, f.svc, rec, largeSize-3, largeSize-1))
}

func TestService_ReadRangeInvalid(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.store(t, "r", testData(100))

	for _, tc := range []struct{ start, end int64 }{
		{-1, 10}, {0, 100}, {50, 10},
	} {
		_, err := f.svc.ReadRange(context.Background(), rec, tc.start, tc.end)
		assert.ErrorIs(t, err, ErrInvalidRange, "[%d, %d]", tc.start, tc.end)
	}
}

func TestService_ReadRangeMissingFile(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.store(t, "gone", testData(100))
	require.NoError(t, f.fs.Delete(rec.StoragePath))

	_, err := f.svc.ReadRange(context.Background(), rec, 0, 99)
	var ioe *IOError
	assert.ErrorAs(t, err, &ioe)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestService_FallbackAndRepopulateAfterSweep(t *testing.T) {
	f := newServiceFixture(t)
	data := testData(largeSize)
	rec := f.store(t, "swept", data)
	count := ChunkCount(largeSize)

	// 25 小时后：Redis 键自然过期，清扫任务清掉过期索引
	f.mr.FastForward(25 * time.Hour)
	later := NewService(f.fs, f.chunks, WithClock(func() time.Time { return f.now.Add(25 * time.Hour) }))
	t.Cleanup(later.WaitBackground)

	deleted, err := later.SweepExpiredChunks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, count, deleted)
	assert.False(t, f.mr.Exists("chunk:swept:0"))
	assert.True(t, f.fs.Exists(rec.StoragePath), "sweep must never touch filesystem objects")

	// 幂等
	deleted, err = later.SweepExpiredChunks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	// 读取回退到文件系统，字节完全一致
	assert.Equal(t, data[10:ChunkSize+10], readAll(t, later, rec, 10, ChunkSize+9))

	// 读取过的窗口在后台回填
	assert.Eventually(t, func() bool {
		return f.mr.Exists("chunk:swept:0") && f.mr.Exists("chunk:swept:1")
	}, 5*time.Second, 20*time.Millisecond)

	lists, err := f.chunks.GetRange(context.Background(), "swept", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, data[:ChunkSize], lists[0])
}

func TestService_ReadRangeWithCorruptChunkFallsBack(t *testing.T) {
	f := newServiceFixture(t)
	data := testData(largeSize)
	rec := f.store(t, "short-chunk", data)

	// 长度不对的分片视为缺失
	require.NoError(t, f.mr.Set("chunk:short-chunk:0", "xyz"))
	assert.Equal(t, data[:100], readAll(t, f.svc, rec, 0, 99))
}

func TestService_Delete(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.store(t, "del", testData(largeSize))

	require.NoError(t, f.svc.Delete(context.Background(), rec))
	assert.False(t, f.fs.Exists(rec.StoragePath))
	assert.Empty(t, chunkKeys(f.mr, "del"))
	_, err := f.svc.ReadRange(context.Background(), rec, 0, 10)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

// deletingChunkStore 在第一次 Put 之前执行 onPut，用来模拟回填过程中文件被删除。
type deletingChunkStore struct {
	ChunkStore
	once  sync.Once
	onPut func()
}

func (d *deletingChunkStore) Put(ctx context.Context, chunk *model.Chunk) error {
	d.once.Do(d.onPut)
	return d.ChunkStore.Put(ctx, chunk)
}

func TestService_RepopulateRacingDeleteLeavesNoChunks(t *testing.T) {
	f := newServiceFixture(t)
	data := testData(largeSize)
	rec := f.store(t, "racy", data)
	f.mr.Del("chunk:racy:0")

	wrapped := &deletingChunkStore{ChunkStore: f.chunks}
	svc := NewService(f.fs, wrapped, WithClock(func() time.Time { return f.now }))
	wrapped.onPut = func() {
		assert.NoError(t, svc.Delete(context.Background(), rec))
	}

	assert.Equal(t, data[:100], readAll(t, svc, rec, 0, 99))
	svc.WaitBackground()

	assert.False(t, f.fs.Exists(rec.StoragePath))
	assert.Empty(t, chunkKeys(f.mr, "racy"))
}

func TestSweeper_RunOnce(t *testing.T) {
	f := newServiceFixture(t)
	f.store(t, "sw", testData(largeSize))

	f.mr.FastForward(25 * time.Hour)
	later := NewService(f.fs, f.chunks, WithClock(func() time.Time { return f.now.Add(25 * time.Hour) }))
	sw := NewSweeper(later, time.Hour)

	res := sw.RunOnce(context.Background())
	assert.NoError(t, res.Err)
	assert.Equal(t, ChunkCount(largeSize), res.Deleted)

	// Redis 不可用时清扫失败但不 panic
	f.mr.Close()
	res = sw.RunOnce(context.Background())
	assert.Error(t, res.Err)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newServiceFixture(t)
	sw := NewSweeper(f.svc, 10*time.Millisecond)
	sw.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
	// 重复 Stop 不会阻塞
	sw.Stop()
}

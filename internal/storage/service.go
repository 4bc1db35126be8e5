package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultReadWindow = 16
	sweepBatch        = 1000
	repopulateTimeout = 30 * time.Second
)

// Result 是一次写入的结果。
type Result struct {
	Mode       model.StorageMode
	Path       string
	Size       int64
	ChunkCount int
}

// Service 决定每个文件的存储策略，负责分片的生命周期：写入、回退读取、回填与清扫。
type Service struct {
	fs       *FilesystemStore
	chunks   ChunkStore
	chunkTTL time.Duration
	window   int
	now      func() time.Time

	repopulate singleflight.Group
	bg         sync.WaitGroup
}

// Option 配置 Service。
type Option func(*Service)

// WithChunkTTL 设置分片存活时间。
func WithChunkTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.chunkTTL = ttl
		}
	}
}

// WithReadWindow 设置分片模式下一次读取的分片数量。
func WithReadWindow(chunks int) Option {
	return func(s *Service) {
		if chunks > 0 {
			s.window = chunks
		}
	}
}

// WithClock 替换时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService 创建一个新的存储服务实例。
func NewService(fs *FilesystemStore, chunks ChunkStore, opts ...Option) *Service {
	s := &Service{
		fs:       fs,
		chunks:   chunks,
		chunkTTL: DefaultChunkTTL,
		window:   defaultReadWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Filesystem 返回底层的文件系统存储。
func (s *Service) Filesystem() *FilesystemStore {
	return s.fs
}

// Store 将 reader 中恰好 size 字节写入存储。
// size < ChunkThreshold 时只写文件系统；否则在写文件的同时把字节流切成 255 KiB 分片写入分片存储。
// 任何失败 (包括大小不一致) 都会在返回前清理已写入的文件和分片。
func (s *Service) Store(ctx context.Context, fileID, originalName string, reader io.Reader, size int64) (*Result, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: declared size %d", ErrSizeMismatch, size)
	}

	now := s.now().UTC()
	relPath := ObjectPath(fileID, originalName, now)
	// 多读一个字节，用于发现比声明更长的输入流
	src := io.LimitReader(reader, size+1)

	mode := model.StorageModeDirect
	var cw *chunkWriter
	if size >= ChunkThreshold {
		mode = model.StorageModeChunked
		cw = &chunkWriter{
			ctx:       ctx,
			store:     s.chunks,
			fileID:    fileID,
			createdAt: now,
			expiresAt: now.Add(s.chunkTTL),
			buf:       make([]byte, 0, ChunkSize),
		}
		src = io.TeeReader(src, cw)
	}

	n, err := s.fs.Write(relPath, src)
	if err == nil && n != size {
		err = fmt.Errorf("%w: declared %d bytes, read %d", ErrSizeMismatch, size, n)
	}
	if err == nil && cw != nil {
		err = cw.Flush()
	}
	if err != nil {
		written := 0
		if cw != nil {
			// 失败的 Put 可能已部分生效，多删一个
			written = cw.index + 1
		}
		s.cleanup(fileID, relPath, written)
		log.Warnw("[Store] 写入失败，已清理残留数据", "fileId", fileID, "path", relPath, "error", err)
		return nil, ioErr("store", fileID, err)
	}

	storedFilesTotal.WithLabelValues(string(mode)).Inc()
	result := &Result{Mode: mode, Path: relPath, Size: size}
	if mode == model.StorageModeChunked {
		result.ChunkCount = cw.index
	}
	log.Infow("[Store] 文件写入完成", "fileId", fileID, "mode", mode, "path", relPath, "size", size, "chunks", result.ChunkCount)
	return result, nil
}

// cleanup 删除失败写入留下的文件和分片。调用方的 ctx 可能已取消，因此使用独立的 context。
func (s *Service) cleanup(fileID, relPath string, chunkCount int) {
	if err := s.fs.Delete(relPath); err != nil {
		log.Errorw("[Store] 清理文件失败", "fileId", fileID, "error", err)
	}
	if chunkCount == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), repopulateTimeout)
	defer cancel()
	if err := s.chunks.DeleteFile(ctx, fileID, chunkCount); err != nil {
		log.Errorw("[Store] 清理分片失败", "fileId", fileID, "error", err)
	}
}

// ReadRange 返回 rec 对应文件 [start, end] (闭区间) 的字节流。调用方必须关闭返回值。
//
// direct 模式直接对文件 seek；chunked 模式优先读分片，窗口内任何分片缺失或过期时
// 该窗口回退到文件系统读取，并在后台回填缺失的分片。
func (s *Service) ReadRange(ctx context.Context, rec *model.FileRecord, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end >= rec.Size || start > end {
		return nil, fmt.Errorf("%w: [%d, %d] of %d", ErrInvalidRange, start, end, rec.Size)
	}

	if rec.StorageMode != model.StorageModeChunked {
		src, err := s.fs.OpenSection(rec.StoragePath, start, end-start+1)
		if err != nil {
			return nil, ioErr("read", rec.ID, err)
		}
		return &exactReader{rc: src, remaining: end - start + 1}, nil
	}

	r := &chunkRangeReader{ctx: ctx, s: s, rec: rec, pos: start, end: end}
	// 先加载第一个窗口，让缺失文件之类的错误在写出响应头之前暴露
	if err := r.next(); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete 删除文件对象和全部分片。必须在目录记录标记为删除之后调用。
func (s *Service) Delete(ctx context.Context, rec *model.FileRecord) error {
	var errs []error
	if err := s.fs.Delete(rec.StoragePath); err != nil {
		errs = append(errs, err)
	}
	if rec.StorageMode == model.StorageModeChunked {
		if err := s.chunks.DeleteFile(ctx, rec.ID, ChunkCount(rec.Size)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return ioErr("delete", rec.ID, errors.Join(errs...))
	}
	return nil
}

// SweepExpiredChunks 删除所有已过期的分片，从不触碰文件系统对象。幂等。
func (s *Service) SweepExpiredChunks(ctx context.Context) (int, error) {
	return s.chunks.SweepExpired(ctx, s.now(), sweepBatch)
}

// WaitBackground 等待后台回填任务结束。
func (s *Service) WaitBackground() {
	s.bg.Wait()
}

// repopulateAsync 在后台从文件系统回填缺失的分片，尽力而为，失败只记录日志。
func (s *Service) repopulateAsync(rec *model.FileRecord, missing []int) {
	if len(missing) == 0 {
		return
	}
	fileID, relPath, size := rec.ID, rec.StoragePath, rec.Size
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), repopulateTimeout)
		defer cancel()

		for _, index := range missing {
			if !s.fs.Exists(relPath) {
				log.Debugf("[Repopulate] 文件已删除，停止回填 fileId=%s", fileID)
				return
			}
			_, err, _ := s.repopulate.Do(chunkMember(fileID, index), func() (interface{}, error) {
				offset, length := ChunkBounds(index, size)
				buf := make([]byte, length)
				if err := s.fs.ReadAt(relPath, buf, offset); err != nil {
					return nil, err
				}
				now := s.now().UTC()
				return nil, s.chunks.Put(ctx, &model.Chunk{
					FileID:    fileID,
					Index:     index,
					Offset:    offset,
					Data:      buf,
					CreatedAt: now,
					ExpiresAt: now.Add(s.chunkTTL),
				})
			})
			if err != nil {
				log.Warnw("[Repopulate] 回填分片失败", "fileId", fileID, "index", index, "error", err)
				return
			}
			// Delete 先删文件再删分片：写入之后文件不在了，说明分片可能写在了 DeleteFile 之后
			if !s.fs.Exists(relPath) {
				if err := s.chunks.DeleteFile(ctx, fileID, ChunkCount(size)); err != nil {
					log.Warnw("[Repopulate] 清理已删除文件的分片失败", "fileId", fileID, "error", err)
				}
				return
			}
			chunkRepopulatedTotal.Inc()
		}
		log.Debugf("[Repopulate] 回填完成 fileId=%s chunks=%d", fileID, len(missing))
	}()
}

// chunkWriter 把顺序写入的字节流切成固定大小的分片。
type chunkWriter struct {
	ctx       context.Context
	store     ChunkStore
	fileID    string
	createdAt time.Time
	expiresAt time.Time

	buf    []byte
	index  int
	offset int64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		if len(w.buf) == cap(w.buf) {
			if err := w.emit(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// Flush 写出最后一个不满的分片。
func (w *chunkWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	return w.emit()
}

func (w *chunkWriter) emit() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	// Put 是同步的，返回后 buf 可以复用
	err := w.store.Put(w.ctx, &model.Chunk{
		FileID:    w.fileID,
		Index:     w.index,
		Offset:    w.offset,
		Data:      w.buf,
		CreatedAt: w.createdAt,
		ExpiresAt: w.expiresAt,
	})
	if err != nil {
		return fmt.Errorf("写入分片 %d 失败: %w", w.index, err)
	}
	w.index++
	w.offset += int64(len(w.buf))
	w.buf = w.buf[:0]
	return nil
}

// exactReader 保证流恰好输出 remaining 字节，文件被截断时返回 io.ErrUnexpectedEOF 而不是静默地少给数据。
type exactReader struct {
	rc        io.ReadCloser
	remaining int64
}

func (r *exactReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.rc.Read(p)
	r.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		if r.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, io.EOF
	}
	return n, err
}

func (r *exactReader) Close() error {
	return r.rc.Close()
}

// chunkRangeReader 按窗口读取分片模式的文件，每次只在内存中保留一个窗口。
type chunkRangeReader struct {
	ctx context.Context
	s   *Service
	rec *model.FileRecord

	pos int64 // 下一个窗口的起始字节
	end int64 // 闭区间终点

	cur []byte        // 当前窗口来自分片的剩余数据
	src io.ReadCloser // 当前窗口的文件系统回退流
}

func (r *chunkRangeReader) Read(p []byte) (int, error) {
	for {
		if len(r.cur) > 0 {
			n := copy(p, r.cur)
			r.cur = r.cur[n:]
			return n, nil
		}
		if r.src != nil {
			n, err := r.src.Read(p)
			if errors.Is(err, io.EOF) {
				r.src.Close()
				r.src = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		if r.pos > r.end {
			return 0, io.EOF
		}
		if err := r.next(); err != nil {
			return 0, err
		}
	}
}

// next 准备下一个窗口。
func (r *chunkRangeReader) next() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	first := int(r.pos / ChunkSize)
	_, lastNeeded := ChunkSpan(r.pos, r.end)
	last := first + r.s.window - 1
	if last > lastNeeded {
		last = lastNeeded
	}
	winStart := r.pos
	winEnd := int64(last+1)*ChunkSize - 1
	if winEnd > r.end {
		winEnd = r.end
	}

	chunks, err := r.s.chunks.GetRange(r.ctx, r.rec.ID, first, last)
	if err != nil {
		log.Warnw("[ReadRange] 读取分片失败，回退到文件系统", "fileId", r.rec.ID, "error", err)
		chunks = nil
	}

	var missing []int
	for i := first; i <= last; i++ {
		_, length := ChunkBounds(i, r.rec.Size)
		if chunks == nil || len(chunks[i-first]) != length {
			missing = append(missing, i)
		}
	}

	if len(missing) == 0 {
		buf := make([]byte, 0, (last-first+1)*ChunkSize)
		for _, c := range chunks {
			buf = append(buf, c...)
		}
		base := int64(first) * ChunkSize
		r.cur = buf[winStart-base : winEnd-base+1]
		chunkReadsTotal.WithLabelValues("chunk").Inc()
	} else {
		src, err := r.s.fs.OpenSection(r.rec.StoragePath, winStart, winEnd-winStart+1)
		if err != nil {
			return ioErr("read", r.rec.ID, err)
		}
		r.src = &exactReader{rc: src, remaining: winEnd - winStart + 1}
		chunkReadsTotal.WithLabelValues("fallback").Inc()
		r.s.repopulateAsync(r.rec, missing)
	}
	r.pos = winEnd + 1
	return nil
}

func (r *chunkRangeReader) Close() error {
	r.cur = nil
	if r.src != nil {
		err := r.src.Close()
		r.src = nil
		return err
	}
	return nil
}

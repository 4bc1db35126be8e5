package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
)

// minioPartSize 限制流式上传时每个分段的缓冲大小。不设置时 minio-go 会按最大对象大小推算，占用过多内存。
const minioPartSize = 16 << 20

var errArchiveAborted = errors.New("archive aborted")

// MinIOArchiveStore 把归档流式上传到 MinIO，对外提供预签名下载链接。
type MinIOArchiveStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOArchiveStore 创建一个新的 MinIOArchiveStore 实例。
func NewMinIOArchiveStore(client *minio.Client, bucket string) *MinIOArchiveStore {
	return &MinIOArchiveStore{client: client, bucket: bucket}
}

func (s *MinIOArchiveStore) Key(archiveID string) string {
	return ArchivePath(archiveID)
}

// Create 启动一个后台 PutObject，写入端通过 io.Pipe 把字节流送过去。
func (s *MinIOArchiveStore) Create(ctx context.Context, archiveID string) (ArchiveWriter, error) {
	pr, pw := io.Pipe()
	w := &minioArchiveWriter{pw: pw, result: make(chan putResult, 1)}
	go func() {
		info, err := s.client.PutObject(ctx, s.bucket, s.Key(archiveID), pr, -1, minio.PutObjectOptions{
			ContentType: "application/zip",
			PartSize:    minioPartSize,
		})
		// 让写入端在上传失败时立刻收到错误
		pr.CloseWithError(err)
		w.result <- putResult{size: info.Size, err: err}
	}()
	return w, nil
}

func (s *MinIOArchiveStore) Open(ctx context.Context, archiveID string) (*ArchiveObject, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.Key(archiveID), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: archive %s", ErrObjectNotFound, archiveID)
		}
		return nil, err
	}
	return &ArchiveObject{ReadSeekCloser: obj, Size: info.Size, ModTime: info.LastModified}, nil
}

func (s *MinIOArchiveStore) URL(ctx context.Context, archiveID string, ttl time.Duration) (string, error) {
	// 预签名链接最长 7 天
	if ttl <= 0 || ttl > 7*24*time.Hour {
		ttl = 7 * 24 * time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.Key(archiveID), ttl, nil)
	if err != nil {
		return "", fmt.Errorf("生成预签名链接失败: %w", err)
	}
	return u.String(), nil
}

func (s *MinIOArchiveStore) Delete(ctx context.Context, archiveID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.Key(archiveID), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("删除归档 %s 失败: %w", archiveID, err)
	}
	return nil
}

type putResult struct {
	size int64
	err  error
}

type minioArchiveWriter struct {
	pw     *io.PipeWriter
	result chan putResult
	n      int64
	done   bool
}

func (w *minioArchiveWriter) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *minioArchiveWriter) Commit() (int64, error) {
	if w.done {
		return w.n, nil
	}
	w.done = true
	w.pw.Close()
	res := <-w.result
	if res.err != nil {
		return 0, fmt.Errorf("上传归档失败: %w", res.err)
	}
	return w.n, nil
}

// Abort 以错误关闭管道，PutObject 会放弃未完成的分段上传。
func (w *minioArchiveWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.pw.CloseWithError(errArchiveAborted)
	<-w.result
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ArchiveWriter 接收一个归档的字节流。只有 Commit 成功后归档才对外可见。
type ArchiveWriter interface {
	io.Writer
	// Commit 完成写入，返回归档总字节数。
	Commit() (int64, error)
	// Abort 丢弃已写入的内容。Commit 之后调用是空操作。
	Abort() error
}

// ArchiveObject 是一个已生成的归档，可用于 http.ServeContent。
type ArchiveObject struct {
	io.ReadSeekCloser
	Size    int64
	ModTime time.Time
}

// ArchiveStore 保存生成好的 ZIP 归档。
type ArchiveStore interface {
	Create(ctx context.Context, archiveID string) (ArchiveWriter, error)
	Open(ctx context.Context, archiveID string) (*ArchiveObject, error)
	// URL 返回归档的下载地址，ttl 为链接的有效期。
	URL(ctx context.Context, archiveID string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, archiveID string) error
	// Key 返回归档在后端中的位置，记录在任务上便于排查。
	Key(archiveID string) string
}

// FilesystemArchiveStore 把归档写到本地目录，通过服务自身的下载接口对外提供。
type FilesystemArchiveStore struct {
	dir     string
	baseURL string
}

// NewFilesystemArchiveStore 创建本地归档存储。baseURL 是对外的 API 前缀，例如 http://host/api/v1。
func NewFilesystemArchiveStore(dir, baseURL string) (*FilesystemArchiveStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("创建归档目录 %s 失败: %w", dir, err)
	}
	return &FilesystemArchiveStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *FilesystemArchiveStore) Key(archiveID string) string {
	return filepath.Join(s.dir, archiveID+".zip")
}

// Create 在归档目录中创建临时文件，Commit 时原子重命名为最终文件。
func (s *FilesystemArchiveStore) Create(_ context.Context, archiveID string) (ArchiveWriter, error) {
	final := s.Key(archiveID)
	f, err := os.CreateTemp(s.dir, archiveID+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("创建归档临时文件失败: %w", err)
	}
	return &fileArchiveWriter{f: f, final: final}, nil
}

func (s *FilesystemArchiveStore) Open(_ context.Context, archiveID string) (*ArchiveObject, error) {
	f, err := os.Open(s.Key(archiveID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: archive %s", ErrObjectNotFound, archiveID)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &ArchiveObject{ReadSeekCloser: f, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// URL 指向服务自身的归档下载接口，ttl 由接口根据任务的过期时间控制。
func (s *FilesystemArchiveStore) URL(_ context.Context, archiveID string, _ time.Duration) (string, error) {
	return s.baseURL + "/archives/" + url.PathEscape(archiveID) + "/download", nil
}

func (s *FilesystemArchiveStore) Delete(_ context.Context, archiveID string) error {
	err := os.Remove(s.Key(archiveID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除归档 %s 失败: %w", archiveID, err)
	}
	return nil
}

type fileArchiveWriter struct {
	f     *os.File
	final string
	n     int64
	done  bool
}

func (w *fileArchiveWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *fileArchiveWriter) Commit() (int64, error) {
	if w.done {
		return w.n, nil
	}
	w.done = true
	tmp := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("fsync 失败: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, w.final); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("原子重命名失败: %w", err)
	}
	return w.n, nil
}

func (w *fileArchiveWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.f.Name())
}

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilesystemStore 管理存储根目录下的文件对象，是所有文件字节的权威副本。
type FilesystemStore struct {
	root string
}

// NewFilesystemStore 创建 FilesystemStore，必要时创建根目录。
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("创建存储根目录 %s 失败: %w", root, err)
	}
	return &FilesystemStore{root: root}, nil
}

// FullPath 返回相对路径对应的绝对路径。
func (fs *FilesystemStore) FullPath(relPath string) string {
	return filepath.Join(fs.root, filepath.FromSlash(relPath))
}

// Write 把 reader 的全部内容写入 relPath，返回写入的字节数。
//
// 写入流程：临时文件 → 写入 → fsync → 原子 rename。任何一步失败都会删除临时文件，
// 因此目标路径上要么是完整文件，要么什么都没有。
func (fs *FilesystemStore) Write(relPath string, reader io.Reader) (int64, error) {
	fullPath := fs.FullPath(relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return 0, fmt.Errorf("创建目录失败: %w", err)
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("创建临时文件失败: %w", err)
	}

	n, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return n, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return n, fmt.Errorf("fsync 失败: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("关闭文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("原子重命名失败: %w", err)
	}
	return n, nil
}

// sectionReadCloser 把 SectionReader 和底层文件句柄绑在一起，关闭时释放句柄。
type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error {
	return s.f.Close()
}

// OpenSection 打开文件并返回 [offset, offset+length) 的只读流。调用方必须关闭返回值。
func (fs *FilesystemStore) OpenSection(relPath string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(fs.FullPath(relPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, relPath)
		}
		return nil, err
	}
	return &sectionReadCloser{SectionReader: io.NewSectionReader(f, offset, length), f: f}, nil
}

// ReadAt 从文件的 offset 处读取 len(buf) 字节。
func (fs *FilesystemStore) ReadAt(relPath string, buf []byte, offset int64) error {
	f, err := os.Open(fs.FullPath(relPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, relPath)
		}
		return err
	}
	defer f.Close()
	_, err = f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Delete 删除文件。文件不存在时返回 nil。
func (fs *FilesystemStore) Delete(relPath string) error {
	err := os.Remove(fs.FullPath(relPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除文件 %s 失败: %w", relPath, err)
	}
	return nil
}

// Exists 检查文件是否存在。
func (fs *FilesystemStore) Exists(relPath string) bool {
	_, err := os.Stat(fs.FullPath(relPath))
	return err == nil
}

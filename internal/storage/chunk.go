// Package storage 实现了照片文件的存储引擎：文件系统作为权威副本，
// 大文件额外在分片存储中保留一份带 TTL 的影子副本用于快速范围读取。
package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ChunkSize 是单个分片的大小 (255 KiB)，与 GridFS 默认值一致。
	ChunkSize = 255 * 1024
	// ChunkThreshold 是切换到分片模式的文件大小下限 (25 MiB)。
	ChunkThreshold = 25 * 1024 * 1024
	// DefaultChunkTTL 是分片的默认存活时间。
	DefaultChunkTTL = 24 * time.Hour
)

// ChunkCount 计算文件的分片数量。
func ChunkCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// ChunkBounds 返回第 index 个分片在文件中的偏移和长度。最后一个分片可能短于 ChunkSize。
func ChunkBounds(index int, size int64) (offset int64, length int) {
	offset = int64(index) * ChunkSize
	remaining := size - offset
	if remaining <= 0 {
		return offset, 0
	}
	if remaining < ChunkSize {
		return offset, int(remaining)
	}
	return offset, ChunkSize
}

// ChunkSpan 返回覆盖 [start, end] 字节区间的首末分片序号。
func ChunkSpan(start, end int64) (first, last int) {
	return int(start / ChunkSize), int(end / ChunkSize)
}

// ObjectPath 生成文件在存储根目录下的相对路径：{YYYY}/{MM}/{fileId}.{ext}，年月取上传时间 (UTC)。
func ObjectPath(fileID, originalName string, uploadedAt time.Time) string {
	uploadedAt = uploadedAt.UTC()
	name := fileID
	if ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(originalName), ".")); ext != "" {
		name = fileID + "." + ext
	}
	return path.Join(fmt.Sprintf("%04d", uploadedAt.Year()), fmt.Sprintf("%02d", int(uploadedAt.Month())), name)
}

// ArchivePath 生成归档文件的相对路径。
func ArchivePath(archiveID string) string {
	return path.Join("archives", archiveID+".zip")
}

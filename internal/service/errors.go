package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 是所有输入校验错误的父错误，调用方修正输入后可以重试。
	ErrValidation = errors.New("validation failed")
	// ErrUnsupportedFormat 表示文件扩展名不在允许列表中。
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrValidation)
	// ErrFileTooLarge 表示文件超过单次上传的大小上限。
	ErrFileTooLarge = fmt.Errorf("%w: file too large", ErrValidation)
	// ErrEmptyFile 表示文件大小为 0。
	ErrEmptyFile = fmt.Errorf("%w: empty file", ErrValidation)

	ErrNotFound     = errors.New("not found")
	ErrAccessDenied = errors.New("access denied")
	// ErrRangeNotSatisfiable 表示 Range 请求头无法满足。
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// RangeError 携带文件大小，用于生成 Content-Range: bytes */size。
type RangeError struct {
	Size   int64
	Header string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %q not satisfiable for size %d", e.Header, e.Size)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrRangeNotSatisfiable
}

// ArchiveGenerationError 记录导致归档失败的文件。
type ArchiveGenerationError struct {
	FileID string
	Err    error
}

func (e *ArchiveGenerationError) Error() string {
	if e.FileID == "" {
		return fmt.Sprintf("archive generation failed: %v", e.Err)
	}
	return fmt.Sprintf("archive generation failed at file %s: %v", e.FileID, e.Err)
}

func (e *ArchiveGenerationError) Unwrap() error {
	return e.Err
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ErrArchiveExpired 表示归档已过期，产物已被或即将被清理。
var ErrArchiveExpired = errors.New("archive expired")

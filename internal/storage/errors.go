package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrSizeMismatch 表示声明的大小与实际读取的字节数不一致。
	ErrSizeMismatch = errors.New("storage: size mismatch")
	// ErrInvalidRange 表示读取区间越界或 start > end。
	ErrInvalidRange = errors.New("storage: invalid range")
	// ErrObjectNotFound 表示文件系统对象不存在。
	ErrObjectNotFound = errors.New("storage: object not found")
)

// IOError 包装了底层存储的 I/O 失败。
type IOError struct {
	Op     string
	FileID string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.FileID, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioErr(op, fileID string, err error) error {
	if err == nil {
		return nil
	}
	var ie *IOError
	if errors.As(err, &ie) || errors.Is(err, ErrSizeMismatch) {
		return err
	}
	return &IOError{Op: op, FileID: fileID, Err: err}
}

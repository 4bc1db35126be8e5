// Package events 定义了存储引擎对外发布的领域事件。
package events

import (
	"context"
	"time"

	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
)

// 事件名称
const (
	FileUploaded  = "file.uploaded"
	ArchiveReady  = "archive.ready"
	ArchiveFailed = "archive.failed"
)

// FileUploadedPayload 在文件写入存储并登记到目录后发布。下游的处理流水线据此生成缩略图等。
type FileUploadedPayload struct {
	FileID       string    `json:"fileId"`
	ShootID      string    `json:"shootId"`
	Type         string    `json:"type"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	StoragePath  string    `json:"storagePath"`
	StorageMode  string    `json:"storageMode"`
	OriginalName string    `json:"originalName"`
	UploadedBy   string    `json:"uploadedBy"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// ArchiveReadyPayload 在归档生成完成后发布。
type ArchiveReadyPayload struct {
	ArchiveID   string    `json:"archiveId"`
	ShootID     string    `json:"shootId"`
	Type        string    `json:"type"`
	ArchiveSize int64     `json:"archiveSize"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ArchiveFailedPayload 在归档生成失败后发布。
type ArchiveFailedPayload struct {
	ArchiveID    string `json:"archiveId"`
	ShootID      string `json:"shootId"`
	Type         string `json:"type"`
	FailedFileID string `json:"failedFileId,omitempty"`
	Error        string `json:"error"`
}

// Emitter 发布事件。发布是尽力而为的：失败只记录日志，不影响调用方的主流程。
type Emitter interface {
	Emit(ctx context.Context, name string, payload any)
}

// Envelope 是事件在消息总线上的外层结构。
type Envelope struct {
	Name       string    `json:"name"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

// LogEmitter 只把事件写进日志，用于没有配置 Kafka 的环境。
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, name string, payload any) {
	log.Infow("[Event] 发布事件", "name", name, "payload", payload)
}

// Multi 把事件依次发给多个 Emitter。
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, name string, payload any) {
	for _, e := range m {
		e.Emit(ctx, name, payload)
	}
}

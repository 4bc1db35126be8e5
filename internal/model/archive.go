package model

import (
	"fmt"
	"time"
)

// ArchiveType 决定归档包含哪些文件。
type ArchiveType string

const (
	ArchiveTypeJPEG     ArchiveType = "jpeg"
	ArchiveTypeRaw      ArchiveType = "raw"
	ArchiveTypeComplete ArchiveType = "complete"
)

// Valid 判断归档类型是否合法。
func (t ArchiveType) Valid() bool {
	switch t {
	case ArchiveTypeJPEG, ArchiveTypeRaw, ArchiveTypeComplete:
		return true
	}
	return false
}

// Includes 判断某个文件类型是否属于该归档。
func (t ArchiveType) Includes(ft FileType) bool {
	switch t {
	case ArchiveTypeJPEG:
		return ft == FileTypeImage
	case ArchiveTypeRaw:
		return ft == FileTypeRaw
	case ArchiveTypeComplete:
		return true
	}
	return false
}

// ArchiveStatus 是归档任务的状态。queued → generating → ready | failed。
type ArchiveStatus string

const (
	ArchiveQueued     ArchiveStatus = "queued"
	ArchiveGenerating ArchiveStatus = "generating"
	ArchiveReady      ArchiveStatus = "ready"
	ArchiveFailed     ArchiveStatus = "failed"
)

// Terminal 表示任务已经结束。
func (s ArchiveStatus) Terminal() bool {
	return s == ArchiveReady || s == ArchiveFailed
}

// ArchiveJob 定义了 archive_jobs 表的 ORM 模型。
// ActiveKey 只在非终态时有值，配合唯一索引实现 (shootId, type) 的去重。
type ArchiveJob struct {
	ID            string        `gorm:"type:varchar(36);primaryKey" json:"archiveId"`
	ShootID       string        `gorm:"type:varchar(64);not null;index" json:"shootId"`
	Type          ArchiveType   `gorm:"type:varchar(16);not null" json:"type"`
	FileIDs       []string      `gorm:"serializer:json;type:text" json:"fileIds"`
	Status        ArchiveStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ActiveKey     *string       `gorm:"type:varchar(100);uniqueIndex" json:"-"`
	RequestedBy   string        `gorm:"type:varchar(64)" json:"requestedBy"`
	EstimatedSize int64         `gorm:"not null;default:0" json:"estimatedSize"`
	ArchiveSize   int64         `gorm:"not null;default:0" json:"archiveSize"`
	DownloadURL   string        `gorm:"type:varchar(1024)" json:"downloadUrl,omitempty"`
	StoragePath   string        `gorm:"type:varchar(255)" json:"-"`
	FailedFileID  string        `gorm:"type:varchar(36)" json:"failedFileId,omitempty"`
	Error         string        `gorm:"type:varchar(512)" json:"error,omitempty"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updatedAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	ExpiresAt     *time.Time    `gorm:"index" json:"expiresAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ArchiveJob) TableName() string {
	return "archive_jobs"
}

// ArchiveActiveKey 生成去重键。
func ArchiveActiveKey(shootID string, t ArchiveType) string {
	return fmt.Sprintf("%s:%s", shootID, t)
}

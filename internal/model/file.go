// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// FileType 是文件的分类，由扩展名决定。
type FileType string

const (
	FileTypeImage   FileType = "image"
	FileTypeRaw     FileType = "raw"
	FileTypeSidecar FileType = "sidecar"
	FileTypeConfig  FileType = "config"
)

// StorageMode 描述文件字节的存放方式。
type StorageMode string

const (
	// StorageModeDirect 只写文件系统。
	StorageModeDirect StorageMode = "direct"
	// StorageModeChunked 文件系统 + 带 TTL 的分片影子副本。
	StorageModeChunked StorageMode = "chunked"
)

// ProcessingStatus 是上传后处理流水线的状态。
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// 调用方角色，来自 JWT claims。
const (
	RolePhotographer = "photographer"
	RoleAdmin        = "admin"
	RoleClient       = "client"
)

// CanSeePhotographerOnly 判断角色能否访问仅摄影师可见的文件。
func CanSeePhotographerOnly(role string) bool {
	return role == RolePhotographer || role == RoleAdmin
}

// FileRecord 定义了 files 表的 ORM 模型。
// 它记录了每个已上传文件的元数据和存储位置。
type FileRecord struct {
	ID               string           `gorm:"type:varchar(36);primaryKey" json:"fileId"`
	OriginalName     string           `gorm:"type:varchar(255);not null" json:"originalName"`
	Type             FileType         `gorm:"type:varchar(16);not null" json:"type"`
	Size             int64            `gorm:"not null" json:"size"`
	MimeType         string           `gorm:"type:varchar(100);not null" json:"mimeType"`
	ShootID          string           `gorm:"type:varchar(64);not null;index" json:"shootId"`
	UploadedBy       string           `gorm:"type:varchar(64);not null" json:"uploadedBy"`
	StoragePath      string           `gorm:"type:varchar(255);not null" json:"storagePath"`
	StorageMode      StorageMode      `gorm:"type:varchar(16);not null" json:"storageMode"`
	PhotographerOnly bool             `gorm:"not null;default:false" json:"photographerOnly"`
	ParentFileID     *string          `gorm:"type:varchar(36)" json:"parentFileId,omitempty"`
	ProcessingStatus ProcessingStatus `gorm:"type:varchar(16);not null;default:pending" json:"processingStatus"`
	Checksum         string           `gorm:"type:varchar(64)" json:"checksum,omitempty"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updatedAt"`
	DeletedAt        *time.Time       `gorm:"index" json:"deletedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FileRecord) TableName() string {
	return "files"
}

// Chunk 是大文件的一个固定大小分片，保存在分片存储中，过期后可以从文件系统重建。
type Chunk struct {
	FileID    string
	Index     int
	Offset    int64
	Data      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

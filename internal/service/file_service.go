// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/internal/repository"
	"github.com/romdj/tempsdarret.studio-sub002/internal/storage"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/events"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
	"gorm.io/gorm"
)

// DefaultMaxUploadSize 是单次上传的大小上限，100 MB 按十进制计 (1e8 字节)，与分片阈值无关。
const DefaultMaxUploadSize = 100_000_000

// ByteStore 是业务层依赖的存储引擎能力，由 *storage.Service 实现。
type ByteStore interface {
	Store(ctx context.Context, fileID, originalName string, reader io.Reader, size int64) (*storage.Result, error)
	ReadRange(ctx context.Context, rec *model.FileRecord, start, end int64) (io.ReadCloser, error)
	Delete(ctx context.Context, rec *model.FileRecord) error
}

// UploadMeta 是一次上传携带的元数据。
type UploadMeta struct {
	ShootID          string
	OriginalName     string
	MimeType         string
	Size             int64
	UploadedBy       string
	PhotographerOnly bool
	ParentFileID     string
}

// FileService 接口定义了文件上传、查询和删除的业务操作。
type FileService interface {
	Upload(ctx context.Context, meta UploadMeta, body io.Reader) (*model.FileRecord, error)
	Get(ctx context.Context, fileID, role string) (*model.FileRecord, error)
	ListShoot(ctx context.Context, shootID, role string) ([]*model.FileRecord, error)
	Delete(ctx context.Context, fileID, role string) error
}

type fileService struct {
	catalog       repository.CatalogRepository
	store         ByteStore
	emitter       events.Emitter
	maxUploadSize int64
	now           func() time.Time
}

// NewFileService 创建一个新的 FileService 实例。maxUploadSize <= 0 时使用 DefaultMaxUploadSize。
func NewFileService(catalog repository.CatalogRepository, store ByteStore, emitter events.Emitter, maxUploadSize int64) FileService {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &fileService{
		catalog:       catalog,
		store:         store,
		emitter:       emitter,
		maxUploadSize: maxUploadSize,
		now:           time.Now,
	}
}

// Upload 校验元数据，把字节流交给存储引擎，再登记文件记录并发布 file.uploaded。
// 所有校验都在写入任何字节之前完成。
func (s *fileService) Upload(ctx context.Context, meta UploadMeta, body io.Reader) (*model.FileRecord, error) {
	log.Infof("[Upload] 开始上传，shootId: %s, 文件名: %s, 大小: %d", meta.ShootID, meta.OriginalName, meta.Size)

	if strings.TrimSpace(meta.ShootID) == "" {
		return nil, validationErr("shootId is required")
	}
	if strings.TrimSpace(meta.OriginalName) == "" {
		return nil, validationErr("originalName is required")
	}
	f, ext, ok := lookupFormat(meta.OriginalName)
	if !ok {
		return nil, fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)
	}
	switch {
	case meta.Size == 0:
		return nil, ErrEmptyFile
	case meta.Size < 0:
		return nil, validationErr("size must be positive")
	case meta.Size > s.maxUploadSize:
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, meta.Size, s.maxUploadSize)
	}

	var parentID *string
	if meta.ParentFileID != "" {
		parent, err := s.catalog.Get(ctx, meta.ParentFileID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, validationErr("parent file %s not found", meta.ParentFileID)
			}
			return nil, err
		}
		if parent.ShootID != meta.ShootID {
			return nil, validationErr("parent file %s belongs to another shoot", meta.ParentFileID)
		}
		parentID = &parent.ID
	}

	mimeType := meta.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = f.mimeType
	}

	fileID := uuid.NewString()
	res, err := s.store.Store(ctx, fileID, meta.OriginalName, body, meta.Size)
	if err != nil {
		log.Errorf("[Upload] 写入存储失败, fileId: %s, error: %v", fileID, err)
		return nil, err
	}

	rec := &model.FileRecord{
		ID:           fileID,
		OriginalName: meta.OriginalName,
		Type:         f.fileType,
		Size:         res.Size,
		MimeType:     mimeType,
		ShootID:      meta.ShootID,
		UploadedBy:   meta.UploadedBy,
		StoragePath:  res.Path,
		StorageMode:  res.Mode,
		// sidecar/config 文件总是仅摄影师可见，忽略调用方的取值
		PhotographerOnly: meta.PhotographerOnly || f.fileType == model.FileTypeSidecar || f.fileType == model.FileTypeConfig,
		ParentFileID:     parentID,
		ProcessingStatus: model.ProcessingPending,
	}
	if err := s.catalog.Put(ctx, rec); err != nil {
		log.Errorf("[Upload] 登记文件记录失败，回收已写入的字节, fileId: %s, error: %v", fileID, err)
		if delErr := s.store.Delete(context.WithoutCancel(ctx), rec); delErr != nil {
			log.Errorf("[Upload] 回收字节失败, fileId: %s, error: %v", fileID, delErr)
		}
		return nil, err
	}

	s.emitter.Emit(ctx, events.FileUploaded, events.FileUploadedPayload{
		FileID:       rec.ID,
		ShootID:      rec.ShootID,
		Type:         string(rec.Type),
		Size:         rec.Size,
		MimeType:     rec.MimeType,
		StoragePath:  rec.StoragePath,
		StorageMode:  string(rec.StorageMode),
		OriginalName: rec.OriginalName,
		UploadedBy:   rec.UploadedBy,
		UploadedAt:   s.now().UTC(),
	})
	log.Infof("[Upload] 上传完成, fileId: %s, 模式: %s", rec.ID, rec.StorageMode)
	return rec, nil
}

// Get 返回文件记录。仅摄影师可见的文件对其他角色返回 ErrAccessDenied。
func (s *fileService) Get(ctx context.Context, fileID, role string) (*model.FileRecord, error) {
	rec, err := s.catalog.Get(ctx, fileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.PhotographerOnly && !model.CanSeePhotographerOnly(role) {
		return nil, ErrAccessDenied
	}
	return rec, nil
}

// ListShoot 列出拍摄下的文件，客户看不到仅摄影师可见的文件。
func (s *fileService) ListShoot(ctx context.Context, shootID, role string) ([]*model.FileRecord, error) {
	records, err := s.catalog.ListByShoot(ctx, shootID)
	if err != nil {
		return nil, err
	}
	if model.CanSeePhotographerOnly(role) {
		return records, nil
	}
	visible := records[:0]
	for _, rec := range records {
		if !rec.PhotographerOnly {
			visible = append(visible, rec)
		}
	}
	return visible, nil
}

// Delete 先在目录中标记删除，再删除字节，避免目录指向不存在的数据。
func (s *fileService) Delete(ctx context.Context, fileID, role string) error {
	if !model.CanSeePhotographerOnly(role) {
		return ErrAccessDenied
	}
	rec, err := s.catalog.Get(ctx, fileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := s.catalog.MarkDeleted(ctx, fileID, s.now().UTC()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := s.store.Delete(ctx, rec); err != nil {
		// 记录已不可见，残留字节只占空间，不影响正确性
		log.Errorf("[Delete] 删除文件字节失败, fileId: %s, error: %v", fileID, err)
		return nil
	}
	log.Infof("[Delete] 文件已删除, fileId: %s", fileID)
	return nil
}

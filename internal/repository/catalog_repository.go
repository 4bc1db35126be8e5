// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CatalogRepository 接口定义了文件目录和归档任务的持久化操作。
// 找不到记录时返回 gorm.ErrRecordNotFound。
type CatalogRepository interface {
	// 文件记录。软删除的记录对 Get/GetMany/ListByShoot 不可见。
	Get(ctx context.Context, fileID string) (*model.FileRecord, error)
	GetMany(ctx context.Context, fileIDs []string) ([]*model.FileRecord, error)
	ListByShoot(ctx context.Context, shootID string) ([]*model.FileRecord, error)
	Put(ctx context.Context, rec *model.FileRecord) error
	MarkDeleted(ctx context.Context, fileID string, at time.Time) error
	UpdateProcessing(ctx context.Context, fileID string, status model.ProcessingStatus, checksum string) error

	// 归档任务
	GetArchiveJob(ctx context.Context, archiveID string) (*model.ArchiveJob, error)
	GetActiveArchiveJob(ctx context.Context, shootID string, t model.ArchiveType) (*model.ArchiveJob, error)
	// CreateArchiveJob 在同一 (shootId, type) 没有未结束任务时插入 job 并返回 (job, true)；
	// 否则返回已存在的任务和 false。
	CreateArchiveJob(ctx context.Context, job *model.ArchiveJob) (*model.ArchiveJob, bool, error)
	// MarkArchiveGenerating 把 queued 任务切换为 generating，返回是否切换成功。
	MarkArchiveGenerating(ctx context.Context, archiveID string) (bool, error)
	TouchArchiveJob(ctx context.Context, archiveID string) error
	MarkArchiveReady(ctx context.Context, archiveID string, size int64, downloadURL, storagePath string, completedAt, expiresAt time.Time) (bool, error)
	MarkArchiveFailed(ctx context.Context, archiveID, failedFileID, reason string, at, expiresAt time.Time) (bool, error)
	ListExpiredArchiveJobs(ctx context.Context, now time.Time) ([]*model.ArchiveJob, error)
	ListStaleArchiveJobs(ctx context.Context, before time.Time) ([]*model.ArchiveJob, error)
	ListQueuedArchiveJobs(ctx context.Context) ([]*model.ArchiveJob, error)
	DeleteArchiveJob(ctx context.Context, archiveID string) error
}

// catalogRepository 是 CatalogRepository 接口的 GORM 实现。
type catalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository 创建一个新的 CatalogRepository 实例。
func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

func (r *catalogRepository) files(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&model.FileRecord{}).Where("deleted_at IS NULL")
}

// Get 根据 ID 检索文件记录。
func (r *catalogRepository) Get(ctx context.Context, fileID string) (*model.FileRecord, error) {
	var rec model.FileRecord
	if err := r.files(ctx).Where("id = ?", fileID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetMany 批量检索文件记录，不存在的 ID 会被忽略，调用方需要自行比对。
func (r *catalogRepository) GetMany(ctx context.Context, fileIDs []string) ([]*model.FileRecord, error) {
	var records []*model.FileRecord
	if len(fileIDs) == 0 {
		return records, nil
	}
	err := r.files(ctx).Where("id IN ?", fileIDs).Find(&records).Error
	return records, err
}

// ListByShoot 按上传时间顺序列出拍摄下的全部文件。
func (r *catalogRepository) ListByShoot(ctx context.Context, shootID string) ([]*model.FileRecord, error) {
	var records []*model.FileRecord
	err := r.files(ctx).Where("shoot_id = ?", shootID).Order("created_at ASC, id ASC").Find(&records).Error
	return records, err
}

// Put 在数据库中创建一条新的文件记录。
func (r *catalogRepository) Put(ctx context.Context, rec *model.FileRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// MarkDeleted 软删除文件记录。记录不存在或已删除时返回 gorm.ErrRecordNotFound。
func (r *catalogRepository) MarkDeleted(ctx context.Context, fileID string, at time.Time) error {
	res := r.files(ctx).Where("id = ?", fileID).Update("deleted_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateProcessing 更新处理状态，checksum 为空时保持原值。
func (r *catalogRepository) UpdateProcessing(ctx context.Context, fileID string, status model.ProcessingStatus, checksum string) error {
	updates := map[string]interface{}{"processing_status": status}
	if checksum != "" {
		updates["checksum"] = checksum
	}
	return r.files(ctx).Where("id = ?", fileID).Updates(updates).Error
}

func (r *catalogRepository) jobs(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&model.ArchiveJob{})
}

// GetArchiveJob 根据 ID 检索归档任务。
func (r *catalogRepository) GetArchiveJob(ctx context.Context, archiveID string) (*model.ArchiveJob, error) {
	var job model.ArchiveJob
	if err := r.jobs(ctx).Where("id = ?", archiveID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetActiveArchiveJob 查找 (shootId, type) 上未结束的任务。
func (r *catalogRepository) GetActiveArchiveJob(ctx context.Context, shootID string, t model.ArchiveType) (*model.ArchiveJob, error) {
	var job model.ArchiveJob
	err := r.jobs(ctx).Where("active_key = ?", model.ArchiveActiveKey(shootID, t)).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateArchiveJob 依靠 active_key 的唯一索引实现插入或返回已有任务，并发请求只会有一个插入成功。
func (r *catalogRepository) CreateArchiveJob(ctx context.Context, job *model.ArchiveJob) (*model.ArchiveJob, bool, error) {
	key := model.ArchiveActiveKey(job.ShootID, job.Type)
	job.ActiveKey = &key

	// 冲突的任务可能在两步之间结束，重试几次
	for attempt := 0; attempt < 3; attempt++ {
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected == 1 {
			return job, true, nil
		}
		existing, err := r.GetActiveArchiveJob(ctx, job.ShootID, job.Type)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}
	return nil, false, errors.New("archive job insert kept conflicting")
}

// MarkArchiveGenerating 只有 queued 状态的任务才会被切换，保证同一任务只被一个 worker 生成。
func (r *catalogRepository) MarkArchiveGenerating(ctx context.Context, archiveID string) (bool, error) {
	res := r.jobs(ctx).
		Where("id = ? AND status = ?", archiveID, model.ArchiveQueued).
		Update("status", model.ArchiveGenerating)
	return res.RowsAffected == 1, res.Error
}

// TouchArchiveJob 刷新 updated_at，作为生成中任务的心跳。
func (r *catalogRepository) TouchArchiveJob(ctx context.Context, archiveID string) error {
	return r.jobs(ctx).Where("id = ?", archiveID).Update("updated_at", r.db.NowFunc()).Error
}

// MarkArchiveReady 把 generating 任务标记为 ready，并释放去重键。
func (r *catalogRepository) MarkArchiveReady(ctx context.Context, archiveID string, size int64, downloadURL, storagePath string, completedAt, expiresAt time.Time) (bool, error) {
	res := r.jobs(ctx).
		Where("id = ? AND status = ?", archiveID, model.ArchiveGenerating).
		Updates(map[string]interface{}{
			"status":       model.ArchiveReady,
			"active_key":   nil,
			"archive_size": size,
			"download_url": downloadURL,
			"storage_path": storagePath,
			"completed_at": completedAt,
			"expires_at":   expiresAt,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkArchiveFailed 把未结束的任务标记为 failed，并释放去重键。失败记录保留到 expiresAt 供客户端查询。
func (r *catalogRepository) MarkArchiveFailed(ctx context.Context, archiveID, failedFileID, reason string, at, expiresAt time.Time) (bool, error) {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	res := r.jobs(ctx).
		Where("id = ? AND status IN ?", archiveID, []model.ArchiveStatus{model.ArchiveQueued, model.ArchiveGenerating}).
		Updates(map[string]interface{}{
			"status":         model.ArchiveFailed,
			"active_key":     nil,
			"failed_file_id": failedFileID,
			"error":          reason,
			"completed_at":   at,
			"expires_at":     expiresAt,
		})
	return res.RowsAffected == 1, res.Error
}

// ListExpiredArchiveJobs 列出已过期的终态任务。
func (r *catalogRepository) ListExpiredArchiveJobs(ctx context.Context, now time.Time) ([]*model.ArchiveJob, error) {
	var jobs []*model.ArchiveJob
	err := r.jobs(ctx).
		Where("status IN ? AND expires_at < ?", []model.ArchiveStatus{model.ArchiveReady, model.ArchiveFailed}, now).
		Find(&jobs).Error
	return jobs, err
}

// ListStaleArchiveJobs 列出心跳早于 before 的 generating 任务，通常是进程崩溃留下的。
func (r *catalogRepository) ListStaleArchiveJobs(ctx context.Context, before time.Time) ([]*model.ArchiveJob, error) {
	var jobs []*model.ArchiveJob
	err := r.jobs(ctx).Where("status = ? AND updated_at < ?", model.ArchiveGenerating, before).Find(&jobs).Error
	return jobs, err
}

// ListQueuedArchiveJobs 按创建顺序列出等待生成的任务。
func (r *catalogRepository) ListQueuedArchiveJobs(ctx context.Context) ([]*model.ArchiveJob, error) {
	var jobs []*model.ArchiveJob
	err := r.jobs(ctx).Where("status = ?", model.ArchiveQueued).Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

// DeleteArchiveJob 删除任务记录。
func (r *catalogRepository) DeleteArchiveJob(ctx context.Context, archiveID string) error {
	return r.db.WithContext(ctx).Where("id = ?", archiveID).Delete(&model.ArchiveJob{}).Error
}

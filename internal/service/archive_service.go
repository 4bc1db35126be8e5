package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/internal/repository"
	"github.com/romdj/tempsdarret.studio-sub002/internal/storage"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/events"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
	"gorm.io/gorm"
)

const reasonCancelled = "cancelled"

// ArchiveOptions 配置归档 worker 和维护任务。零值字段使用默认值。
type ArchiveOptions struct {
	TTL                 time.Duration
	Workers             int
	QueueSize           int
	StaleAfter          time.Duration
	MaintenanceInterval time.Duration
	Now                 func() time.Time
}

func (o *ArchiveOptions) applyDefaults() {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = time.Hour
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ArchiveRequest 是一次归档请求。FileIDs 为空时使用拍摄下的全部文件。
type ArchiveRequest struct {
	ShootID     string
	Type        model.ArchiveType
	FileIDs     []string
	RequestedBy string
	Role        string
}

// ArchiveService 接口定义了 ZIP 归档任务的业务操作。
type ArchiveService interface {
	// RequestArchive 返回新建或已存在的未结束任务，created 表示是否新建。
	RequestArchive(ctx context.Context, req ArchiveRequest) (job *model.ArchiveJob, created bool, err error)
	Get(ctx context.Context, archiveID string) (*model.ArchiveJob, error)
	Cancel(ctx context.Context, archiveID string) (*model.ArchiveJob, error)
	// OpenArtifact 打开 ready 状态的归档产物。调用方必须关闭返回值。
	OpenArtifact(ctx context.Context, archiveID string) (*storage.ArchiveObject, *model.ArchiveJob, error)
	// Generate 生成归档并把任务推进到 ready 或 failed。任务必须已处于 generating 状态。
	Generate(ctx context.Context, job *model.ArchiveJob) error
	RunMaintenance(ctx context.Context)
	Start(ctx context.Context)
	Stop()
}

type archiveService struct {
	catalog  repository.CatalogRepository
	store    ByteStore
	archives storage.ArchiveStore
	emitter  events.Emitter
	opts     ArchiveOptions

	queue chan string

	mu      sync.Mutex
	running map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiveService 创建一个新的 ArchiveService 实例。调用 Start 之后才会处理任务。
func NewArchiveService(catalog repository.CatalogRepository, store ByteStore, archives storage.ArchiveStore, emitter events.Emitter, opts ArchiveOptions) ArchiveService {
	opts.applyDefaults()
	return &archiveService{
		catalog:  catalog,
		store:    store,
		archives: archives,
		emitter:  emitter,
		opts:     opts,
		queue:    make(chan string, opts.QueueSize),
		running:  make(map[string]context.CancelFunc),
	}
}

// RequestArchive 先按 (shootId, type) 去重，再解析和过滤文件列表，最后原子地插入任务。
func (s *archiveService) RequestArchive(ctx context.Context, req ArchiveRequest) (*model.ArchiveJob, bool, error) {
	log.Infof("[RequestArchive] 收到归档请求, shootId: %s, type: %s, 文件数: %d", req.ShootID, req.Type, len(req.FileIDs))

	if strings.TrimSpace(req.ShootID) == "" {
		return nil, false, validationErr("shootId is required")
	}
	if !req.Type.Valid() {
		return nil, false, validationErr("unknown archive type %q", req.Type)
	}
	// complete 归档包含仅摄影师可见的文件
	if req.Type == model.ArchiveTypeComplete && !model.CanSeePhotographerOnly(req.Role) {
		return nil, false, ErrAccessDenied
	}

	existing, err := s.catalog.GetActiveArchiveJob(ctx, req.ShootID, req.Type)
	if err == nil {
		log.Infof("[RequestArchive] 已有未结束的任务, archiveId: %s, status: %s", existing.ID, existing.Status)
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	records, err := s.resolveFiles(ctx, req)
	if err != nil {
		return nil, false, err
	}

	fileIDs := make([]string, 0, len(records))
	var estimated int64
	for _, rec := range records {
		if !req.Type.Includes(rec.Type) {
			continue
		}
		if rec.PhotographerOnly && req.Type != model.ArchiveTypeComplete {
			continue
		}
		fileIDs = append(fileIDs, rec.ID)
		estimated += rec.Size
	}

	job, created, err := s.catalog.CreateArchiveJob(ctx, &model.ArchiveJob{
		ID:            uuid.NewString(),
		ShootID:       req.ShootID,
		Type:          req.Type,
		FileIDs:       fileIDs,
		Status:        model.ArchiveQueued,
		RequestedBy:   req.RequestedBy,
		EstimatedSize: estimated,
	})
	if err != nil {
		log.Errorf("[RequestArchive] 创建归档任务失败, shootId: %s, error: %v", req.ShootID, err)
		return nil, false, err
	}
	if created {
		log.Infof("[RequestArchive] 归档任务已创建, archiveId: %s, 文件数: %d, 预估大小: %d", job.ID, len(fileIDs), estimated)
		s.enqueue(job.ID)
	}
	return job, created, nil
}

// resolveFiles 按请求顺序返回文件记录。显式给出的 ID 必须存在且属于该拍摄。
func (s *archiveService) resolveFiles(ctx context.Context, req ArchiveRequest) ([]*model.FileRecord, error) {
	if len(req.FileIDs) == 0 {
		records, err := s.catalog.ListByShoot(ctx, req.ShootID)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, validationErr("shoot %s has no files", req.ShootID)
		}
		return records, nil
	}

	found, err := s.catalog.GetMany(ctx, req.FileIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.FileRecord, len(found))
	for _, rec := range found {
		byID[rec.ID] = rec
	}
	records := make([]*model.FileRecord, 0, len(req.FileIDs))
	seen := make(map[string]bool, len(req.FileIDs))
	for _, id := range req.FileIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		rec, ok := byID[id]
		if !ok || rec.ShootID != req.ShootID {
			return nil, validationErr("file %s not found in shoot %s", id, req.ShootID)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *archiveService) Get(ctx context.Context, archiveID string) (*model.ArchiveJob, error) {
	job, err := s.catalog.GetArchiveJob(ctx, archiveID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// Cancel 取消本进程内正在生成的任务，或直接把排队中的任务标记为失败。
func (s *archiveService) Cancel(ctx context.Context, archiveID string) (*model.ArchiveJob, error) {
	job, err := s.Get(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, validationErr("archive %s is already %s", archiveID, job.Status)
	}

	s.mu.Lock()
	if cancel, ok := s.running[archiveID]; ok {
		cancel()
	}
	s.mu.Unlock()

	// 其他实例上的 worker 会在下一次心跳时发现任务已失败并自行停止
	s.fail(ctx, job, "", reasonCancelled)
	log.Infof("[Cancel] 归档任务已取消, archiveId: %s", archiveID)
	return s.Get(ctx, archiveID)
}

func (s *archiveService) OpenArtifact(ctx context.Context, archiveID string) (*storage.ArchiveObject, *model.ArchiveJob, error) {
	job, err := s.Get(ctx, archiveID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != model.ArchiveReady {
		return nil, job, ErrNotFound
	}
	if job.ExpiresAt != nil && !s.opts.Now().Before(*job.ExpiresAt) {
		return nil, job, ErrArchiveExpired
	}
	obj, err := s.archives.Open(ctx, archiveID)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, job, ErrArchiveExpired
		}
		return nil, job, err
	}
	return obj, job, nil
}

// Generate 依次把每个文件流式写入 ZIP 条目，任何时刻只有一个文件的读取窗口驻留内存。
// 失败时丢弃已写入的字节，任务记录为 failed 并带上出错的 fileId。
func (s *archiveService) Generate(ctx context.Context, job *model.ArchiveJob) error {
	started := time.Now()
	// 状态更新不能因为生成被取消而丢失
	bg := context.WithoutCancel(ctx)

	size, err := s.writeArchive(ctx, job)
	if err != nil {
		var failedFileID string
		var genErr *ArchiveGenerationError
		if errors.As(err, &genErr) {
			failedFileID = genErr.FileID
		}
		reason := err.Error()
		if errors.Is(err, context.Canceled) {
			reason = reasonCancelled
		}
		log.Errorf("[Generate] 归档生成失败, archiveId: %s, error: %v", job.ID, err)
		s.fail(bg, job, failedFileID, reason)
		return err
	}

	now := s.opts.Now().UTC()
	expiresAt := now.Add(s.opts.TTL)
	url, err := s.archives.URL(bg, job.ID, s.opts.TTL)
	if err != nil {
		_ = s.archives.Delete(bg, job.ID)
		s.fail(bg, job, "", err.Error())
		return &ArchiveGenerationError{Err: err}
	}
	ok, err := s.catalog.MarkArchiveReady(bg, job.ID, size, url, s.archives.Key(job.ID), now, expiresAt)
	if err != nil || !ok {
		// 任务在生成期间被取消或判定为失联，产物不能对外可见
		_ = s.archives.Delete(bg, job.ID)
		if err == nil {
			err = &ArchiveGenerationError{Err: errors.New("job is no longer generating")}
		}
		log.Warnf("[Generate] 归档已生成但任务状态已变化，丢弃产物, archiveId: %s, error: %v", job.ID, err)
		return err
	}

	archiveJobsTotal.WithLabelValues(string(model.ArchiveReady)).Inc()
	archiveGenerationSeconds.Observe(time.Since(started).Seconds())
	s.emitter.Emit(bg, events.ArchiveReady, events.ArchiveReadyPayload{
		ArchiveID:   job.ID,
		ShootID:     job.ShootID,
		Type:        string(job.Type),
		ArchiveSize: size,
		DownloadURL: url,
		ExpiresAt:   expiresAt,
	})
	log.Infof("[Generate] 归档生成完成, archiveId: %s, 文件数: %d, 大小: %d", job.ID, len(job.FileIDs), size)
	return nil
}

// writeArchive 生成 ZIP 并提交到归档存储，返回归档大小。失败时产物已被丢弃。
func (s *archiveService) writeArchive(ctx context.Context, job *model.ArchiveJob) (int64, error) {
	w, err := s.archives.Create(ctx, job.ID)
	if err != nil {
		return 0, &ArchiveGenerationError{Err: err}
	}
	abort := func(fileID string, err error) (int64, error) {
		if abortErr := w.Abort(); abortErr != nil {
			log.Warnf("[Generate] 丢弃未完成的归档失败, archiveId: %s, error: %v", job.ID, abortErr)
		}
		return 0, &ArchiveGenerationError{FileID: fileID, Err: err}
	}

	zw := zip.NewWriter(w)
	names := newEntryNames()
	for _, fileID := range job.FileIDs {
		if err := ctx.Err(); err != nil {
			return abort(fileID, err)
		}
		rec, err := s.catalog.Get(ctx, fileID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				err = fmt.Errorf("file %s: %w", fileID, ErrNotFound)
			}
			return abort(fileID, err)
		}
		if err := s.writeEntry(ctx, zw, names.next(rec), rec); err != nil {
			return abort(fileID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return abort("", err)
	}
	size, err := w.Commit()
	if err != nil {
		return 0, &ArchiveGenerationError{Err: err}
	}
	return size, nil
}

func (s *archiveService) writeEntry(ctx context.Context, zw *zip.Writer, name string, rec *model.FileRecord) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   entryMethod(rec.Type),
		Modified: rec.CreatedAt,
	}
	hdr.SetMode(0o644)
	ew, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := s.store.ReadRange(ctx, rec, 0, rec.Size-1)
	if err != nil {
		return err
	}
	defer src.Close()

	n, err := io.Copy(ew, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return err
	}
	if n != rec.Size {
		return fmt.Errorf("%w: expected %d bytes, read %d", storage.ErrSizeMismatch, rec.Size, n)
	}
	return nil
}

// entryMethod 决定 ZIP 条目的压缩方式。JPEG 和 RAW 本身已压缩，再压缩只会浪费 CPU。
func entryMethod(t model.FileType) uint16 {
	switch t {
	case model.FileTypeSidecar, model.FileTypeConfig:
		return zip.Deflate
	}
	return zip.Store
}

// entryNames 保证归档内的条目名唯一，重名的文件追加 (1)、(2)…
type entryNames map[string]bool

func newEntryNames() entryNames {
	return make(entryNames)
}

func (n entryNames) next(rec *model.FileRecord) string {
	base := path.Base(strings.ReplaceAll(rec.OriginalName, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = rec.ID
	}
	name := base
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; n[strings.ToLower(name)]; i++ {
		name = stem + " (" + strconv.Itoa(i) + ")" + ext
	}
	n[strings.ToLower(name)] = true
	return name
}

// ctxReader 让长时间的拷贝能及时响应取消。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// fail 把任务标记为失败并发布 archive.failed。任务已经结束时什么都不做。
func (s *archiveService) fail(ctx context.Context, job *model.ArchiveJob, fileID, reason string) {
	now := s.opts.Now().UTC()
	ok, err := s.catalog.MarkArchiveFailed(ctx, job.ID, fileID, reason, now, now.Add(s.opts.TTL))
	if err != nil {
		log.Errorf("[Generate] 标记归档失败状态出错, archiveId: %s, error: %v", job.ID, err)
		return
	}
	if !ok {
		return
	}
	archiveJobsTotal.WithLabelValues(string(model.ArchiveFailed)).Inc()
	s.emitter.Emit(ctx, events.ArchiveFailed, events.ArchiveFailedPayload{
		ArchiveID:    job.ID,
		ShootID:      job.ShootID,
		Type:         string(job.Type),
		FailedFileID: fileID,
		Error:        reason,
	})
}

// enqueue 把任务放进队列。队列满时不阻塞请求，维护任务会把遗留的 queued 任务重新入队。
func (s *archiveService) enqueue(archiveID string) {
	select {
	case s.queue <- archiveID:
		archiveQueueDepth.Set(float64(len(s.queue)))
	default:
		log.Warnf("[RequestArchive] 归档队列已满，等待维护任务重新入队, archiveId: %s", archiveID)
	}
}

// Start 启动 worker 和维护任务。
func (s *archiveService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.maintenanceLoop(ctx)
	log.Infof("归档 worker 已启动，数量: %d", s.opts.Workers)
}

// Stop 停止 worker 并等待正在生成的任务退出。被中断的任务会被标记为失败。
func (s *archiveService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	log.Info("归档 worker 已停止")
}

func (s *archiveService) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			archiveQueueDepth.Set(float64(len(s.queue)))
			s.process(ctx, id)
		}
	}
}

// process 抢占任务 (queued → generating 是条件更新，只有一个 worker 能成功)，然后生成。
func (s *archiveService) process(ctx context.Context, archiveID string) {
	ok, err := s.catalog.MarkArchiveGenerating(ctx, archiveID)
	if err != nil {
		log.Errorf("[Worker] 抢占归档任务失败, archiveId: %s, error: %v", archiveID, err)
		return
	}
	if !ok {
		return
	}
	job, err := s.catalog.GetArchiveJob(ctx, archiveID)
	if err != nil {
		log.Errorf("[Worker] 读取归档任务失败, archiveId: %s, error: %v", archiveID, err)
		return
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.running[archiveID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, archiveID)
		s.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(genCtx, done, cancel, archiveID)

	_ = s.Generate(genCtx, job)
}

// heartbeat 定期刷新 updated_at。发现任务已不在 generating 状态 (例如被其他实例取消) 时中止生成。
func (s *archiveService) heartbeat(ctx context.Context, done <-chan struct{}, cancel context.CancelFunc, archiveID string) {
	interval := s.opts.StaleAfter / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.catalog.TouchArchiveJob(ctx, archiveID); err != nil {
				log.Warnf("[Worker] 归档任务心跳失败, archiveId: %s, error: %v", archiveID, err)
				continue
			}
			job, err := s.catalog.GetArchiveJob(ctx, archiveID)
			if err == nil && job.Status != model.ArchiveGenerating {
				log.Infof("[Worker] 归档任务已不在生成状态，中止, archiveId: %s, status: %s", archiveID, job.Status)
				cancel()
				return
			}
		}
	}
}

func (s *archiveService) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()
	s.RunMaintenance(ctx)

	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance 清理过期任务和产物，把心跳超时的任务判为失败，并重新入队遗留的 queued 任务。
// 每一步的错误只记录日志，不影响后续步骤。
func (s *archiveService) RunMaintenance(ctx context.Context) {
	now := s.opts.Now().UTC()

	expired, err := s.catalog.ListExpiredArchiveJobs(ctx, now)
	if err != nil {
		log.Errorf("[Maintenance] 查询过期归档失败: %v", err)
	}
	for _, job := range expired {
		if err := s.archives.Delete(ctx, job.ID); err != nil {
			log.Errorf("[Maintenance] 删除过期归档产物失败, archiveId: %s, error: %v", job.ID, err)
			continue
		}
		if err := s.catalog.DeleteArchiveJob(ctx, job.ID); err != nil {
			log.Errorf("[Maintenance] 删除过期归档记录失败, archiveId: %s, error: %v", job.ID, err)
		}
	}

	stale, err := s.catalog.ListStaleArchiveJobs(ctx, now.Add(-s.opts.StaleAfter))
	if err != nil {
		log.Errorf("[Maintenance] 查询失联归档任务失败: %v", err)
	}
	for _, job := range stale {
		log.Warnf("[Maintenance] 归档任务心跳超时，判为失败, archiveId: %s", job.ID)
		_ = s.archives.Delete(ctx, job.ID)
		s.fail(ctx, job, "", "worker lost")
	}

	queued, err := s.catalog.ListQueuedArchiveJobs(ctx)
	if err != nil {
		log.Errorf("[Maintenance] 查询排队中的归档任务失败: %v", err)
	}
	for _, job := range queued {
		s.enqueue(job.ID)
	}

	if len(expired)+len(stale) > 0 {
		log.Infof("[Maintenance] 维护完成, 过期: %d, 失联: %d, 重新入队: %d", len(expired), len(stale), len(queued))
	}
}

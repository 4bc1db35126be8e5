package repository

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
)

var (
	fileCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studio_catalog_cache_hits_total",
		Help: "文件记录缓存命中次数",
	})
	fileCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studio_catalog_cache_misses_total",
		Help: "文件记录缓存未命中次数",
	})
)

// cachedCatalogRepository 在 CatalogRepository 前面加一层进程内 LRU，只缓存 Get。
// 下载路径上每个 Range 请求都要查一次记录，缓存可以挡掉大部分数据库访问。
type cachedCatalogRepository struct {
	CatalogRepository
	cache *expirable.LRU[string, *model.FileRecord]
}

// NewCachedCatalogRepository 包装一个 CatalogRepository。size <= 0 时直接返回 inner。
func NewCachedCatalogRepository(inner CatalogRepository, size int, ttl time.Duration) CatalogRepository {
	if size <= 0 {
		return inner
	}
	return &cachedCatalogRepository{
		CatalogRepository: inner,
		cache:             expirable.NewLRU[string, *model.FileRecord](size, nil, ttl),
	}
}

func (r *cachedCatalogRepository) Get(ctx context.Context, fileID string) (*model.FileRecord, error) {
	if rec, ok := r.cache.Get(fileID); ok {
		fileCacheHitsTotal.Inc()
		cp := *rec
		return &cp, nil
	}
	fileCacheMissesTotal.Inc()
	rec, err := r.CatalogRepository.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	cp := *rec
	r.cache.Add(fileID, &cp)
	return rec, nil
}

func (r *cachedCatalogRepository) MarkDeleted(ctx context.Context, fileID string, at time.Time) error {
	r.cache.Remove(fileID)
	err := r.CatalogRepository.MarkDeleted(ctx, fileID, at)
	r.cache.Remove(fileID)
	return err
}

func (r *cachedCatalogRepository) UpdateProcessing(ctx context.Context, fileID string, status model.ProcessingStatus, checksum string) error {
	err := r.CatalogRepository.UpdateProcessing(ctx, fileID, status, checksum)
	r.cache.Remove(fileID)
	return err
}

package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
)

// ChunkStore 是 (fileId, index) → 分片字节的持久化映射，带过期时间。
type ChunkStore interface {
	// Put 写入一个分片。ExpiresAt 已过去的分片不会被写入。
	Put(ctx context.Context, chunk *model.Chunk) error
	// GetRange 读取 [first, last] 区间的分片，缺失或过期的位置为 nil。
	GetRange(ctx context.Context, fileID string, first, last int) ([][]byte, error)
	// DeleteFile 删除文件的全部分片。
	DeleteFile(ctx context.Context, fileID string, chunkCount int) error
	// SweepExpired 删除 expiresAt 早于 now 的分片，返回删除数量。
	SweepExpired(ctx context.Context, now time.Time, batch int) (int, error)
}

// expiryIndexKey 是记录所有分片过期时间的有序集合，score 为 expiresAt (毫秒)。
const expiryIndexKey = "chunk:expiry"

// RedisChunkStore 是 ChunkStore 的 Redis 实现。
// 分片字节存放在 chunk:{fileId}:{index}，使用 Redis 原生过期；
// 有序集合 chunk:expiry 为清扫任务提供按过期时间的索引。
type RedisChunkStore struct {
	rdb *redis.Client
}

// NewRedisChunkStore 创建一个新的 RedisChunkStore 实例。
func NewRedisChunkStore(rdb *redis.Client) *RedisChunkStore {
	return &RedisChunkStore{rdb: rdb}
}

func chunkKey(fileID string, index int) string {
	return "chunk:" + fileID + ":" + strconv.Itoa(index)
}

func chunkMember(fileID string, index int) string {
	return fileID + ":" + strconv.Itoa(index)
}

// Put 在一个事务管道里写入分片数据和过期索引。
func (s *RedisChunkStore) Put(ctx context.Context, chunk *model.Chunk) error {
	ttl := time.Until(chunk.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, chunkKey(chunk.FileID, chunk.Index), chunk.Data, ttl)
		pipe.ZAdd(ctx, expiryIndexKey, &redis.Z{
			Score:  float64(chunk.ExpiresAt.UnixMilli()),
			Member: chunkMember(chunk.FileID, chunk.Index),
		})
		return nil
	})
	return err
}

// GetRange 用一次 MGET 读取连续的分片。
func (s *RedisChunkStore) GetRange(ctx context.Context, fileID string, first, last int) ([][]byte, error) {
	if last < first {
		return nil, nil
	}
	keys := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		keys = append(keys, chunkKey(fileID, i))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

// DeleteFile 删除文件的全部分片和对应的过期索引。
func (s *RedisChunkStore) DeleteFile(ctx context.Context, fileID string, chunkCount int) error {
	if chunkCount <= 0 {
		return nil
	}
	keys := make([]string, 0, chunkCount)
	members := make([]interface{}, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		keys = append(keys, chunkKey(fileID, i))
		members = append(members, chunkMember(fileID, i))
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, expiryIndexKey, members...)
		return nil
	})
	return err
}

// SweepExpired 按批次取出已过期的索引项并删除对应分片。
// 与读取并发执行是安全的：读到已删除分片的请求会走文件系统回退路径。
func (s *RedisChunkStore) SweepExpired(ctx context.Context, now time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 1000
	}
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	deleted := 0
	for {
		members, err := s.rdb.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: int64(batch),
		}).Result()
		if err != nil {
			return deleted, err
		}
		if len(members) == 0 {
			return deleted, nil
		}

		keys := make([]string, 0, len(members))
		toRemove := make([]interface{}, 0, len(members))
		for _, m := range members {
			sep := strings.LastIndex(m, ":")
			if sep <= 0 {
				toRemove = append(toRemove, m)
				continue
			}
			keys = append(keys, "chunk:"+m)
			toRemove = append(toRemove, m)
		}
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(keys) > 0 {
				pipe.Del(ctx, keys...)
			}
			pipe.ZRem(ctx, expiryIndexKey, toRemove...)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("删除过期分片失败: %w", err)
		}
		deleted += len(keys)
		if len(members) < batch {
			return deleted, nil
		}
	}
}

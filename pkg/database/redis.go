package database

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
)

// RDB 承载分片影子副本和流水线的重试计数。
var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接
func InitRedis(addr, password string, db int) {
	RDB = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		// 一个窗口的 MGET 可能有数 MB
		ReadTimeout: 10 * time.Second,
	})

	// 测试连接
	ctx := context.Background()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
}

// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/romdj/tempsdarret.studio-sub002/internal/config"
	"github.com/romdj/tempsdarret.studio-sub002/internal/handler"
	"github.com/romdj/tempsdarret.studio-sub002/internal/middleware"
	"github.com/romdj/tempsdarret.studio-sub002/internal/pipeline"
	"github.com/romdj/tempsdarret.studio-sub002/internal/repository"
	"github.com/romdj/tempsdarret.studio-sub002/internal/service"
	"github.com/romdj/tempsdarret.studio-sub002/internal/storage"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/database"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/events"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/kafka"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/objectstore"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/token"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 4. 初始化 Repository
	catalog := repository.NewCachedCatalogRepository(
		repository.NewCatalogRepository(database.DB),
		cfg.Cache.Size,
		cfg.Cache.TTL,
	)

	// 5. 初始化存储引擎
	fsStore, err := storage.NewFilesystemStore(cfg.Storage.RootDir)
	if err != nil {
		log.Fatal("初始化文件存储失败", err)
	}
	store := storage.NewService(fsStore, storage.NewRedisChunkStore(database.RDB),
		storage.WithChunkTTL(cfg.Storage.ChunkTTL),
		storage.WithReadWindow(cfg.Storage.ReadWindowChunks),
	)
	sweeper := storage.NewSweeper(store, cfg.Storage.SweepInterval)
	sweeper.Start(rootCtx)

	archiveStore, err := newArchiveStore(rootCtx, cfg)
	if err != nil {
		log.Fatal("初始化归档存储失败", err)
	}

	// 6. 事件发布：启用 Kafka 时发布到 Kafka，同时保留日志
	var emitter events.Emitter = events.LogEmitter{}
	var kafkaEmitter *kafka.Emitter
	if cfg.Kafka.Enabled {
		kafkaEmitter = kafka.NewEmitter(cfg.Kafka)
		emitter = events.Multi{events.LogEmitter{}, kafkaEmitter}
	}

	// 7. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	fileService := service.NewFileService(catalog, store, emitter, cfg.Storage.MaxUploadSize)
	downloadService := service.NewDownloadService(fileService, store)
	archiveService := service.NewArchiveService(catalog, store, archiveStore, emitter, service.ArchiveOptions{
		TTL:                 cfg.Archive.TTL,
		Workers:             cfg.Archive.Workers,
		QueueSize:           cfg.Archive.QueueSize,
		StaleAfter:          cfg.Archive.StaleAfter,
		MaintenanceInterval: cfg.Archive.MaintenanceInterval,
	})
	archiveService.Start(rootCtx)

	// 8. 启动后台 Kafka 消费者，执行上传后的完整性校验
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		processor := pipeline.NewProcessor(catalog, store)
		go func() {
			defer close(consumerDone)
			kafka.StartConsumer(rootCtx, cfg.Kafka, processor, database.RDB)
		}()
	} else {
		close(consumerDone)
		log.Info("Kafka 未启用，file.uploaded 事件只写入日志")
	}

	// 9. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), middleware.Metrics(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "ok", "data": nil})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 10. 注册路由，所有业务接口都需要认证
	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	handler.RegisterRoutes(apiV1,
		handler.NewFileHandler(fileService, downloadService, cfg.Storage.MaxUploadSize),
		handler.NewArchiveHandler(archiveService, cfg.Archive.StatusPollInterval),
	)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 先停止接收新请求，再停止后台任务
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	stop()
	archiveService.Stop()
	sweeper.Stop()
	<-consumerDone
	store.WaitBackground()
	if kafkaEmitter != nil {
		if err := kafkaEmitter.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// newArchiveStore 按配置选择归档产物的存放位置。
func newArchiveStore(ctx context.Context, cfg config.Config) (storage.ArchiveStore, error) {
	switch cfg.Archive.Backend {
	case "minio":
		client, err := objectstore.NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		log.Infof("归档存储使用 MinIO, bucket: %s", cfg.MinIO.BucketName)
		return storage.NewMinIOArchiveStore(client, cfg.MinIO.BucketName), nil
	case "", "filesystem":
		log.Infof("归档存储使用本地目录: %s", cfg.Archive.Dir)
		return storage.NewFilesystemArchiveStore(cfg.Archive.Dir, cfg.Server.PublicBaseURL)
	}
	return nil, fmt.Errorf("未知的归档存储后端: %s", cfg.Archive.Backend)
}

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
)

// SweepResult 是一次清扫的结果。
type SweepResult struct {
	Deleted  int
	Err      error
	Duration time.Duration
}

// Sweeper 按固定间隔清扫过期分片。清扫失败只记录日志，下一轮重试。
type Sweeper struct {
	svc      *Service
	interval time.Duration

	mu     sync.Mutex // 防止 RunOnce 并发执行
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper 创建一个新的 Sweeper 实例。
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{svc: svc, interval: interval}
}

// Start 启动后台清扫协程。
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.done = make(chan struct{})
	go sw.run(ctx)
	log.Infof("分片清扫任务已启动，间隔 %s", sw.interval)
}

// Stop 停止后台清扫并等待当前一轮结束。
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
	log.Info("分片清扫任务已停止")
}

func (sw *Sweeper) run(ctx context.Context) {
	defer close(sw.done)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮清扫。
func (sw *Sweeper) RunOnce(ctx context.Context) SweepResult {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	start := time.Now()
	deleted, err := sw.svc.SweepExpiredChunks(ctx)
	result := SweepResult{Deleted: deleted, Err: err, Duration: time.Since(start)}

	sweepRunsTotal.Inc()
	sweepChunksDeletedTotal.Add(float64(deleted))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	if err != nil {
		sweepErrorsTotal.Inc()
		log.Errorw("[Sweep] 清扫过期分片失败，将在下一轮重试", "deleted", deleted, "error", err)
		return result
	}
	log.Infow("[Sweep] 清扫完成", "deleted", deleted, "duration", result.Duration.String())
	return result
}

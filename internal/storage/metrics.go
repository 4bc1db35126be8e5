package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 存储引擎的 Prometheus 指标
var (
	storedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_storage_files_stored_total",
			Help: "按存储模式统计的写入文件数",
		},
		[]string{"mode"},
	)

	chunkReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_storage_chunk_window_reads_total",
			Help: "分片模式下按来源统计的窗口读取次数 (chunk 或 fallback)",
		},
		[]string{"source"},
	)

	chunkRepopulatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studio_storage_chunks_repopulated_total",
			Help: "从文件系统回填的分片数量",
		},
	)

	sweepRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studio_storage_sweep_runs_total",
			Help: "分片清扫执行次数",
		},
	)

	sweepChunksDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studio_storage_sweep_chunks_deleted_total",
			Help: "清扫删除的过期分片数量",
		},
	)

	sweepErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studio_storage_sweep_errors_total",
			Help: "清扫失败次数",
		},
	)

	sweepDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studio_storage_sweep_duration_seconds",
			Help:    "分片清扫耗时 (秒)",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)
)

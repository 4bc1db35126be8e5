package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	archiveJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_archive_jobs_total",
			Help: "按结果统计的归档任务数 (ready, failed)",
		},
		[]string{"status"},
	)

	archiveGenerationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studio_archive_generation_seconds",
			Help:    "归档生成耗时 (秒)",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	archiveQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studio_archive_queue_depth",
			Help: "等待 worker 处理的归档任务数",
		},
	)
)

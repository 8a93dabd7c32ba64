// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。实现 cache.Recorder 与 maintenance.Recorder，
// 供嵌入缓存与维护调度器上报运行指标。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 嵌入指标
	embeddingDuration prometheus.Histogram
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec

	// 记忆操作指标
	memoryOpsTotal   *prometheus.CounterVec
	vectorOpDuration *prometheus.HistogramVec

	// 维护指标
	sweepItems         *prometheus.CounterVec
	sweepDuration      *prometheus.HistogramVec
	reconcileExhausted prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 嵌入指标
	c.embeddingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_duration_seconds",
			Help:      "Embedding provider call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Total number of embedding cache hits",
		},
		[]string{"tier"}, // tier: pool, external
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Total number of embedding cache misses",
		},
		[]string{"tier"},
	)

	// 记忆操作指标
	c.memoryOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Total number of memory service operations",
		},
		[]string{"operation", "status"}, // operation: create, search, delete, ...
	)

	c.vectorOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vector_op_duration_seconds",
			Help:      "Vector store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"}, // operation: upsert, search, delete
	)

	// 维护指标
	c.sweepItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_items_total",
			Help:      "Total number of items processed by maintenance jobs",
		},
		[]string{"job"},
	)

	c.sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_job_duration_seconds",
			Help:      "Maintenance job duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"job"},
	)

	c.reconcileExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_reconcile_exhausted_total",
			Help:      "Memories whose vector reconciliation budget was exhausted",
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 💾 嵌入缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(tier string) {
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// RecordEmbedding 记录一次嵌入模型调用耗时
func (c *Collector) RecordEmbedding(duration time.Duration) {
	c.embeddingDuration.Observe(duration.Seconds())
}

// =============================================================================
// 🧠 记忆操作指标记录
// =============================================================================

// RecordMemoryOperation 记录记忆服务操作
func (c *Collector) RecordMemoryOperation(operation, status string) {
	c.memoryOpsTotal.WithLabelValues(operation, status).Inc()
}

// RecordVectorOp 记录向量存储操作耗时
func (c *Collector) RecordVectorOp(operation string, duration time.Duration) {
	c.vectorOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// =============================================================================
// 🧹 维护指标记录
// =============================================================================

// RecordSweep 记录一次维护任务执行
func (c *Collector) RecordSweep(job string, items int, duration time.Duration) {
	c.sweepItems.WithLabelValues(job).Add(float64(items))
	c.sweepDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordReconcileExhausted 记录一次向量补偿预算耗尽
func (c *Collector) RecordReconcileExhausted() {
	c.reconcileExhausted.Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

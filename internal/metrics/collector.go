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

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Run 指标
	runsCreatedTotal   *prometheus.CounterVec
	runsCompletedTotal *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	queueDepth         prometheus.Gauge

	// 流式订阅指标
	activeSubscriptions prometheus.Gauge
	eventsPublished     *prometheus.CounterVec
	heartbeatsEmitted   prometheus.Counter

	// 缓存指标
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时使用全局默认 Registerer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Run 指标
	c.runsCreatedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_created_total",
			Help:      "Total number of runs created",
		},
		[]string{"kind"}, // kind: stateful, stateless, cron
	)

	c.runsCompletedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of runs reaching a terminal status",
		},
		[]string{"status"}, // status: success, error, interrupted
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of runs waiting to be picked up by a worker",
		},
	)

	// 流式订阅指标
	c.activeSubscriptions = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscriptions_active",
			Help:      "Number of open run stream subscriptions",
		},
	)

	c.eventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_published_total",
			Help:      "Total number of stream events published",
		},
		[]string{"mode"},
	)

	c.heartbeatsEmitted = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_heartbeats_emitted_total",
			Help:      "Total number of keepalive chunks emitted while waiting",
		},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
	)

	c.cacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
	)

	return c
}

// =============================================================================
// 🎯 记录方法（nil 安全：未配置收集器时为空操作）
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRunCreated 记录 run 创建
func (c *Collector) RecordRunCreated(kind string) {
	if c == nil {
		return
	}
	c.runsCreatedTotal.WithLabelValues(kind).Inc()
}

// RecordRunCompleted 记录 run 终态
func (c *Collector) RecordRunCompleted(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsCompletedTotal.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetQueueDepth 更新等待队列深度
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// SubscriptionOpened 订阅打开
func (c *Collector) SubscriptionOpened() {
	if c == nil {
		return
	}
	c.activeSubscriptions.Inc()
}

// SubscriptionClosed 订阅关闭
func (c *Collector) SubscriptionClosed() {
	if c == nil {
		return
	}
	c.activeSubscriptions.Dec()
}

// RecordEventPublished 记录流事件发布
func (c *Collector) RecordEventPublished(mode string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(mode).Inc()
}

// RecordHeartbeat 记录 keepalive 填充
func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeatsEmitted.Inc()
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

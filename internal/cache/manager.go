// Package cache provides the Redis-backed terminal-run record cache. Reads
// for completed runs (join, get, stream replay) hit the cache before storage;
// the worker writes records through when runs finish. A nil *Manager is a
// valid no-op cache, so Redis stays optional in small deployments.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/internal/metrics"
)

// =============================================================================
// 💾 终态运行记录缓存 (terminal run record cache)
// =============================================================================

// Config 缓存配置 (cache configuration)
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 终态记录的过期时间 (TTL for terminal records)
	RecordTTL time.Duration `yaml:"record_ttl" json:"record_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultConfig 返回默认缓存配置 (default cache configuration)
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		Password:   "",
		DB:         0,
		RecordTTL:  time.Hour,
		MaxRetries: 3,
		PoolSize:   10,
	}
}

// RunRecord is the cached shape of a finished run.
type RunRecord struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Status      string          `json:"status"`
	StreamModes []string        `json:"stream_modes,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Manager 缓存管理器 (cache manager)
type Manager struct {
	redis     *redis.Client
	config    Config
	logger    *zap.Logger
	collector *metrics.Collector
	mu        sync.RWMutex
	closed    bool
}

// NewManager 创建缓存管理器并验证连接 (create the manager and verify the
// connection). collector may be nil.
func NewManager(config Config, logger *zap.Logger, collector *metrics.Collector) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
		PoolSize:   config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:     client,
		config:    config,
		logger:    logger.With(zap.String("component", "cache")),
		collector: collector,
	}

	logger.Info("run record cache initialized",
		zap.String("addr", config.Addr),
		zap.Duration("record_ttl", config.RecordTTL),
	)

	return m, nil
}

func runKey(runID string) string {
	return "graphflow:run:" + runID
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// GetRun 读取终态运行记录；未命中返回 (nil, nil)。
// (fetch a terminal record; miss returns (nil, nil))
func (m *Manager) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if m == nil {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("cache manager is closed")
	}

	val, err := m.redis.Get(ctx, runKey(runID)).Result()
	if err == redis.Nil {
		m.collector.RecordCacheMiss()
		return nil, nil
	}
	if err != nil {
		m.logger.Error("cache get failed", zap.String("run_id", runID), zap.Error(err))
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached run: %w", err)
	}
	m.collector.RecordCacheHit()
	return &record, nil
}

// PutRun 写入终态运行记录 (store a terminal record with the configured TTL).
func (m *Manager) PutRun(ctx context.Context, record *RunRecord) error {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	ttl := m.config.RecordTTL
	if ttl == 0 {
		ttl = time.Hour
	}

	if err := m.redis.Set(ctx, runKey(record.ID), data, ttl).Err(); err != nil {
		m.logger.Error("cache put failed", zap.String("run_id", record.ID), zap.Error(err))
		return fmt.Errorf("cache put failed: %w", err)
	}
	return nil
}

// Invalidate 删除缓存记录，幂等 (remove cached records; idempotent).
func (m *Manager) Invalidate(ctx context.Context, runIDs ...string) error {
	if m == nil || len(runIDs) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}

	keys := make([]string, len(runIDs))
	for i, id := range runIDs {
		keys[i] = runKey(id)
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		m.logger.Error("cache invalidate failed", zap.Strings("run_ids", runIDs), zap.Error(err))
		return fmt.Errorf("cache invalidate failed: %w", err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("cache manager is closed")
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭缓存管理器
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	m.closed = true
	m.logger.Info("closing run record cache")
	return m.redis.Close()
}

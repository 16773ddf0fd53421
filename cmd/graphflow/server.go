package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/api/handlers"
	"github.com/BaSui01/graphflow/config"
	"github.com/BaSui01/graphflow/internal/cache"
	"github.com/BaSui01/graphflow/internal/cron"
	"github.com/BaSui01/graphflow/internal/graph"
	"github.com/BaSui01/graphflow/internal/metrics"
	"github.com/BaSui01/graphflow/internal/queue"
	"github.com/BaSui01/graphflow/internal/server"
	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/internal/stream"
	"github.com/BaSui01/graphflow/internal/task"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 GraphFlow 的主服务器：HTTP 表面 + 后台执行队列 + 定时调度
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	store     *storage.Store
	cacheMgr  *cache.Manager
	broker    *stream.Broker
	registry  *task.Registry
	heartbeat *stream.Heartbeat
	queueMgr  *queue.Manager
	svc       *queue.Service
	executor  graph.Executor

	// 后台任务（队列 worker、元数据循环、cron 调度器）
	background *task.Group

	// Handlers
	healthHandler *handlers.HealthHandler
	runHandler    *handlers.RunHandler
	streamHandler *handlers.StreamHandler
	cronHandler   *handlers.CronHandler

	// 指标收集器
	promRegistry *prometheus.Registry
	collector    *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例。默认使用回显执行器，嵌入方可在
// Start 之前通过 SetExecutor 注入真实的图运行时。
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		executor: &graph.EchoExecutor{},
	}
}

// SetExecutor 替换图执行器，必须在 Start 之前调用。
func (s *Server) SetExecutor(exec graph.Executor) {
	s.executor = exec
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("graphflow", s.promRegistry, s.logger)

	// 2. 初始化存储和缓存
	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	// 3. 初始化流、队列和后台任务
	s.initRuntime()

	// 4. 初始化 Handlers
	s.initHandlers()

	// 5. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("queue_concurrency", s.cfg.Queue.Concurrency),
		zap.Bool("cron_enabled", s.cfg.Cron.Enabled),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage 打开数据库连接并按需连接 Redis
func (s *Server) initStorage() error {
	store, err := storage.Open(s.cfg.Database.DSN(), storage.DefaultPoolConfig(), s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	s.store = store
	s.logger.Info("Database connected", zap.String("driver", s.cfg.Database.Driver))

	if s.cfg.Redis.Enabled {
		cacheMgr, err := cache.NewManager(cache.Config{
			Addr:      s.cfg.Redis.Addr,
			Password:  s.cfg.Redis.Password,
			DB:        s.cfg.Redis.DB,
			PoolSize:  s.cfg.Redis.PoolSize,
			RecordTTL: s.cfg.Redis.RecordTTL,
		}, s.logger, s.collector)
		if err != nil {
			// 缓存是加速层，连不上时降级为纯数据库路径
			s.logger.Warn("Redis not available, run record cache disabled", zap.Error(err))
		} else {
			s.cacheMgr = cacheMgr
			s.logger.Info("Run record cache connected", zap.String("addr", s.cfg.Redis.Addr))
		}
	}
	return nil
}

// initRuntime 组装流中枢、执行队列和后台任务组
func (s *Server) initRuntime() {
	s.broker = stream.NewBroker(s.logger, s.collector)
	s.registry = task.NewRegistry(s.logger)
	s.heartbeat = &stream.Heartbeat{
		Interval:  s.cfg.Server.HeartbeatInterval,
		Registry:  s.registry,
		Collector: s.collector,
		Logger:    s.logger,
	}

	s.queueMgr = queue.NewManager(queue.Config{
		Concurrency:  s.cfg.Queue.Concurrency,
		PollInterval: s.cfg.Queue.PollInterval,
		JobTimeout:   s.cfg.Queue.JobTimeout,
	}, s.store, s.broker, s.cacheMgr, s.executor, s.logger, s.collector)
	s.svc = queue.NewService(s.store, s.cacheMgr, s.queueMgr, s.broker, s.logger)

	// 后台任务组：退出时统一取消并等待所有成员结束
	s.background = task.NewGroup(s.logger, true, true)
	s.background.Go("queue_workers", s.queueMgr.Run)
	s.background.Go("metadata_loop", s.queueMgr.MetadataLoop(s.cfg.Queue.MetadataInterval))

	if s.cfg.Cron.Active() {
		scheduler := cron.NewScheduler(cron.Config{
			Enabled:      s.cfg.Cron.Enabled,
			LicenseKey:   s.cfg.Cron.LicenseKey,
			PollInterval: s.cfg.Cron.PollInterval,
		}, s.store, s.logger)
		s.background.Go("cron_scheduler", scheduler.Run)
		s.logger.Info("Cron scheduler started",
			zap.Duration("poll_interval", s.cfg.Cron.PollInterval))
	}
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.store.Ping))
	if s.cacheMgr != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("cache", s.cacheMgr.Ping))
	}

	s.runHandler = handlers.NewRunHandler(s.store, s.svc, s.logger, s.collector)
	s.streamHandler = handlers.NewStreamHandler(s.store, s.broker, s.svc, s.heartbeat, s.logger, s.collector)

	// Cron handler 只在启用且持有许可证时注册路由
	if s.cfg.Cron.Active() {
		s.cronHandler = handlers.NewCronHandler(s.store, s.logger)
	}

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查和版本端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 运行编排 API
	// ========================================
	mux.HandleFunc("POST /runs", s.runHandler.HandleCreateRun)
	mux.HandleFunc("POST /runs/batch", s.runHandler.HandleCreateRunBatch)
	mux.HandleFunc("POST /runs/stream", s.streamHandler.HandleCreateRunStream)
	mux.HandleFunc("POST /runs/wait", s.streamHandler.HandleCreateRunWait)
	mux.HandleFunc("POST /threads/{thread_id}/runs", s.runHandler.HandleCreateRun)
	mux.HandleFunc("POST /threads/{thread_id}/runs/stream", s.streamHandler.HandleCreateRunStream)
	mux.HandleFunc("POST /threads/{thread_id}/runs/wait", s.streamHandler.HandleCreateRunWait)
	mux.HandleFunc("GET /threads/{thread_id}/runs", s.runHandler.HandleListRuns)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}", s.runHandler.HandleGetRun)
	mux.HandleFunc("DELETE /threads/{thread_id}/runs/{run_id}", s.runHandler.HandleDeleteRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}/join", s.streamHandler.HandleJoinRun)
	mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}/stream", s.streamHandler.HandleStreamRun)
	mux.HandleFunc("POST /threads/{thread_id}/runs/{run_id}/cancel", s.runHandler.HandleCancelRun)

	// ========================================
	// Cron API（特性开关 + 许可证）
	// ========================================
	if s.cronHandler != nil {
		mux.HandleFunc("POST /runs/crons", s.cronHandler.HandleCreateCron)
		mux.HandleFunc("POST /threads/{thread_id}/runs/crons", s.cronHandler.HandleCreateCron)
		mux.HandleFunc("POST /runs/crons/search", s.cronHandler.HandleSearchCrons)
		mux.HandleFunc("DELETE /runs/crons/{cron_id}", s.cronHandler.HandleDeleteCron)
		s.logger.Info("Cron API routes registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/ready", "/version"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.Server.APIKey != "" {
		middlewares = append(middlewares,
			APIKeyAuth(s.cfg.Server.APIKey, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// WriteTimeout 保持配置值（默认 0）：stream/wait 端点会长时间挂起响应
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager("api", handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器。MetricsPort 为 0 时禁用。
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务：先停 HTTP 入口，再停后台任务，最后关资源
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 HTTP 服务器（新请求停止进入）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 退出后台任务组：worker 收到取消后把在执行的运行重新入队
	if s.background != nil {
		if err := s.background.Exit(ctx); err != nil {
			s.logger.Error("Background task group exit error", zap.Error(err))
		}
	}

	// 4. 关闭流消费者登记表
	if s.registry != nil {
		s.registry.Close()
	}

	// 5. 释放存储资源
	if s.cacheMgr != nil {
		if err := s.cacheMgr.Close(); err != nil {
			s.logger.Error("Cache close error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

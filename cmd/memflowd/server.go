package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/api/handlers"
	"github.com/BaSui01/memflow/batch"
	"github.com/BaSui01/memflow/cache"
	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/embedding"
	redisconn "github.com/BaSui01/memflow/internal/cache"
	"github.com/BaSui01/memflow/internal/database"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/internal/server"
	"github.com/BaSui01/memflow/internal/telemetry"
	"github.com/BaSui01/memflow/maintenance"
	"github.com/BaSui01/memflow/memory"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/vectorstore"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 MemFlow 的主服务器，负责装配并管理所有组件的生命周期。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 基础设施
	redisManager *redisconn.Manager
	dbManager    *database.Manager
	tracing      *telemetry.Tracing

	// 业务组件
	memoryService *memory.Service
	maintenance   *maintenance.Scheduler

	// Handlers
	healthHandler *handlers.HealthHandler
	memoryHandler *handlers.MemoryHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	// 维护调度器生命周期
	maintenanceCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("memflow", s.logger)

	// 2. 初始化追踪
	tracing, err := telemetry.Setup(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", zap.Error(err))
	}
	s.tracing = tracing

	// 3. 装配业务组件
	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 4. 初始化 Handlers
	s.initHandlers()

	// 5. 启动维护调度器
	maintenanceCtx, maintenanceCancel := context.WithCancel(context.Background())
	s.maintenanceCancel = maintenanceCancel
	s.maintenance.Start(maintenanceCtx)

	// 6. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// 🔧 组件装配
// =============================================================================

// initComponents 按依赖顺序装配：嵌入 → 缓存 → 调度 → 存储 → 服务 → 维护
func (s *Server) initComponents() error {
	// 嵌入提供者
	provider := s.buildEmbeddingProvider()

	// Redis 连接（缓存外部层）；不可用时降级为单层缓存
	var redisManager *redisconn.Manager
	if s.cfg.Cache.EnableExternal {
		rm, err := redisconn.NewManager(redisconn.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			s.logger.Warn("redis unavailable, external cache tier disabled", zap.Error(err))
		} else {
			redisManager = rm
		}
	}
	s.redisManager = redisManager

	// 两级嵌入缓存
	cacheConfig := cache.Config{
		PoolSize:       s.cfg.Cache.PoolSize,
		PoolShards:     s.cfg.Cache.PoolShards,
		ExternalTTL:    s.cfg.Cache.ExternalTTL,
		EnableExternal: s.cfg.Cache.EnableExternal && redisManager != nil,
	}
	var redisClient *redis.Client
	if redisManager != nil {
		redisClient = redisManager.Client()
	}
	tieredCache := cache.NewTieredCache(provider, redisClient, cacheConfig, s.metricsCollector, s.logger)

	// 批处理调度器
	scheduler := batch.NewScheduler(tieredCache, batch.Config{
		SmallBatchThreshold: s.cfg.Batch.SmallBatchThreshold,
		ChunkSize:           s.cfg.Batch.ChunkSize,
		Concurrency:         s.cfg.Batch.Concurrency,
		RateLimit:           s.cfg.Batch.RateLimit,
	}, s.logger)

	// 数据库与记忆行存储
	dbManager, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.dbManager = dbManager

	memoryStore, err := store.NewMemoryStore(dbManager.DB(), s.logger)
	if err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}

	// 向量存储
	vectors := s.buildVectorStore(provider.Dimensions())

	// 记忆服务
	s.memoryService = memory.NewService(
		memoryStore,
		vectors,
		tieredCache,
		scheduler,
		memory.NewTiktokenCounter(s.cfg.Memory.TokenizerEncoding, s.logger),
		memory.Config{
			DefaultImportance:       s.cfg.Memory.DefaultImportance,
			DefaultScoreThreshold:   s.cfg.Memory.DefaultScoreThreshold,
			RelationshipMinStrength: s.cfg.Memory.RelationshipMinStrength,
			MaxSearchLimit:          s.cfg.Memory.MaxSearchLimit,
			NeighborsPerHop:         s.cfg.Memory.NeighborsPerHop,
		},
		s.logger,
	)

	// 维护调度器
	s.maintenance = maintenance.NewScheduler(memoryStore, vectors, tieredCache, &maintenance.Config{
		Interval:             s.cfg.Maintenance.Interval,
		ReconcileMaxAttempts: s.cfg.Maintenance.ReconcileMaxAttempts,
		ReconcileBackoffBase: s.cfg.Maintenance.ReconcileBackoffBase,
		LinkRetention:        s.cfg.Maintenance.LinkRetention,
		LinkMaxStrength:      s.cfg.Maintenance.LinkMaxStrength,
		EnableOptimize:       s.cfg.Maintenance.EnableOptimize,
	}, s.logger).WithRecorder(s.metricsCollector)

	s.logger.Info("Components initialized",
		zap.String("embedding_provider", provider.Name()),
		zap.String("vector_backend", s.cfg.VectorStore.Backend),
		zap.String("database_driver", s.cfg.Database.Driver),
	)
	return nil
}

// buildEmbeddingProvider 按配置创建嵌入提供者
func (s *Server) buildEmbeddingProvider() embedding.Provider {
	switch s.cfg.Embedding.Provider {
	case "local":
		return embedding.NewLocalProvider(embedding.LocalConfig{
			Dimensions: s.cfg.Embedding.Dimensions,
		})
	default:
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:     s.cfg.Embedding.APIKey,
			BaseURL:    s.cfg.Embedding.BaseURL,
			Model:      s.cfg.Embedding.Model,
			Dimensions: s.cfg.Embedding.Dimensions,
			Timeout:    s.cfg.Embedding.Timeout,
		})
	}
}

// buildVectorStore 按配置创建向量存储后端
func (s *Server) buildVectorStore(dimensions int) vectorstore.Store {
	switch s.cfg.VectorStore.Backend {
	case "qdrant":
		return vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			Host:       s.cfg.VectorStore.Host,
			Port:       s.cfg.VectorStore.Port,
			APIKey:     s.cfg.VectorStore.APIKey,
			Timeout:    s.cfg.VectorStore.Timeout,
			Dimensions: dimensions,
			Distance:   s.cfg.VectorStore.Distance,
		}, s.logger)
	default:
		return vectorstore.NewInMemoryStore(dimensions, s.logger)
	}
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.memoryHandler = handlers.NewMemoryHandler(s.memoryService, s.logger)

	// 就绪检查依赖
	if s.dbManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.dbManager.Ping))
	}
	if s.redisManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.redisManager.Ping))
	}

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 记忆 API 路由
	s.memoryHandler.Register(mux)

	// 构建中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

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

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止接收新请求
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 2. 停止后台任务
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.maintenance != nil {
		s.maintenance.Stop()
	}
	if s.maintenanceCancel != nil {
		s.maintenanceCancel()
	}

	// 3. 释放基础设施连接
	if s.redisManager != nil {
		if err := s.redisManager.Close(); err != nil {
			s.logger.Error("Redis shutdown error", zap.Error(err))
		}
	}
	if s.dbManager != nil {
		if err := s.dbManager.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}

	// 4. 冲刷未导出的 span
	if err := s.tracing.Shutdown(ctx); err != nil {
		s.logger.Error("Tracing shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}

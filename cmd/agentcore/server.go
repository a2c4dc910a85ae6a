package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/api/handlers"
	"github.com/BaSui01/agentcore/archive"
	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/dispatch"
	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/internal/database"
	"github.com/BaSui01/agentcore/internal/gateway"
	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/internal/retry"
	"github.com/BaSui01/agentcore/internal/server"
	"github.com/BaSui01/agentcore/internal/telemetry"
	"github.com/BaSui01/agentcore/internal/tlsutil"
	"github.com/BaSui01/agentcore/internal/tokenizer"
	"github.com/BaSui01/agentcore/merge"
	"github.com/BaSui01/agentcore/orchestrator"
	"github.com/BaSui01/agentcore/store"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装全部组件，管理 API 与 Metrics 两个监听以及后台循环
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	collector *metrics.Collector
	pool      *database.PoolManager
	store     *store.Store
	cache     *cache.Manager
	redis     redis.UniversalClient
	gridfs    *archive.GridFSStore

	dispatcher   *dispatch.Dispatcher
	consumer     *dispatch.Consumer
	archiver     *archive.Archiver
	merger       *merge.Engine
	orchestrator *orchestrator.Orchestrator
	health       *handlers.HealthHandler
	reloader     *config.Reloader

	httpManager    *server.Manager
	metricsManager *server.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 按配置构建组件。出错时已创建的资源会被释放。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Server, err error) {
	s := &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.closeResources(context.WithoutCancel(ctx))
		}
	}()

	s.collector = metrics.NewCollector("agentcore", logger)

	s.telemetry, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		err = nil
	}
	instruments, ierr := telemetry.NewInstruments()
	if ierr != nil {
		logger.Warn("failed to create telemetry instruments", zap.Error(ierr))
	}

	if err = s.initStorage(cfg, logger); err != nil {
		return nil, err
	}

	queue, locker := s.initQueue(cfg, logger)
	s.dispatcher = dispatch.NewDispatcher(queue, s.store, cfg.Dispatch, logger,
		dispatch.WithCache(s.cache),
		dispatch.WithMetrics(s.collector),
	)

	retryer := retry.New(retry.DefaultPolicy(), logger)
	counter := tokenizer.NewTiktoken(logger)
	models, tools := newGateways(cfg.Gateway, logger)

	objects, err := s.initObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.archiver, err = archive.NewArchiver(s.store, objects, cfg.Archive, s.collector, logger)
	if err != nil {
		return nil, fmt.Errorf("create archiver: %w", err)
	}

	s.merger = merge.NewEngine(cfg.Merge, models, logger,
		merge.WithRetryer(retryer),
		merge.WithTokenCounter(counter),
		merge.WithMetrics(s.collector),
	)

	opts := []orchestrator.Option{
		orchestrator.WithDispatcher(s.dispatcher),
		orchestrator.WithCache(s.cache),
		orchestrator.WithTokenCounter(counter),
		orchestrator.WithMetrics(s.collector),
		orchestrator.WithNotifier(newLogNotifier(logger)),
		orchestrator.WithArchiver(s.archiver),
	}
	if instruments != nil {
		opts = append(opts, orchestrator.WithInstruments(instruments))
	}
	s.orchestrator = orchestrator.New(s.store, models, tools, cfg.Orchestrator, logger, opts...)

	s.consumer = dispatch.NewConsumer(queue, cfg.Dispatch.DefaultQueue, s.orchestrator.HandleMessage, cfg.Dispatch, logger,
		dispatch.WithLocker(locker),
		dispatch.WithRetryer(retryer),
	)

	s.initHandlers()
	return s, nil
}

// initStorage 打开数据库连接池、存储与缓存
func (s *Server) initStorage(cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	poolCfg := database.DefaultPoolConfig()
	if cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	s.pool, err = database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return fmt.Errorf("create pool manager: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := store.AutoMigrate(db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database schema auto-migrated")
	}
	s.store = store.New(s.pool, logger)

	s.cache, err = cache.NewManager(cache.Config{
		Addr:                cfg.Redis.Addr,
		Password:            cfg.Redis.Password,
		DB:                  cfg.Redis.DB,
		KeyPrefix:           "agentcore",
		AgentTTL:            cfg.Cache.AgentTTL,
		ExecutionTTL:        cfg.Cache.ExecutionTTL,
		WorkingMemoryTTL:    cfg.Cache.WorkingMemoryTTL,
		TenantQueueTTL:      cfg.Cache.TenantQueueTTL,
		MaxEntries:          cfg.Cache.MaxEntries,
		CompressThreshold:   cfg.Cache.CompressThreshold,
		MaxRetries:          cfg.Redis.MaxRetries,
		PoolSize:            cfg.Redis.PoolSize,
		MinIdleConns:        cfg.Redis.MinIdleConns,
		TLS:                 cfg.Redis.TLS,
		HealthCheckInterval: cfg.Cache.HealthCheckInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("create cache manager: %w", err)
	}
	return nil
}

// initQueue 配置了 Redis 时使用 Redis 队列与分布式锁，否则退回进程内实现
func (s *Server) initQueue(cfg *config.Config, logger *zap.Logger) (dispatch.Queue, dispatch.GroupLocker) {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis not configured, using in-memory dispatch queue")
		return dispatch.NewMemoryQueue(cfg.Dispatch.DedupWindow), dispatch.NewLocalLocker()
	}

	opts := &redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}
	if cfg.Redis.TLS {
		opts.TLSConfig = tlsutil.RedisConfig(cfg.Redis.Addr)
	}
	client := redis.NewClient(opts)
	s.redis = client

	queue := dispatch.NewRedisQueue(client, "agentcore", cfg.Dispatch.DedupWindow, logger).
		WithVisibilityTimeout(cfg.Dispatch.VisibilityTimeout)
	return queue, dispatch.NewRedisLocker(client, "agentcore")
}

// initObjectStore 归档对象存储：filesystem 或 gridfs
func (s *Server) initObjectStore(ctx context.Context, cfg *config.Config) (archive.ObjectStore, error) {
	switch cfg.ObjectStore.Backend {
	case "gridfs":
		g, err := archive.NewGridFSStore(ctx, cfg.Mongo, cfg.ObjectStore.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open gridfs store: %w", err)
		}
		s.gridfs = g
		return g, nil
	case "filesystem", "":
		fs, err := archive.NewFSStore(cfg.ObjectStore.BasePath)
		if err != nil {
			return nil, fmt.Errorf("open filesystem store: %w", err)
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unsupported object store backend: %s", cfg.ObjectStore.Backend)
	}
}

// newGateways 创建模型与工具网关客户端，未配置时返回始终报错的占位实现
func newGateways(cfg config.GatewayConfig, logger *zap.Logger) (types.ModelInvoker, orchestrator.ToolExecutor) {
	var models types.ModelInvoker
	if client, err := gateway.NewModelClient(cfg, logger); err != nil {
		logger.Warn("model gateway not configured, model calls will fail", zap.Error(err))
		models = types.ModelInvokerFunc(func(context.Context, string, string, string) (*types.ModelResponse, error) {
			return nil, types.NewError(types.ErrInternalError, "model gateway not configured")
		})
	} else {
		models = client
	}

	var tools orchestrator.ToolExecutor
	if client, err := gateway.NewToolClient(cfg, logger); err != nil {
		logger.Warn("tool gateway not configured, tool calls will fail", zap.Error(err))
		tools = unconfiguredTools{}
	} else {
		tools = client
	}
	return models, tools
}

type unconfiguredTools struct{}

func (unconfiguredTools) Execute(context.Context, string, map[string]any) (*orchestrator.ToolResult, error) {
	return nil, types.NewError(types.ErrInternalError, "tool gateway not configured")
}

// =============================================================================
// 🛣️ 路由
// =============================================================================

func (s *Server) initHandlers() {
	s.health = handlers.NewHealthHandler(s.logger)
	s.health.RegisterCheck(handlers.NewCheckFunc("database", s.pool.Ping))
	s.health.RegisterCheck(handlers.NewCheckFunc("cache", s.cache.Ping))
	if s.redis != nil {
		s.health.RegisterCheck(handlers.NewCheckFunc("queue", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	if s.gridfs != nil {
		s.health.RegisterCheck(handlers.NewCheckFunc("object_store", s.gridfs.Ping))
	}
}

// routes 注册全部路由并包裹中间件链
func (s *Server) routes(ctx context.Context) http.Handler {
	executions := handlers.NewExecutionHandler(s.orchestrator, s.logger)
	ops := handlers.NewOpsHandler(s.dispatcher, s.cache, s.archiver, s.logger)
	merges := handlers.NewMergeHandler(s.merger, s.logger)
	artifacts := handlers.NewArtifactHandler(s.archiver, s.logger)

	mux := http.NewServeMux()

	// 健康检查与版本
	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	// 执行生命周期
	mux.HandleFunc("POST /api/v1/executions", executions.HandleStart)
	mux.HandleFunc("GET /api/v1/executions/{id}", executions.HandleGet)
	mux.HandleFunc("GET /api/v1/executions/{id}/logs", executions.HandleLogs)
	mux.HandleFunc("POST /api/v1/executions/{id}/iterate", executions.HandleIterate)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", executions.HandleCancel)
	mux.HandleFunc("POST /api/v1/executions/{id}/resume", executions.HandleResume)

	// 归档产物
	mux.HandleFunc("GET /api/v1/artifacts/{id}", artifacts.HandleGet)

	// 结果合并
	mux.HandleFunc("POST /api/v1/merge", merges.HandleMerge)

	// 运维
	mux.HandleFunc("GET /api/v1/queues/metrics", ops.HandleQueueMetrics)
	mux.HandleFunc("GET /api/v1/cache/stats", ops.HandleCacheStats)
	mux.HandleFunc("GET /api/v1/archive/stats", ops.HandleArchiveStats)

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
	}
	if s.cfg.Telemetry.Enabled {
		chain = append(chain, OTelTracing())
	}
	chain = append(chain,
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst),
	)
	if s.cfg.Auth.JWTSecret != "" {
		chain = append(chain, JWTAuth(s.cfg.Auth, s.logger))
	} else {
		s.logger.Warn("JWT secret not configured, tenant is taken from the X-Tenant-ID header")
	}
	chain = append(chain, TenantRateLimiter(ctx, s.cfg.Server.TenantRateLimitRPS, s.cfg.Server.TenantRateLimitBurst))

	return Chain(mux, chain...)
}

// EnableReload 启用配置文件轮询，日志级别随配置变更即时生效
func (s *Server) EnableReload(configPath string, level zap.AtomicLevel) {
	if configPath == "" {
		return
	}
	s.reloader = config.NewReloader(configPath, s.cfg, 0, s.logger)
	s.reloader.OnReload(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Log.Level != newConfig.Log.Level {
			level.SetLevel(parseLevel(newConfig.Log.Level))
			s.logger.Info("log level changed",
				zap.String("from", oldConfig.Log.Level),
				zap.String("to", newConfig.Log.Level))
		}
	})
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start 启动监听与后台循环（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.httpManager = server.NewManager("api", s.routes(bgCtx), server.ConfigFromServer(s.cfg.Server.HTTPPort, s.cfg.Server), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsManager = server.NewManager("metrics", metricsMux, server.ConfigFromServer(s.cfg.Server.MetricsPort, s.cfg.Server), s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.goBackground(func() {
		if err := s.consumer.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("dispatch consumer stopped", zap.Error(err))
		}
	})
	s.goBackground(func() { s.orchestrator.RunSweeper(bgCtx) })
	s.goBackground(func() { s.archiver.RunCleanup(bgCtx) })
	if s.reloader != nil {
		s.goBackground(func() { s.reloader.Run(bgCtx) })
	}

	s.logger.Info("agentcore started",
		zap.String("api_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.String("queue", s.cfg.Dispatch.DefaultQueue))
	return nil
}

func (s *Server) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait 阻塞直到收到退出信号或任一监听异常退出
func (s *Server) Wait(ctx context.Context) error {
	return server.WaitForSignal(ctx, s.logger, s.httpManager, s.metricsManager)
}

// Shutdown 按依赖逆序关闭：监听 → 后台循环 → 外部连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("starting graceful shutdown")

	var errs []error
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	errs = append(errs, s.closeResources(ctx))
	err := errors.Join(errs...)
	if err == nil {
		s.logger.Info("graceful shutdown completed")
	}
	return err
}

// closeResources 关闭外部连接，nil 字段跳过
func (s *Server) closeResources(ctx context.Context) error {
	var errs []error
	if s.gridfs != nil {
		if err := s.gridfs.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gridfs: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// 📣 通知
// =============================================================================

// logNotifier 以结构化日志输出升级、过期与预算事件
type logNotifier struct {
	logger *zap.Logger
}

func newLogNotifier(logger *zap.Logger) *logNotifier {
	return &logNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (n *logNotifier) Notify(_ context.Context, ev orchestrator.Event) {
	n.logger.Warn("execution event",
		zap.String("type", string(ev.Type)),
		zap.String("execution_id", ev.ExecutionID),
		zap.String("tenant_id", ev.TenantID),
		zap.String("reason", ev.Reason),
		zap.Time("at", ev.At))
}

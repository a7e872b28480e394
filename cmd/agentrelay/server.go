package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentrelay/api/handlers"
	"github.com/BaSui01/agentrelay/circuitbreaker"
	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/BaSui01/agentrelay/fallback"
	"github.com/BaSui01/agentrelay/handoff"
	"github.com/BaSui01/agentrelay/internal/database"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/internal/migration"
	"github.com/BaSui01/agentrelay/internal/server"
	"github.com/BaSui01/agentrelay/internal/telemetry"
	"github.com/BaSui01/agentrelay/monitor"
	"github.com/BaSui01/agentrelay/platform"
	"github.com/BaSui01/agentrelay/preservation"
	"github.com/BaSui01/agentrelay/session"
	"github.com/BaSui01/agentrelay/store"
)

// dbStatsInterval 连接池指标的采样周期
const dbStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AgentRelay 的主服务器，持有全部组件的生命周期
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	// 基础设施
	telemetry *telemetry.Providers
	pool      *database.PoolManager
	store     store.Store
	sessions  *session.MemoryStore
	bus       *eventbus.Bus

	// 指标
	registry  *prometheus.Registry
	collector *metrics.Collector

	// 中继核心
	breakers    *circuitbreaker.Registry
	executor    *fallback.Executor
	hooks       *platform.Hooks
	preserver   *preservation.Service
	monitor     *monitor.Monitor
	coordinator *handoff.Coordinator

	// 热更新
	hotReload *config.HotReloadManager

	httpManager *server.Manager

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer 创建服务器实例。level 供热重载调整日志级别。
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序初始化并启动全部组件。返回错误时调用方负责 Shutdown。
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// 1. 遥测
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	s.telemetry = providers

	// 2. 持久化
	if err := s.initStore(ctx); err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}

	// 3. 会话、事件总线与指标
	s.sessions = session.NewMemoryStore(s.logger)
	s.bus = eventbus.New(s.logger)
	s.initMetrics()

	// 4. 回退链、上下文保存、监控与移交
	if err := s.initRelay(); err != nil {
		return fmt.Errorf("failed to init relay: %w", err)
	}
	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	s.coordinator.Start(ctx)

	// 5. 热更新
	if err := s.initHotReload(ctx); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 6. HTTP
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All components started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Strings("chain", s.executor.IDs()),
		zap.String("store", s.cfg.Store.Type),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
		zap.Bool("telemetry_enabled", s.telemetry.Enabled()),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStore 打开持久化后端。database 类型先运行迁移，表结构以迁移为准。
func (s *Server) initStore(ctx context.Context) error {
	storeCfg := s.cfg.StoreConfig()

	if storeCfg.Type == store.StoreTypeDatabase {
		pool, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		s.pool = pool

		dbType, err := migration.ParseDatabaseType(pool.Driver())
		if err != nil {
			return err
		}
		// 迁移器关闭时会关闭连接，这里与连接池共用 *sql.DB，不调用 Close
		m, err := migration.NewMigrator(&migration.Config{DatabaseType: dbType, DB: pool.SQLDB()})
		if err != nil {
			return err
		}
		if err := m.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		s.logger.Info("Database migrations applied", zap.String("driver", pool.Driver()))
	}

	st, err := store.New(ctx, storeCfg, s.gormDB(), s.logger)
	if err != nil {
		return err
	}
	s.store = st

	if storeCfg.Retention > 0 && storeCfg.CleanupInterval > 0 {
		cleaner := store.NewCleaner(st, storeCfg.Retention, storeCfg.CleanupInterval, s.logger)
		s.goBackground(func() { cleaner.Run(ctx) })
	}
	return nil
}

func (s *Server) gormDB() *gorm.DB {
	if s.pool == nil {
		return nil
	}
	return s.pool.DB()
}

// initMetrics 使用独立的 registry，避免与全局默认 registry 的注册冲突
func (s *Server) initMetrics() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("agentrelay", s.registry, s.logger)
	s.collector.Attach(s.bus)
}

// initRelay 组装回退链、熔断器、上下文保存、监控与移交协调器
func (s *Server) initRelay() error {
	s.breakers = circuitbreaker.NewRegistry(fallback.StateChangePublisher(s.bus), s.logger)
	s.hooks = platform.NewHooks(platform.NewDefaultHook(s.logger))

	adapters := make([]platform.Adapter, 0, len(s.cfg.Chain))
	for _, a := range s.cfg.Chain {
		adapter, err := platform.NewHTTPAdapter(a.HTTPConfig(), s.logger)
		if err != nil {
			return fmt.Errorf("adapter %q: %w", a.ID, err)
		}
		adapters = append(adapters, adapter)
		s.hooks.Register(a.ID, adapter)
	}

	opts := []fallback.Option{
		fallback.WithPublisher(s.bus),
		fallback.WithReadinessTimeout(s.cfg.Handoff.ReadinessTimeout),
	}
	if s.cfg.LastResort.Enabled {
		opts = append(opts, fallback.WithLastResort(platform.NewDegradedResponder(s.cfg.LastResort.Message)))
	}
	executor, err := fallback.NewExecutor(s.cfg.Descriptors(), adapters, s.breakers, s.logger, opts...)
	if err != nil {
		return err
	}
	s.executor = executor

	preserver, err := preservation.NewService(s.cfg.PreservationConfig(), s.sessions, s.sessions, s.hooks, s.store, s.logger,
		preservation.WithPublisher(s.bus))
	if err != nil {
		return err
	}
	s.preserver = preserver

	mon, err := monitor.New(s.cfg.MonitorConfig(), s.sessions, s.bus, s.logger)
	if err != nil {
		return err
	}
	s.monitor = mon

	policy, err := s.cfg.HandoffPolicy()
	if err != nil {
		return err
	}
	coordinator, err := handoff.New(policy, handoff.Deps{
		Sessions:  s.sessions,
		Preserver: s.preserver,
		Chain:     s.executor,
		Injector:  s.hooks,
		Log:       s.store,
		Metrics:   s.monitor,
		Bus:       s.bus,
	}, s.logger)
	if err != nil {
		return err
	}
	s.coordinator = coordinator
	return nil
}

// initHotReload 启动配置热更新。配置文件变更后依次更新各组件，任一失败则整体回滚。
func (s *Server) initHotReload(ctx context.Context) error {
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithReloadPath(s.configPath))
	}
	s.hotReload = config.NewHotReloadManager(s.cfg, opts...)
	s.hotReload.OnReload(s.applyConfig)
	return s.hotReload.Start(ctx)
}

// applyConfig 把新配置应用到运行中的组件
func (s *Server) applyConfig(oldCfg, newCfg *config.Config) error {
	if err := s.monitor.UpdateConfig(newCfg.MonitorConfig()); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	policy, err := newCfg.HandoffPolicy()
	if err != nil {
		return fmt.Errorf("handoff policy: %w", err)
	}
	if err := s.coordinator.UpdatePolicy(policy); err != nil {
		return fmt.Errorf("handoff policy: %w", err)
	}
	if err := s.preserver.UpdateConfig(newCfg.PreservationConfig()); err != nil {
		return fmt.Errorf("preservation: %w", err)
	}

	// 链成员变化需要重启，已有适配器只更新熔断器参数
	for _, a := range newCfg.Chain {
		if !s.executor.Has(a.ID) {
			continue
		}
		if err := s.breakers.UpdateConfig(a.ID, *a.BreakerConfig()); err != nil {
			return fmt.Errorf("breaker %q: %w", a.ID, err)
		}
	}
	if !sameChain(oldCfg, newCfg) {
		s.logger.Warn("Fallback chain membership changed, restart required to take effect",
			zap.Strings("running", s.executor.IDs()))
	}

	s.level.SetLevel(parseLevel(newCfg.Log.Level))
	s.cfg = newCfg
	s.logger.Info("Configuration applied")
	return nil
}

func sameChain(a, b *config.Config) bool {
	ids := func(c *config.Config) []string {
		out := make([]string, 0, len(c.Chain))
		for _, ad := range c.Chain {
			out = append(out, ad.ID)
		}
		slices.Sort(out)
		return out
	}
	return slices.Equal(ids(a), ids(b))
}

// goBackground 在 Shutdown 时等待的后台任务
func (s *Server) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// recordDBStats 周期性上报连接池使用情况
func (s *Server) recordDBStats(ctx context.Context) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.pool.Stats()
			s.collector.RecordDBConnections(s.pool.Driver(), stats.OpenConnections, stats.Idle)
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()

	// 健康检查
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", s.store.Ping))
	if s.pool != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
		s.goBackground(func() { s.recordDBStats(ctx) })
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	// API
	handlers.NewSessionHandler(s.sessions, s.coordinator, s.logger).Register(mux)
	handlers.NewRelayHandler(s.coordinator, s.executor, s.logger).Register(mux)
	handlers.NewContextHandler(s.preserver, s.sessions, s.logger).Register(mux)
	handlers.NewExecuteHandler(s.executor, s.sessions, s.collector, s.logger).Register(mux)
	handlers.NewConfigHandler(s.hotReload, s.logger).Register(mux)
	handlers.NewEventsHandler(s.bus, s.logger).Register(mux)

	// Metrics 放在最内层，才能读到 ServeMux 写入的 r.Pattern
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		MetricsMiddleware(s.collector),
	)

	s.httpManager = server.NewManager(handler, server.FromServerConfig(s.cfg.Server), s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待 SIGINT/SIGTERM 或 HTTP 服务器异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-s.httpManager.Errors():
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
		}
	}
	s.Shutdown()
}

// Shutdown 按启动的逆序关闭全部组件，可重复调用
func (s *Server) Shutdown() {
	s.stopOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. 停止接收请求
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 停止热更新与监控，不再产生新的告警
	if s.hotReload != nil {
		s.hotReload.Stop()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}

	// 3. 取消进行中的移交并等待其写完记录
	if s.coordinator != nil {
		s.coordinator.Stop()
		s.coordinator.Wait()
	}

	// 4. 后台任务（清理、连接池采样、限流清理）
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	// 5. 存储与数据库
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Store close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}

	// 6. 刷新遥测数据
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

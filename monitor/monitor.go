package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionSource 会话存储访问器（只读）
type SessionSource interface {
	GetActiveSessions(ctx context.Context) ([]types.Session, error)
}

// Config 监控配置
type Config struct {
	Interval    time.Duration                   `json:"interval"`
	Thresholds  types.Thresholds                `json:"thresholds"`
	Platforms   map[string]types.PlatformLimits `json:"platforms"`
	Concurrency int                             `json:"concurrency"`
}

// DefaultConfig 返回默认配置（不含平台）
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Thresholds:  types.DefaultThresholds(),
		Platforms:   map[string]types.PlatformLimits{},
		Concurrency: 8,
	}
}

// Validate 校验配置；required 中任一平台缺少上限配置即为 UNKNOWN_PLATFORM
func (c Config) Validate(required ...string) error {
	if c.Interval <= 0 {
		return types.Errorf(types.ErrConfigInvalid, "monitor interval must be positive, got %s", c.Interval)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if len(c.Platforms) == 0 {
		return types.NewError(types.ErrConfigInvalid, "no platform limits configured")
	}
	for name, limits := range c.Platforms {
		if err := limits.Validate(name); err != nil {
			return err
		}
	}
	for _, name := range required {
		if _, ok := c.Platforms[name]; !ok {
			return types.Errorf(types.ErrUnknownPlatform, "platform %q has no limits configured", name)
		}
	}
	return nil
}

// Option 监控器选项
type Option func(*Monitor)

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTickObserver 每个 tick 结束后回调当前全部指标
func WithTickObserver(fn func([]types.SessionMetrics)) Option {
	return func(m *Monitor) { m.observer = fn }
}

type lastSeen struct {
	level    types.WarningLevel
	platform string
}

// Monitor 周期性采集会话资源使用并按阈值分级。
// 事件只在等级上升时触发（边沿触发），维持同一等级不会重复发送。
type Monitor struct {
	source    SessionSource
	publisher eventbus.Publisher
	logger    *zap.Logger
	now       func() time.Time
	observer  func([]types.SessionMetrics)

	mu      sync.RWMutex
	config  Config
	metrics map[string]types.SessionMetrics
	prev    map[string]lastSeen

	tickMu sync.Mutex // 串行化 tick

	runMu    sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	interval chan time.Duration
}

// New 创建监控器。配置错误直接返回，不会推迟到运行期。
func New(config Config, source SessionSource, publisher eventbus.Publisher, logger *zap.Logger, opts ...Option) (*Monitor, error) {
	if source == nil {
		return nil, types.NewError(types.ErrConfigInvalid, "session source is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		source:    source,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "utilization_monitor")),
		now:       time.Now,
		config:    config,
		metrics:   make(map[string]types.SessionMetrics),
		prev:      make(map[string]lastSeen),
		interval:  make(chan time.Duration, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ErrAlreadyRunning 重复启动
var ErrAlreadyRunning = errors.New("monitor already running")

// Start 启动轮询循环
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	m.mu.RLock()
	interval := m.config.Interval
	m.mu.RUnlock()

	go m.loop(loopCtx, interval, m.done)

	m.logger.Info("utilization monitor started", zap.Duration("interval", interval))
	return nil
}

// Stop 停止轮询并等待循环退出；未启动时为空操作
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("utilization monitor stopped")
}

// Running 是否在运行
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.interval:
			ticker.Reset(d)
			m.logger.Info("monitor interval updated", zap.Duration("interval", d))
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("monitor tick failed", zap.Error(err))
			}
		}
	}
}

// Tick 执行一次轮询。只有获取活跃会话列表失败时返回错误；
// 单个会话的计算错误会被记录并跳过。
func (m *Monitor) Tick(ctx context.Context) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	sessions, err := m.source.GetActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("fetch active sessions: %w", err)
	}

	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	now := m.now()
	results := make([]*types.SessionMetrics, len(sessions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, s := range sessions {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			sm, err := compute(s, cfg, now)
			if err != nil {
				m.logger.Warn("skip session metrics",
					zap.String("session_id", s.ID),
					zap.String("platform", s.Platform),
					zap.Error(err),
				)
				return nil
			}
			results[i] = &sm
			return nil
		})
	}
	_ = g.Wait()

	events := m.apply(sessions, results)
	for _, ev := range events {
		m.publish(ev)
	}

	if m.observer != nil {
		m.observer(m.GetAllMetrics())
	}
	return nil
}

func compute(s types.Session, cfg Config, now time.Time) (sm types.SessionMetrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute metrics panicked: %v", r)
		}
	}()

	if s.ID == "" {
		return sm, types.NewError(types.ErrInvalidRequest, "session without id")
	}
	limits, ok := cfg.Platforms[s.Platform]
	if !ok {
		return sm, types.Errorf(types.ErrUnknownPlatform, "platform %q has no limits configured", s.Platform)
	}
	return types.ComputeMetrics(s, limits, cfg.Thresholds, now), nil
}

// apply 更新指标表并计算需要发送的事件。不在本轮结果中的会话视为已结束并被丢弃；
// 计算失败的会话保留上一次的指标与等级。
func (m *Monitor) apply(sessions []types.Session, results []*types.SessionMetrics) []eventbus.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]struct{}, len(sessions))
	var events []eventbus.Event

	for i, s := range sessions {
		active[s.ID] = struct{}{}
		sm := results[i]
		if sm == nil {
			continue
		}
		m.metrics[sm.SessionID] = *sm

		prev, seen := m.prev[sm.SessionID]
		if !seen || prev.platform != sm.Platform {
			// 新会话或已切换平台：从 normal 重新计
			prev = lastSeen{level: types.LevelNormal, platform: sm.Platform}
		}
		if sm.WarningLevel.Above(prev.level) {
			if typ, ok := eventbus.LevelEventType(sm.WarningLevel); ok {
				snapshot := *sm
				events = append(events, eventbus.Event{
					Type:      typ,
					SessionID: sm.SessionID,
					TaskID:    sm.TaskID,
					AdapterID: sm.Platform,
					Metrics:   &snapshot,
					Timestamp: sm.ComputedAt,
				})
			}
		}
		m.prev[sm.SessionID] = lastSeen{level: sm.WarningLevel, platform: sm.Platform}
	}

	for id := range m.metrics {
		if _, ok := active[id]; !ok {
			delete(m.metrics, id)
			delete(m.prev, id)
		}
	}
	return events
}

func (m *Monitor) publish(ev eventbus.Event) {
	m.logger.Info("utilization threshold crossed",
		zap.String("session_id", ev.SessionID),
		zap.String("level", string(ev.Type)),
		zap.Float64("utilization", ev.Metrics.Utilization),
	)
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}

// GetMetrics 返回会话最近一次计算的指标
func (m *Monitor) GetMetrics(sessionID string) (types.SessionMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.metrics[sessionID]
	return sm, ok
}

// GetAllMetrics 返回全部会话指标，按会话 ID 排序
func (m *Monitor) GetAllMetrics() []types.SessionMetrics {
	m.mu.RLock()
	out := make([]types.SessionMetrics, 0, len(m.metrics))
	for _, sm := range m.metrics {
		out = append(out, sm)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Config 返回当前配置副本
func (m *Monitor) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// UpdateConfig 运行时更新间隔、阈值与平台上限，下一个 tick 生效
func (m *Monitor) UpdateConfig(config Config) error {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	if err := config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	oldInterval := m.config.Interval
	m.config = config
	m.mu.Unlock()

	if config.Interval != oldInterval {
		m.signalInterval(config.Interval)
	}
	return nil
}

// signalInterval 通知循环重置 ticker；通道只保留最新的间隔，永不阻塞
func (m *Monitor) signalInterval(d time.Duration) {
	for {
		select {
		case m.interval <- d:
			return
		default:
		}
		select {
		case <-m.interval:
		default:
		}
	}
}

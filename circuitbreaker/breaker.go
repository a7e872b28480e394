package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText 以字符串形式序列化状态
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// RecoveryTimeout 熔断恢复等待时间（从 Open -> HalfOpen，严格大于）
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下允许的并发试探数，也是恢复所需的成功次数
	HalfOpenMaxCalls int

	// OnStateChange 状态变更回调，在锁外同步调用
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (c *Config) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
}

// Snapshot 熔断器状态快照（只读）
type Snapshot struct {
	Status              State     `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	OpenedAt            time.Time `json:"opened_at"`
	HalfOpenInFlight    int       `json:"half_open_in_flight"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
}

// Option 熔断器选项
type Option func(*Breaker)

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// Breaker 单个适配器的熔断器。
//
// 所有状态迁移在同一把锁内完成（比较并迁移），并发调用者不会
// 对同一次检查重复翻转状态。熔断器只负责放行判定，不做重试。
type Breaker struct {
	logger *zap.Logger
	now    func() time.Time

	mu                sync.Mutex
	config            Config
	state             State
	failureCount      int       // 连续失败次数
	lastFailureTime   time.Time // 最后失败时间
	openedAt          time.Time
	halfOpenInFlight  int // 半开状态下占用的试探名额
	halfOpenSuccesses int
}

// New 创建熔断器
func New(config *Config, logger *zap.Logger, opts ...Option) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.normalize()

	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type transition struct {
	from, to State
	fired    bool
}

// CanExecute 判断是否放行一次调用。
// Open 状态超过 RecoveryTimeout 后，本次检查原子地迁移到 HalfOpen 并占用一个试探名额。
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var tr transition
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if b.now().Sub(b.openedAt) > b.config.RecoveryTimeout {
			tr = b.setState(StateHalfOpen)
			b.halfOpenInFlight = 1
			b.halfOpenSuccesses = 0
			b.logger.Info("熔断器进入半开状态")
			allowed = true
		}

	case StateHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenMaxCalls {
			b.halfOpenInFlight++
			allowed = true
		}
	}
	b.mu.Unlock()

	b.notify(tr)
	return allowed
}

// OnSuccess 记录一次成功调用
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	var tr transition

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if b.halfOpenSuccesses >= b.config.HalfOpenMaxCalls {
			b.logger.Info("熔断器恢复正常",
				zap.Int("half_open_successes", b.halfOpenSuccesses),
			)
			tr = b.setState(StateClosed)
			b.resetCounters()
		}

	case StateOpen:
		// 打开状态只有手动覆盖时才会有调用
		b.logger.Debug("熔断器打开状态收到成功响应")
	}
	b.mu.Unlock()

	b.notify(tr)
}

// OnFailure 记录一次失败调用
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	var tr transition

	now := b.now()
	b.failureCount++
	b.lastFailureTime = now

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			tr = b.setState(StateOpen)
			b.openedAt = now
		}

	case StateHalfOpen:
		b.logger.Warn("熔断器半开状态失败，重新打开",
			zap.Int("half_open_successes", b.halfOpenSuccesses),
		)
		tr = b.setState(StateOpen)
		b.openedAt = now
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0

	case StateOpen:
		b.logger.Debug("熔断器打开状态收到失败响应")
	}
	b.mu.Unlock()

	b.notify(tr)
}

// Release 归还一次已放行但没有结果的调用（调用方取消），不计成功或失败。
// 半开状态下释放占用的试探名额，其他状态无影响。
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// setState 设置状态，调用方持有锁；回调在解锁后由 notify 触发
func (b *Breaker) setState(newState State) transition {
	old := b.state
	b.state = newState
	return transition{from: old, to: newState, fired: old != newState}
}

func (b *Breaker) notify(tr transition) {
	if !tr.fired {
		return
	}
	b.mu.Lock()
	cb := b.config.OnStateChange
	b.mu.Unlock()
	if cb != nil {
		cb(tr.from, tr.to)
	}
}

func (b *Breaker) resetCounters() {
	b.failureCount = 0
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 获取完整状态快照
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Status:              b.state,
		ConsecutiveFailures: b.failureCount,
		LastFailureTime:     b.lastFailureTime,
		OpenedAt:            b.openedAt,
		HalfOpenInFlight:    b.halfOpenInFlight,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
	}
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setState(StateClosed)
	b.resetCounters()
	b.openedAt = time.Time{}
	b.logger.Info("熔断器已重置",
		zap.String("from_state", tr.from.String()),
	)
	b.mu.Unlock()

	b.notify(tr)
}

// UpdateConfig 热更新阈值，当前状态保持不变，下次判定生效
func (b *Breaker) UpdateConfig(config Config) {
	config.normalize()

	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.config.OnStateChange
	b.config = config
	if b.config.OnStateChange == nil {
		b.config.OnStateChange = cb
	}
}

// Config 返回当前配置副本
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// Call 在熔断器保护下执行 fn
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	_, err := CallWithResult(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallWithResult is the type-safe form of Call: it gates fn on CanExecute
// and records the outcome. Cancellation of ctx is the caller's doing and
// is not counted against the adapter; the call is released instead.
func CallWithResult[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !b.CanExecute() {
		return zero, ErrCircuitOpen
	}
	if err := ctx.Err(); err != nil {
		b.Release()
		return zero, fmt.Errorf("调用已取消: %w", err)
	}

	result, err := fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			b.Release()
			return zero, err
		}
		b.OnFailure()
		return zero, err
	}
	b.OnSuccess()
	return result, nil
}

// 错误定义
var (
	ErrCircuitOpen    = errors.New("熔断器已打开")
	ErrUnknownAdapter = errors.New("未知的适配器熔断器")
)

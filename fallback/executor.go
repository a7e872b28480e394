package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/circuitbreaker"
	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/BaSui01/agentrelay/platform"
	"github.com/BaSui01/agentrelay/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/agentrelay/fallback"

// DefaultTimeout 适配器未配置超时时使用
const DefaultTimeout = 60 * time.Second

// Descriptor 回退链中的一个适配器
type Descriptor struct {
	ID       string                 `json:"id" yaml:"id"`
	Priority int                    `json:"priority" yaml:"priority"`
	Timeout  time.Duration          `json:"timeout" yaml:"timeout"`
	Breaker  *circuitbreaker.Config `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// Attempt 一次适配器尝试
type Attempt struct {
	AdapterID string        `json:"adapter_id"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Result 执行结果。AttemptedChain 按顺序列出实际调用过的适配器（含成功者），
// 被熔断器跳过的适配器只出现在 Attempts 中。
type Result struct {
	AdapterID      string             `json:"adapter_id"`
	Response       *platform.Response `json:"response,omitempty"`
	AttemptedChain []string           `json:"attempted_chain"`
	Attempts       []Attempt          `json:"attempts"`
	Degraded       bool               `json:"degraded,omitempty"`
}

// Option 配置 Executor
type Option func(*Executor)

// WithPublisher 链耗尽时发布 chain_exhausted 事件
func WithPublisher(p eventbus.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithLastResort 设置兜底响应器
func WithLastResort(r platform.Responder) Option {
	return func(e *Executor) { e.lastResort = r }
}

// WithReadinessTimeout 设置就绪探测超时
func WithReadinessTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.readinessTimeout = d
		}
	}
}

// Executor 按优先级依次尝试适配器，由熔断器把关。
// 一次 Execute 内严格串行；多个 Execute 可以并发。
type Executor struct {
	chain            []Descriptor
	adapters         map[string]platform.Adapter
	breakers         *circuitbreaker.Registry
	lastResort       platform.Responder
	publisher        eventbus.Publisher
	readinessTimeout time.Duration
	tracer           trace.Tracer
	logger           *zap.Logger

	mu       sync.RWMutex
	override string
}

// NewExecutor 创建回退链执行器。链按 Priority 升序排列（同优先级保持配置顺序），
// 每个适配器在 breakers 中注册熔断器。
func NewExecutor(chain []Descriptor, adapters []platform.Adapter, breakers *circuitbreaker.Registry,
	logger *zap.Logger, opts ...Option) (*Executor, error) {
	if len(chain) == 0 {
		return nil, types.NewError(types.ErrConfigInvalid, "fallback chain must not be empty")
	}
	if breakers == nil {
		return nil, types.NewError(types.ErrConfigInvalid, "fallback chain requires a breaker registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byID := make(map[string]platform.Adapter, len(adapters))
	for _, a := range adapters {
		byID[a.ID()] = a
	}

	sorted := make([]Descriptor, len(chain))
	copy(sorted, chain)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	seen := make(map[string]bool, len(sorted))
	for i, d := range sorted {
		if d.ID == "" {
			return nil, types.NewError(types.ErrConfigInvalid, "fallback chain entry without id")
		}
		if seen[d.ID] {
			return nil, types.Errorf(types.ErrConfigInvalid, "duplicate adapter %q in fallback chain", d.ID)
		}
		seen[d.ID] = true
		if _, ok := byID[d.ID]; !ok {
			return nil, types.Errorf(types.ErrUnknownPlatform, "no adapter registered for %q", d.ID)
		}
		if d.Timeout <= 0 {
			sorted[i].Timeout = DefaultTimeout
		}
		breakers.Register(d.ID, d.Breaker)
	}

	e := &Executor{
		chain:            sorted,
		adapters:         byID,
		breakers:         breakers,
		readinessTimeout: 10 * time.Second,
		tracer:           otel.Tracer(instrumentationName),
		logger:           logger.With(zap.String("component", "fallback")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Chain 返回排序后的回退链副本
func (e *Executor) Chain() []Descriptor {
	out := make([]Descriptor, len(e.chain))
	copy(out, e.chain)
	return out
}

// IDs 返回按优先级排列的适配器 ID
func (e *Executor) IDs() []string {
	ids := make([]string, len(e.chain))
	for i, d := range e.chain {
		ids[i] = d.ID
	}
	return ids
}

// Next 返回链中紧随 current 之后的适配器；current 不在链中时返回链首
func (e *Executor) Next(current string) (string, bool) {
	for i, d := range e.chain {
		if d.ID == current {
			if i+1 < len(e.chain) {
				return e.chain[i+1].ID, true
			}
			return "", false
		}
	}
	return e.chain[0].ID, true
}

// After 返回链中 current 之后的所有适配器
func (e *Executor) After(current string) []string {
	for i, d := range e.chain {
		if d.ID == current {
			return e.IDs()[i+1:]
		}
	}
	return e.IDs()
}

// Has 判断适配器是否在链中
func (e *Executor) Has(adapterID string) bool {
	_, ok := e.descriptor(adapterID)
	return ok
}

func (e *Executor) descriptor(adapterID string) (Descriptor, bool) {
	for _, d := range e.chain {
		if d.ID == adapterID {
			return d, true
		}
	}
	return Descriptor{}, false
}

// =============================================================================
// 手动覆盖
// =============================================================================

// ManualOverride 将适配器固定在链首，并绕过其熔断器放行判定，直到 ClearOverride。
// 调用结果仍然计入熔断器。
func (e *Executor) ManualOverride(adapterID string) error {
	if !e.Has(adapterID) {
		return types.Errorf(types.ErrUnknownPlatform, "adapter %q is not in the fallback chain", adapterID)
	}
	e.mu.Lock()
	e.override = adapterID
	e.mu.Unlock()
	e.logger.Info("manual override set", zap.String("adapter_id", adapterID))
	return nil
}

// ClearOverride 取消手动覆盖
func (e *Executor) ClearOverride() {
	e.mu.Lock()
	prev := e.override
	e.override = ""
	e.mu.Unlock()
	if prev != "" {
		e.logger.Info("manual override cleared", zap.String("adapter_id", prev))
	}
}

// Override 返回当前覆盖的适配器，未设置时为空
func (e *Executor) Override() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.override
}

func (e *Executor) order() ([]Descriptor, string) {
	pinned := e.Override()
	if pinned == "" {
		return e.chain, ""
	}
	out := make([]Descriptor, 0, len(e.chain))
	for _, d := range e.chain {
		if d.ID == pinned {
			out = append(out, d)
		}
	}
	for _, d := range e.chain {
		if d.ID != pinned {
			out = append(out, d)
		}
	}
	return out, pinned
}

// =============================================================================
// 执行
// =============================================================================

// Execute 按链顺序执行请求，第一个成功的适配器胜出。
//
// 熔断器拒绝的适配器被跳过；调用失败或超时计入熔断器并继续下一个。
// 全部不可用时调用兜底响应器，结果标记 Degraded；没有兜底或兜底失败时
// 返回 CHAIN_EXHAUSTED，Result 仍携带尝试过的链。
func (e *Executor) Execute(ctx context.Context, req platform.Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "fallback.execute", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("task.id", req.TaskID),
	))
	defer span.End()

	chain, pinned := e.order()
	result := &Result{}

	for _, d := range chain {
		b, _ := e.breakers.Get(d.ID)
		if d.ID != pinned && !b.CanExecute() {
			result.Attempts = append(result.Attempts, Attempt{AdapterID: d.ID, Skipped: true, Error: circuitbreaker.ErrCircuitOpen.Error()})
			e.logger.Debug("adapter skipped by circuit breaker", zap.String("adapter_id", d.ID))
			continue
		}

		start := time.Now()
		resp, err := e.invoke(ctx, d, req)
		latency := time.Since(start)
		result.AttemptedChain = append(result.AttemptedChain, d.ID)

		if err == nil {
			b.OnSuccess()
			if resp.AdapterID == "" {
				resp.AdapterID = d.ID
			}
			if resp.Latency == 0 {
				resp.Latency = latency
			}
			result.Attempts = append(result.Attempts, Attempt{AdapterID: d.ID, Latency: latency})
			result.AdapterID = d.ID
			result.Response = resp
			span.SetAttributes(attribute.String("adapter.id", d.ID), attribute.Int("attempts", len(result.AttemptedChain)))
			return result, nil
		}

		result.Attempts = append(result.Attempts, Attempt{AdapterID: d.ID, Error: err.Error(), Latency: latency})

		// 调用方取消不算适配器失败，只归还放行名额
		if ctx.Err() != nil {
			if d.ID != pinned {
				b.Release()
			}
			e.logger.Debug("execution cancelled by caller",
				zap.String("adapter_id", d.ID),
				zap.String("session_id", req.SessionID),
				zap.Error(ctx.Err()),
			)
			span.SetStatus(codes.Error, "cancelled")
			return result, types.NewError(types.ErrAdapterFailed, "execution cancelled").WithCause(ctx.Err())
		}

		b.OnFailure()
		e.logger.Warn("adapter call failed, falling back",
			zap.String("adapter_id", d.ID),
			zap.String("session_id", req.SessionID),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}

	if e.lastResort != nil {
		resp, err := e.lastResort.Respond(ctx, req, result.AttemptedChain)
		if err == nil && resp != nil {
			resp.Degraded = true
			result.AdapterID = platform.LastResortID
			result.Response = resp
			result.Degraded = true
			span.SetAttributes(attribute.Bool("degraded", true))
			e.logger.Warn("fallback chain exhausted, served last-resort response",
				zap.Strings("attempted", result.AttemptedChain),
				zap.String("session_id", req.SessionID),
			)
			return result, nil
		}
		if err != nil {
			e.logger.Error("last-resort responder failed", zap.Error(err))
		}
	}

	err := e.exhausted(result)
	span.RecordError(err)
	span.SetStatus(codes.Error, "chain exhausted")
	if e.publisher != nil {
		e.publisher.Publish(eventbus.Event{
			Type:      eventbus.EventChainExhausted,
			SessionID: req.SessionID,
			TaskID:    req.TaskID,
			Error:     err.Error(),
		})
	}
	return result, err
}

func (e *Executor) exhausted(result *Result) *types.Error {
	return types.Errorf(types.ErrChainExhausted, "all adapters unavailable (attempted: %v)", result.AttemptedChain).
		WithRetryable(false)
}

type callResult struct {
	resp *platform.Response
	err  error
}

// invoke 带超时调用适配器。超时后立即返回，不等待底层调用结束。
func (e *Executor) invoke(ctx context.Context, d Descriptor, req platform.Request) (*platform.Response, error) {
	adapter := e.adapters[d.ID]
	callCtx, cancel := context.WithTimeout(ctx, d.Timeout)

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		resp, err := adapter.Execute(callCtx, req)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		cancel()
		if r.err == nil && r.resp == nil {
			r.err = types.NewError(types.ErrAdapterFailed, "adapter returned no response").WithAdapter(d.ID)
		}
		return r.resp, r.err
	case <-callCtx.Done():
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Errorf(types.ErrAdapterTimeout, "adapter %s timed out after %s", d.ID, d.Timeout).
			WithAdapter(d.ID).WithRetryable(true)
	}
}

// =============================================================================
// 就绪探测
// =============================================================================

// Ready 对适配器做就绪检查（健康检查），结果计入熔断器。
// 熔断器拒绝时返回 CIRCUIT_OPEN；被手动覆盖的适配器不受熔断器限制。
func (e *Executor) Ready(ctx context.Context, adapterID string) error {
	adapter, ok := e.adapters[adapterID]
	if !ok || !e.Has(adapterID) {
		return types.Errorf(types.ErrUnknownPlatform, "adapter %q is not in the fallback chain", adapterID)
	}
	b, _ := e.breakers.Get(adapterID)

	// 就绪超时计入熔断器；ctx 本身被取消则不计
	check := func(ctx context.Context) (platform.Health, error) {
		checkCtx, cancel := context.WithTimeout(ctx, e.readinessTimeout)
		defer cancel()
		h, err := adapter.HealthCheck(checkCtx)
		if err != nil && ctx.Err() == nil && errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			err = types.Errorf(types.ErrAdapterTimeout, "adapter %s readiness check timed out after %s", adapterID, e.readinessTimeout).
				WithAdapter(adapterID).WithCause(err)
		}
		if err == nil && !h.Healthy {
			err = types.Errorf(types.ErrAdapterNotReady, "adapter %s reports unhealthy: %s", adapterID, h.Message).
				WithAdapter(adapterID)
		}
		return h, err
	}

	var err error
	if e.Override() == adapterID {
		_, err = check(ctx)
		switch {
		case err == nil:
			b.OnSuccess()
		case ctx.Err() == nil:
			b.OnFailure()
		}
	} else {
		_, err = circuitbreaker.CallWithResult(ctx, b, check)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return types.Errorf(types.ErrCircuitOpen, "circuit open for adapter %s", adapterID).
			WithAdapter(adapterID).WithCause(err)
	case types.IsErrorCode(err, types.ErrAdapterNotReady), types.IsErrorCode(err, types.ErrAdapterTimeout):
		return err
	default:
		return types.Errorf(types.ErrAdapterNotReady, "adapter %s not ready", adapterID).
			WithAdapter(adapterID).WithCause(err)
	}
}

// CircuitState 返回适配器熔断器快照
func (e *Executor) CircuitState(adapterID string) (circuitbreaker.Snapshot, error) {
	return e.breakers.State(adapterID)
}

// ResetBreaker 手动重置熔断器
func (e *Executor) ResetBreaker(adapterID string) error {
	if err := e.breakers.Reset(adapterID); err != nil {
		return types.Errorf(types.ErrNotFound, "no circuit breaker for adapter %q", adapterID).WithCause(err)
	}
	return nil
}

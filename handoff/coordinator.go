package handoff

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/circuitbreaker"
	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/BaSui01/agentrelay/store"
	"github.com/BaSui01/agentrelay/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/agentrelay/handoff"

// Status 会话的移交状态
type Status string

const (
	StatusStable     Status = "stable"
	StatusPreserving Status = "preserving"
	StatusSwitching  Status = "switching"
	StatusFailed     Status = "failed"
)

func (s Status) busy() bool {
	return s == StatusPreserving || s == StatusSwitching
}

// ErrInProgress 会话已有进行中的移交
var ErrInProgress = errors.New("handoff already in progress")

// SessionAccessor 会话读取与移交结果回写
type SessionAccessor interface {
	GetSession(ctx context.Context, sessionID string) (types.Session, error)
	UpdateSessionHandoff(ctx context.Context, taskID string, record types.HandoffRecord) error
}

// Preserver 上下文保存与恢复（preservation.Service 实现该接口）
type Preserver interface {
	Preserve(ctx context.Context, taskID, sessionID, platform string) (*types.PreservedContext, error)
	Restore(ctx context.Context, taskID, sessionID, targetPlatform string) (*types.PreservedContext, error)
}

// Chain 回退链视图（fallback.Executor 实现该接口）
type Chain interface {
	After(current string) []string
	Has(adapterID string) bool
	Ready(ctx context.Context, adapterID string) error
	CircuitState(adapterID string) (circuitbreaker.Snapshot, error)
	ResetBreaker(adapterID string) error
	ManualOverride(adapterID string) error
	ClearOverride()
	Override() string
}

// Injector 把恢复的上下文注入目标平台（platform.Hooks 实现该接口）
type Injector interface {
	Inject(ctx context.Context, preserved *types.PreservedContext, platform string) error
}

// MetricsSource 利用率查询（monitor.Monitor 实现该接口）
type MetricsSource interface {
	GetMetrics(sessionID string) (types.SessionMetrics, bool)
	GetAllMetrics() []types.SessionMetrics
}

// Bus 协调器订阅告警事件并发布移交事件
type Bus interface {
	eventbus.Publisher
	Subscribe(eventType eventbus.EventType, handler eventbus.Handler) string
	Unsubscribe(subscriptionID string)
}

// Deps 协调器依赖。Metrics 可为空，其余必填。
type Deps struct {
	Sessions  SessionAccessor
	Preserver Preserver
	Chain     Chain
	Injector  Injector
	Log       store.HandoffLog
	Metrics   MetricsSource
	Bus       Bus
}

// SessionState 会话移交状态快照
type SessionState struct {
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	ActivePlatform string    `json:"active_platform,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Option 配置 Coordinator
type Option func(*Coordinator)

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator 移交协调器。
//
// 订阅 warning / critical / emergency 事件，按 Policy 决定压缩或切换。
// 每个会话同一时刻最多一次移交在进行，不同会话之间互不阻塞。
type Coordinator struct {
	deps    Deps
	now     func() time.Time
	tracer  trace.Tracer
	counter metric.Int64Counter
	logger  *zap.Logger

	policyMu sync.RWMutex
	policy   Policy

	mu     sync.Mutex
	states map[string]*SessionState

	lifeMu sync.Mutex
	subs   []string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建协调器
func New(policy Policy, deps Deps, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if deps.Sessions == nil || deps.Preserver == nil || deps.Chain == nil ||
		deps.Injector == nil || deps.Log == nil || deps.Bus == nil {
		return nil, types.NewError(types.ErrConfigInvalid,
			"handoff coordinator requires sessions, preserver, chain, injector, log and bus")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter("agentrelay.handoff.total",
		metric.WithDescription("Total number of platform handoffs"),
		metric.WithUnit("{handoff}"))
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		deps:    deps,
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
		counter: counter,
		logger:  logger.With(zap.String("component", "handoff")),
		policy:  policy.normalized(),
		states:  make(map[string]*SessionState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 订阅告警事件。ctx 取消或 Stop 时，进行中的移交收到取消信号。
func (c *Coordinator) Start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.cancel != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, typ := range []eventbus.EventType{eventbus.EventWarning, eventbus.EventCritical, eventbus.EventEmergency} {
		c.subs = append(c.subs, c.deps.Bus.Subscribe(typ, c.handle))
	}
	c.logger.Info("handoff coordinator started")
}

// Stop 取消订阅并等待进行中的移交结束
func (c *Coordinator) Stop() {
	c.lifeMu.Lock()
	for _, id := range c.subs {
		c.deps.Bus.Unsubscribe(id)
	}
	c.subs = nil
	cancel := c.cancel
	c.cancel = nil
	c.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("handoff coordinator stopped")
}

// Wait 等待所有由事件触发的移交结束
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) baseContext() context.Context {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// handle 在总线分发线程里同步占用会话，再异步执行，不阻塞监控 tick
func (c *Coordinator) handle(ev eventbus.Event) {
	level := levelOf(ev)
	action := c.Policy().ActionFor(level)
	if action == ActionNone || ev.SessionID == "" {
		return
	}

	prev, ok := c.tryBegin(ev.SessionID)
	if !ok {
		c.logger.Debug("handoff in progress, trigger ignored",
			zap.String("session_id", ev.SessionID),
			zap.String("level", string(level)),
		)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := c.withTimeout(c.baseContext())
		defer cancel()

		if action == ActionCompress {
			c.compress(ctx, ev.SessionID, prev)
			return
		}
		_, _ = c.run(ctx, ev.SessionID, string(level), "")
	}()
}

func levelOf(ev eventbus.Event) types.WarningLevel {
	if ev.Metrics != nil && ev.Metrics.WarningLevel.Valid() {
		return ev.Metrics.WarningLevel
	}
	switch ev.Type {
	case eventbus.EventWarning:
		return types.LevelWarning
	case eventbus.EventCritical:
		return types.LevelCritical
	case eventbus.EventEmergency:
		return types.LevelEmergency
	default:
		return types.LevelNormal
	}
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := c.Policy().HandoffTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// =============================================================================
// 会话状态
// =============================================================================

// tryBegin 比较并迁移：会话空闲时进入 preserving，返回之前的状态
func (c *Coordinator) tryBegin(sessionID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionID]
	if !ok {
		st = &SessionState{SessionID: sessionID, Status: StatusStable}
		c.states[sessionID] = st
	}
	if st.Status.busy() {
		return st.Status, false
	}
	prev := st.Status
	st.Status = StatusPreserving
	st.UpdatedAt = c.now()
	return prev, true
}

func (c *Coordinator) setStatus(sessionID string, status Status, platform string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionID]
	if !ok {
		st = &SessionState{SessionID: sessionID}
		c.states[sessionID] = st
	}
	st.Status = status
	if platform != "" {
		st.ActivePlatform = platform
	}
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	st.UpdatedAt = c.now()
}

// State 返回会话的移交状态；从未触发过移交的会话返回 false
func (c *Coordinator) State(sessionID string) (SessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionID]
	if !ok {
		return SessionState{}, false
	}
	return *st, true
}

// States 返回全部会话移交状态，按会话 ID 排序
func (c *Coordinator) States() []SessionState {
	c.mu.Lock()
	out := make([]SessionState, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, *st)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Forget 会话结束后丢弃其移交状态；进行中的移交不受影响
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[sessionID]; ok && !st.Status.busy() {
		delete(c.states, sessionID)
	}
}

// =============================================================================
// 移交流程
// =============================================================================

// Handoff 同步执行一次手动移交。target 为空时沿链选择下一个就绪的平台。
// 会话已有进行中的移交时返回 ErrInProgress。
func (c *Coordinator) Handoff(ctx context.Context, sessionID, target string) (*types.HandoffRecord, error) {
	if target != "" && !c.deps.Chain.Has(target) {
		return nil, types.Errorf(types.ErrUnknownPlatform, "adapter %q is not in the fallback chain", target)
	}
	if _, ok := c.tryBegin(sessionID); !ok {
		return nil, types.Errorf(types.ErrInvalidRequest, "session %s: %v", sessionID, ErrInProgress).
			WithCause(ErrInProgress).WithHTTPStatus(409)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.run(ctx, sessionID, types.TriggerManual, target)
}

// compress 只做主动压缩，不切换平台；结束后恢复到之前的状态
func (c *Coordinator) compress(ctx context.Context, sessionID string, prev Status) {
	ctx, span := c.tracer.Start(ctx, "handoff.compress", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := c.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("compress skipped, session unavailable", zap.String("session_id", sessionID), zap.Error(err))
		c.setStatus(sessionID, prev, "", err)
		return
	}

	pc, err := c.deps.Preserver.Preserve(ctx, sess.TaskID, sessionID, sess.Platform)
	if err != nil {
		span.RecordError(err)
		c.setStatus(sessionID, prev, sess.Platform, err)
		return
	}
	c.logger.Info("proactive compression done",
		zap.String("session_id", sessionID),
		zap.String("context_id", pc.ID),
		zap.Bool("compressed", pc.Compressed),
	)
	c.setStatus(sessionID, prev, sess.Platform, nil)
}

// run 执行 preserving -> switching -> stable|failed。调用方已通过 tryBegin 占用会话。
func (c *Coordinator) run(ctx context.Context, sessionID, trigger, target string) (*types.HandoffRecord, error) {
	ctx, span := c.tracer.Start(ctx, "handoff.run", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("trigger", trigger),
	))
	defer span.End()

	sess, err := c.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session")
		c.logger.Warn("handoff aborted, session unavailable", zap.String("session_id", sessionID), zap.Error(err))
		c.setStatus(sessionID, StatusFailed, "", err)
		return nil, err
	}
	from := sess.Platform
	span.SetAttributes(attribute.String("task.id", sess.TaskID), attribute.String("from", from))

	c.deps.Bus.Publish(eventbus.Event{
		Type:      eventbus.EventHandoffTriggered,
		SessionID: sessionID,
		TaskID:    sess.TaskID,
		AdapterID: from,
	})
	c.logger.Info("handoff triggered",
		zap.String("session_id", sessionID),
		zap.String("task_id", sess.TaskID),
		zap.String("from", from),
		zap.String("trigger", trigger),
	)

	// 1. preserving：失败只记录，不阻塞切换
	var contextID string
	if pc, err := c.deps.Preserver.Preserve(ctx, sess.TaskID, sessionID, from); err != nil {
		c.logger.Warn("preservation failed, switching without preserved context",
			zap.String("session_id", sessionID), zap.Error(err))
	} else {
		contextID = pc.ID
	}

	// 2. switching：沿链寻找就绪的目标
	c.setStatus(sessionID, StatusSwitching, from, nil)
	candidates := c.deps.Chain.After(from)
	if target != "" {
		candidates = []string{target}
	}
	to, readyErr := c.selectTarget(ctx, sessionID, candidates)

	rec := types.HandoffRecord{
		ID:                 uuid.NewString(),
		TaskID:             sess.TaskID,
		SessionID:          sessionID,
		FromPlatform:       from,
		ToPlatform:         to,
		TriggeredBy:        trigger,
		PreservedContextID: contextID,
		Timestamp:          c.now(),
	}

	if to == "" {
		err := types.Errorf(types.ErrChainExhausted, "no ready platform after %s for session %s", from, sessionID).
			WithCause(readyErr)
		rec.Error = err.Error()
		c.deps.Bus.Publish(eventbus.Event{
			Type:      eventbus.EventChainExhausted,
			SessionID: sessionID,
			TaskID:    sess.TaskID,
			AdapterID: from,
			Error:     err.Error(),
		})
		return c.finishFailed(ctx, span, rec, err)
	}

	// 3. 恢复并注入；失败只记录
	restored, err := c.deps.Preserver.Restore(ctx, sess.TaskID, sessionID, to)
	if err != nil {
		c.logger.Warn("restore failed, continuing without preserved context",
			zap.String("session_id", sessionID), zap.String("to", to), zap.Error(err))
	}
	if restored != nil {
		rec.ContextSize = restored.SizeBytes
		if err := c.deps.Injector.Inject(ctx, restored, to); err != nil {
			rec.Error = "inject: " + err.Error()
			c.logger.Warn("context injection failed",
				zap.String("session_id", sessionID), zap.String("to", to), zap.Error(err))
		}
	}

	// 4. 切换会话平台并记录
	rec.Success = true
	if err := c.deps.Sessions.UpdateSessionHandoff(ctx, sess.TaskID, rec); err != nil {
		rec.Success = false
		rec.Error = err.Error()
		return c.finishFailed(ctx, span, rec, err)
	}
	c.appendRecord(ctx, rec)

	c.setStatus(sessionID, StatusStable, to, nil)
	c.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger), attribute.Bool("success", true)))
	span.SetAttributes(attribute.String("to", to), attribute.Bool("success", true))
	c.logger.Info("handoff completed",
		zap.String("session_id", sessionID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("context_id", contextID),
	)
	recCopy := rec
	c.deps.Bus.Publish(eventbus.Event{
		Type:               eventbus.EventHandoffSuccess,
		SessionID:          sessionID,
		TaskID:             sess.TaskID,
		AdapterID:          to,
		Record:             &recCopy,
		PreservedContextID: contextID,
	})
	return &rec, nil
}

// selectTarget 依次探测候选平台，返回第一个就绪的
func (c *Coordinator) selectTarget(ctx context.Context, sessionID string, candidates []string) (string, error) {
	timeout := c.Policy().ReadinessTimeout
	var lastErr error
	for _, id := range candidates {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.deps.Chain.Ready(checkCtx, id)
		cancel()
		if err == nil {
			return id, nil
		}
		lastErr = err
		c.logger.Warn("handoff target not ready",
			zap.String("session_id", sessionID),
			zap.String("adapter_id", id),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// finishFailed 记录失败的移交，会话留在原平台
func (c *Coordinator) finishFailed(ctx context.Context, span trace.Span, rec types.HandoffRecord, err error) (*types.HandoffRecord, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "handoff failed")

	if updateErr := c.deps.Sessions.UpdateSessionHandoff(ctx, rec.TaskID, rec); updateErr != nil {
		c.logger.Warn("record failed handoff on session", zap.String("session_id", rec.SessionID), zap.Error(updateErr))
	}
	c.appendRecord(ctx, rec)

	c.setStatus(rec.SessionID, StatusFailed, rec.FromPlatform, err)
	c.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", rec.TriggeredBy), attribute.Bool("success", false)))
	c.logger.Error("handoff failed",
		zap.String("session_id", rec.SessionID),
		zap.String("from", rec.FromPlatform),
		zap.Error(err),
	)
	recCopy := rec
	c.deps.Bus.Publish(eventbus.Event{
		Type:               eventbus.EventHandoffFailed,
		SessionID:          rec.SessionID,
		TaskID:             rec.TaskID,
		AdapterID:          rec.FromPlatform,
		Record:             &recCopy,
		PreservedContextID: rec.PreservedContextID,
		Error:              err.Error(),
	})
	return &rec, err
}

// appendRecord 写审计日志；存储不可用时只记录日志
func (c *Coordinator) appendRecord(ctx context.Context, rec types.HandoffRecord) {
	if err := c.deps.Log.AppendHandoff(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("append handoff record failed",
			zap.String("session_id", rec.SessionID),
			zap.String("record_id", rec.ID),
			zap.Error(err),
		)
	}
}

// =============================================================================
// 查询与手动控制
// =============================================================================

// Policy 返回当前策略
func (c *Coordinator) Policy() Policy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy
}

// UpdatePolicy 运行时替换策略，对之后的触发生效
func (c *Coordinator) UpdatePolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.policyMu.Lock()
	c.policy = p.normalized()
	c.policyMu.Unlock()
	c.logger.Info("handoff policy updated")
	return nil
}

// GetMetrics 返回会话最近一次利用率指标
func (c *Coordinator) GetMetrics(sessionID string) (types.SessionMetrics, bool) {
	if c.deps.Metrics == nil {
		return types.SessionMetrics{}, false
	}
	return c.deps.Metrics.GetMetrics(sessionID)
}

// GetAllMetrics 返回全部会话的利用率指标
func (c *Coordinator) GetAllMetrics() []types.SessionMetrics {
	if c.deps.Metrics == nil {
		return nil
	}
	return c.deps.Metrics.GetAllMetrics()
}

// GetCircuitState 返回适配器熔断器状态
func (c *Coordinator) GetCircuitState(adapterID string) (circuitbreaker.Snapshot, error) {
	snap, err := c.deps.Chain.CircuitState(adapterID)
	if err != nil {
		return circuitbreaker.Snapshot{}, types.Errorf(types.ErrNotFound, "no circuit breaker for adapter %q", adapterID).
			WithCause(err)
	}
	return snap, nil
}

// GetHandoffHistory 按时间升序返回任务的移交记录
func (c *Coordinator) GetHandoffHistory(ctx context.Context, taskID string) ([]types.HandoffRecord, error) {
	recs, err := c.deps.Log.ListHandoffs(ctx, taskID)
	if err != nil {
		return nil, store.Unavailable("list handoffs", err)
	}
	return recs, nil
}

// RecentHandoffs 按时间降序返回最近的移交记录
func (c *Coordinator) RecentHandoffs(ctx context.Context, limit int) ([]types.HandoffRecord, error) {
	recs, err := c.deps.Log.RecentHandoffs(ctx, limit)
	if err != nil {
		return nil, store.Unavailable("recent handoffs", err)
	}
	return recs, nil
}

// ManualOverride 固定适配器到链首
func (c *Coordinator) ManualOverride(adapterID string) error {
	return c.deps.Chain.ManualOverride(adapterID)
}

// ClearOverride 取消手动覆盖
func (c *Coordinator) ClearOverride() {
	c.deps.Chain.ClearOverride()
}

// Override 返回当前覆盖的适配器
func (c *Coordinator) Override() string {
	return c.deps.Chain.Override()
}

// ResetBreaker 手动重置适配器熔断器
func (c *Coordinator) ResetBreaker(adapterID string) error {
	return c.deps.Chain.ResetBreaker(adapterID)
}

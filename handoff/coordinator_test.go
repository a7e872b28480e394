package handoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/circuitbreaker"
	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/BaSui01/agentrelay/fallback"
	"github.com/BaSui01/agentrelay/monitor"
	"github.com/BaSui01/agentrelay/platform"
	"github.com/BaSui01/agentrelay/preservation"
	"github.com/BaSui01/agentrelay/session"
	"github.com/BaSui01/agentrelay/store"
	"github.com/BaSui01/agentrelay/testutil"
	"github.com/BaSui01/agentrelay/testutil/fixtures"
	"github.com/BaSui01/agentrelay/testutil/mocks"
	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = fixtures.BaseTime

type harness struct {
	bus      *eventbus.Bus
	sessions *session.MemoryStore
	store    store.Store
	hooks    map[string]*mocks.HookRecorder
	adapters map[string]*mocks.MockAdapter
	executor *fallback.Executor
	service  *preservation.Service
	monitor  *monitor.Monitor
	coord    *Coordinator
	events   *testutil.EventRecorder
}

type harnessOptions struct {
	chain    []string
	store    store.Store
	injector Injector
	budget   int64
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if len(opts.chain) == 0 {
		opts.chain = []string{"claude", "codex"}
	}
	if opts.store == nil {
		opts.store = store.NewMemoryStore()
	}
	if opts.budget == 0 {
		opts.budget = 4000
	}
	clock := func() time.Time { return now }

	h := &harness{
		bus:      eventbus.New(zap.NewNop()),
		sessions: session.NewMemoryStore(zap.NewNop()),
		store:    opts.store,
		hooks:    map[string]*mocks.HookRecorder{},
		adapters: map[string]*mocks.MockAdapter{},
	}
	h.events = testutil.RecordEvents(t, h.bus)

	hooks := platform.NewHooks(nil)
	limits := map[string]types.PlatformLimits{}
	var chain []fallback.Descriptor
	var adapters []platform.Adapter
	for i, id := range opts.chain {
		h.hooks[id] = mocks.NewHookRecorder()
		hooks.Register(id, h.hooks[id])
		h.adapters[id] = mocks.NewMockAdapter(id)
		adapters = append(adapters, h.adapters[id])
		chain = append(chain, fallback.Descriptor{
			ID: id, Priority: i + 1,
			Breaker: &circuitbreaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1},
		})
		limits[id] = types.PlatformLimits{MaxContextSize: 100_000, MaxTokens: 100_000, MaxSessionDuration: 100 * time.Minute}
	}

	breakers := circuitbreaker.NewRegistry(fallback.StateChangePublisher(h.bus), zap.NewNop())
	var err error
	h.executor, err = fallback.NewExecutor(chain, adapters, breakers, zap.NewNop(), fallback.WithPublisher(h.bus))
	require.NoError(t, err)

	pcfg := preservation.DefaultConfig()
	pcfg.TokenEncoding = ""
	pcfg.MaxContextBytes = opts.budget
	h.service, err = preservation.NewService(pcfg, h.sessions, h.sessions, hooks, h.store, zap.NewNop(),
		preservation.WithClock(clock), preservation.WithPublisher(h.bus))
	require.NoError(t, err)

	mcfg := monitor.DefaultConfig()
	mcfg.Platforms = limits
	h.monitor, err = monitor.New(mcfg, h.sessions, h.bus, zap.NewNop(), monitor.WithClock(clock))
	require.NoError(t, err)

	var injector Injector = hooks
	if opts.injector != nil {
		injector = opts.injector
	}
	h.coord, err = New(DefaultPolicy(), Deps{
		Sessions:  h.sessions,
		Preserver: h.service,
		Chain:     h.executor,
		Injector:  injector,
		Log:       h.store,
		Metrics:   h.monitor,
		Bus:       h.bus,
	}, zap.NewNop(), WithClock(clock))
	require.NoError(t, err)

	h.coord.Start(context.Background())
	t.Cleanup(h.coord.Stop)
	return h
}

// addSession 创建会话，elapsed 决定时间利用率（上限 100 分钟）
func (h *harness) addSession(t *testing.T, id, taskID, platformID string, elapsed time.Duration) {
	t.Helper()
	s := fixtures.Session(id, taskID, platformID, 0)
	s.StartTime = now.Add(-elapsed)
	require.NoError(t, h.sessions.UpsertSession(context.Background(), s))
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.monitor.Tick(context.Background()))
	h.coord.Wait()
}

func TestCoordinator_EmergencyHandoff(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := testutil.TestContext(t)
	h.addSession(t, "s1", "task-1", "claude", 96*time.Minute)

	_, err := h.sessions.AddBlocks(ctx, "task-1", fixtures.Blocks("imp", 30, 0.9, 100)...)
	require.NoError(t, err)
	_, err = h.sessions.AddBlocks(ctx, "task-1", fixtures.Blocks("low", 90, 0.3, 100)...)
	require.NoError(t, err)

	h.tick(t)

	assert.Len(t, h.events.OfType(eventbus.EventEmergency), 1)
	require.Len(t, h.events.OfType(eventbus.EventHandoffSuccess), 1)
	assert.Len(t, h.events.OfType(eventbus.EventContextCompressed), 1)

	// 30 个重要块 (3000B) + 10 个最新的低重要度块填满 4000B 预算
	injects := h.hooks["codex"].GetInjects()
	require.Len(t, injects, 1)
	assert.Equal(t, 40, injects[0].Blocks)

	history, err := h.coord.GetHandoffHistory(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	rec := history[0]
	assert.True(t, rec.Success)
	assert.Equal(t, "claude", rec.FromPlatform)
	assert.Equal(t, "codex", rec.ToPlatform)
	assert.Equal(t, "emergency", rec.TriggeredBy)
	assert.Equal(t, injects[0].ContextID, rec.PreservedContextID)

	pc, err := h.store.GetContext(ctx, rec.PreservedContextID)
	require.NoError(t, err)
	assert.Equal(t, 120, pc.TotalBlocks)
	assert.True(t, pc.Compressed)

	st, ok := h.coord.State("s1")
	require.True(t, ok)
	assert.Equal(t, StatusStable, st.Status)
	assert.Equal(t, "codex", st.ActivePlatform)

	// 下一个 tick 的指标报告新平台，且不再触发
	h.tick(t)
	m, ok := h.coord.GetMetrics("s1")
	require.True(t, ok)
	assert.Equal(t, "codex", m.Platform)
	assert.Equal(t, types.LevelNormal, m.WarningLevel)
	assert.Len(t, h.events.OfType(eventbus.EventHandoffTriggered), 1)
	assert.Len(t, h.coord.GetAllMetrics(), 1)
}

// 上下文大小驱动的移交只发生一次：新平台上的上下文是注入的保存上下文
func TestCoordinator_ContextPressureHandsOffOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{chain: []string{"claude", "codex", "copilot"}})
	ctx := testutil.TestContext(t)
	require.NoError(t, h.sessions.UpsertSession(ctx, fixtures.Session("s1", "task-1", "claude", 96_000)))
	_, err := h.sessions.AddBlocks(ctx, "task-1", fixtures.Blocks("b", 10, 0.5, 100)...)
	require.NoError(t, err)

	for range 3 {
		h.tick(t)
	}

	assert.Len(t, h.events.OfType(eventbus.EventEmergency), 1)
	assert.Len(t, h.events.OfType(eventbus.EventHandoffTriggered), 1)
	assert.Len(t, h.events.OfType(eventbus.EventHandoffSuccess), 1)
	assert.Empty(t, h.events.OfType(eventbus.EventChainExhausted))
	assert.Empty(t, h.hooks["copilot"].GetInjects())

	sess, err := h.sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "codex", sess.Platform)
	assert.Equal(t, int64(1000), sess.ContextSize)

	history, err := h.coord.GetHandoffHistory(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(1000), history[0].ContextSize)

	m, ok := h.coord.GetMetrics("s1")
	require.True(t, ok)
	assert.Equal(t, types.LevelNormal, m.WarningLevel)
}

func TestCoordinator_WarningCompressesOnly(t *testing.T) {
	h := newHarness(t, harnessOptions{budget: 500})
	ctx := testutil.TestContext(t)
	h.addSession(t, "s1", "task-1", "claude", 75*time.Minute)
	_, err := h.sessions.AddBlocks(ctx, "task-1", fixtures.Blocks("b", 10, 0.5, 100)...)
	require.NoError(t, err)

	h.tick(t)

	assert.Len(t, h.events.OfType(eventbus.EventWarning), 1)
	assert.Empty(t, h.events.OfType(eventbus.EventHandoffTriggered))
	assert.Len(t, h.events.OfType(eventbus.EventContextCompressed), 1)

	sess, err := h.sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "claude", sess.Platform)

	pc, err := h.store.LatestContext(ctx, "task-1", "s1")
	require.NoError(t, err)
	assert.Len(t, pc.MemoryBlocks, 5)

	history, err := h.coord.GetHandoffHistory(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, history)

	st, _ := h.coord.State("s1")
	assert.Equal(t, StatusStable, st.Status)
}

func TestCoordinator_ChainExhausted(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.adapters["codex"].WithHealthy(false)
	h.addSession(t, "s1", "task-1", "claude", 90*time.Minute)

	h.tick(t)

	assert.Len(t, h.events.OfType(eventbus.EventCritical), 1)
	assert.Len(t, h.events.OfType(eventbus.EventChainExhausted), 1)
	failed := h.events.OfType(eventbus.EventHandoffFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "CHAIN_EXHAUSTED")

	st, _ := h.coord.State("s1")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "claude", st.ActivePlatform)

	sess, err := h.sessions.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "claude", sess.Platform)
	require.NotNil(t, sess.LastHandoff)
	assert.False(t, sess.LastHandoff.Success)

	history, err := h.coord.GetHandoffHistory(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Empty(t, history[0].ToPlatform)
}

func TestCoordinator_LastPlatformExhausted(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.addSession(t, "s1", "task-1", "codex", 97*time.Minute)

	h.tick(t)

	assert.Len(t, h.events.OfType(eventbus.EventChainExhausted), 1)
	st, _ := h.coord.State("s1")
	assert.Equal(t, StatusFailed, st.Status)
}

func TestCoordinator_ReadinessWalk(t *testing.T) {
	h := newHarness(t, harnessOptions{chain: []string{"claude", "codex", "copilot"}})
	h.adapters["codex"].WithHealthError(errors.New("connection refused"))
	h.addSession(t, "s1", "task-1", "claude", 96*time.Minute)

	h.tick(t)

	success := h.events.OfType(eventbus.EventHandoffSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, "copilot", success[0].Record.ToPlatform)

	snap, err := h.coord.GetCircuitState("codex")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestCoordinator_PreservationFailureDoesNotBlock(t *testing.T) {
	flaky := mocks.NewFlakyStore(nil).WithSaveError(errors.New("disk full"))
	h := newHarness(t, harnessOptions{store: flaky})
	ctx := testutil.TestContext(t)
	h.addSession(t, "s1", "task-1", "claude", 96*time.Minute)
	_, err := h.sessions.AddBlocks(ctx, "task-1", fixtures.Blocks("b", 3, 0.5, 10)...)
	require.NoError(t, err)

	h.tick(t)

	success := h.events.OfType(eventbus.EventHandoffSuccess)
	require.Len(t, success, 1)
	assert.Empty(t, success[0].Record.PreservedContextID)
	assert.Empty(t, h.hooks["codex"].GetInjects())

	sess, err := h.sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "codex", sess.Platform)
}

// 源平台状态端点不可用时记忆块仍随移交注入目标平台
func TestCoordinator_SourceStateUnavailableKeepsBlocks(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := testutil.TestContext(t)
	h.hooks["claude"].WithExtractError(errors.New("claude gateway down"))
	h.addSession(t, "s1", "task-1", "claude", 96*time.Minute)
	_, err := h.sessions.AddBlocks(ctx, "task-1", fixtures.Blocks("b", 10, 0.5, 10)...)
	require.NoError(t, err)

	h.tick(t)

	success := h.events.OfType(eventbus.EventHandoffSuccess)
	require.Len(t, success, 1)
	contextID := success[0].Record.PreservedContextID
	require.NotEmpty(t, contextID)

	injects := h.hooks["codex"].GetInjects()
	require.Len(t, injects, 1)
	assert.Equal(t, 10, injects[0].Blocks)
	assert.Equal(t, contextID, injects[0].ContextID)

	pc, err := h.store.GetContext(ctx, contextID)
	require.NoError(t, err)
	assert.Equal(t, "claude gateway down", pc.StateError)
	assert.Nil(t, pc.PlatformState)
}

func TestCoordinator_AppendFailureIsAbsorbed(t *testing.T) {
	flaky := mocks.NewFlakyStore(nil).WithAppendError(errors.New("store down"))
	h := newHarness(t, harnessOptions{store: flaky})
	h.addSession(t, "s1", "task-1", "claude", 96*time.Minute)

	h.tick(t)

	assert.Len(t, h.events.OfType(eventbus.EventHandoffSuccess), 1)
	st, _ := h.coord.State("s1")
	assert.Equal(t, StatusStable, st.Status)
}

func TestCoordinator_InjectFailureKeepsHandoff(t *testing.T) {
	rec := mocks.NewHookRecorder().WithInjectError(errors.New("workspace locked"))
	h := newHarness(t, harnessOptions{injector: rec})
	ctx := testutil.TestContext(t)
	h.addSession(t, "s1", "task-1", "claude", 96*time.Minute)
	_, err := h.sessions.AddBlocks(ctx, "task-1", fixtures.Blocks("b", 3, 0.5, 10)...)
	require.NoError(t, err)

	h.tick(t)

	success := h.events.OfType(eventbus.EventHandoffSuccess)
	require.Len(t, success, 1)
	assert.True(t, success[0].Record.Success)
	assert.Contains(t, success[0].Record.Error, "workspace locked")
	assert.Len(t, rec.GetInjects(), 1)
}

// blockingInjector 阻塞在 Inject 中，直到测试放行
type blockingInjector struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func newBlockingInjector() *blockingInjector {
	return &blockingInjector{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingInjector) Inject(ctx context.Context, _ *types.PreservedContext, _ string) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingInjector) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestCoordinator_DuplicateTriggersRunOnce(t *testing.T) {
	inj := newBlockingInjector()
	h := newHarness(t, harnessOptions{injector: inj})
	ctx := testutil.TestContext(t)
	h.addSession(t, "s1", "task-1", "claude", 96*time.Minute)
	_, err := h.sessions.AddBlocks(ctx, "task-1", fixtures.Blocks("b", 2, 0.5, 10)...)
	require.NoError(t, err)

	trigger := eventbus.Event{Type: eventbus.EventEmergency, SessionID: "s1", TaskID: "task-1"}
	h.bus.Publish(trigger)

	_, ok := testutil.WaitForChannel(inj.entered, 5*time.Second)
	require.True(t, ok, "handoff did not reach injection")
	st, _ := h.coord.State("s1")
	assert.Equal(t, StatusSwitching, st.Status)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.bus.Publish(trigger)
		}()
	}
	wg.Wait()

	_, err = h.coord.Handoff(ctx, "s1", "")
	assert.ErrorIs(t, err, ErrInProgress)

	close(inj.release)
	h.coord.Wait()

	assert.Equal(t, 1, inj.Calls())
	assert.Len(t, h.events.OfType(eventbus.EventHandoffTriggered), 1)
	history, err := h.coord.GetHandoffHistory(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCoordinator_SessionsProceedIndependently(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	for _, id := range []string{"s1", "s2", "s3"} {
		h.addSession(t, id, "task-"+id, "claude", 96*time.Minute)
	}

	h.tick(t)

	assert.Len(t, h.events.OfType(eventbus.EventHandoffSuccess), 3)
	for _, st := range h.coord.States() {
		assert.Equal(t, StatusStable, st.Status)
		assert.Equal(t, "codex", st.ActivePlatform)
	}
}

func TestCoordinator_ManualHandoff(t *testing.T) {
	h := newHarness(t, harnessOptions{chain: []string{"claude", "codex", "copilot"}})
	ctx := testutil.TestContext(t)
	h.addSession(t, "s1", "task-1", "claude", time.Minute)

	_, err := h.coord.Handoff(ctx, "s1", "ghost")
	assert.True(t, types.IsErrorCode(err, types.ErrUnknownPlatform))

	rec, err := h.coord.Handoff(ctx, "s1", "copilot")
	require.NoError(t, err)
	assert.Equal(t, types.TriggerManual, rec.TriggeredBy)
	assert.Equal(t, "copilot", rec.ToPlatform)

	_, err = h.coord.Handoff(ctx, "missing", "")
	assert.True(t, types.IsErrorCode(err, types.ErrSessionNotFound))
	st, _ := h.coord.State("missing")
	assert.Equal(t, StatusFailed, st.Status)
	h.coord.Forget("missing")
	_, ok := h.coord.State("missing")
	assert.False(t, ok)
}

func TestCoordinator_UpdatePolicy(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.addSession(t, "s1", "task-1", "claude", 90*time.Minute)

	p := DefaultPolicy()
	p.SwitchLevels = []types.WarningLevel{types.LevelEmergency}
	p.CompressLevels = []types.WarningLevel{types.LevelWarning, types.LevelCritical}
	require.NoError(t, h.coord.UpdatePolicy(p))

	h.tick(t)

	assert.Len(t, h.events.OfType(eventbus.EventCritical), 1)
	assert.Empty(t, h.events.OfType(eventbus.EventHandoffTriggered))
	assert.Equal(t, ActionCompress, h.coord.Policy().ActionFor(types.LevelCritical))
}

func TestCoordinator_StopUnsubscribes(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.addSession(t, "s1", "task-1", "claude", 96*time.Minute)

	h.coord.Stop()
	h.tick(t)

	assert.Len(t, h.events.OfType(eventbus.EventEmergency), 1)
	assert.Empty(t, h.events.OfType(eventbus.EventHandoffTriggered))
}

func TestCoordinator_Controls(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := testutil.TestContext(t)

	require.NoError(t, h.coord.ManualOverride("codex"))
	assert.Equal(t, "codex", h.coord.Override())
	res, err := h.executor.Execute(ctx, platform.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "codex", res.AdapterID)
	h.coord.ClearOverride()
	assert.Empty(t, h.coord.Override())

	_, err = h.coord.GetCircuitState("ghost")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	assert.True(t, types.IsErrorCode(h.coord.ResetBreaker("ghost"), types.ErrNotFound))

	h.adapters["claude"].WithError(errors.New("503"))
	_, _ = h.executor.Execute(ctx, platform.Request{})
	_, _ = h.executor.Execute(ctx, platform.Request{})
	snap, err := h.coord.GetCircuitState("claude")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, snap.Status)
	assert.Len(t, h.events.OfType(eventbus.EventCircuitStateChange), 1)

	require.NoError(t, h.coord.ResetBreaker("claude"))
	snap, _ = h.coord.GetCircuitState("claude")
	assert.Equal(t, circuitbreaker.StateClosed, snap.Status)

	recent, err := h.coord.RecentHandoffs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, ActionCompress, p.ActionFor(types.LevelWarning))
	assert.Equal(t, ActionSwitch, p.ActionFor(types.LevelCritical))
	assert.Equal(t, ActionSwitch, p.ActionFor(types.LevelEmergency))
	assert.Equal(t, ActionNone, p.ActionFor(types.LevelNormal))

	overlap := DefaultPolicy()
	overlap.CompressLevels = append(overlap.CompressLevels, types.LevelCritical)
	assert.True(t, types.IsErrorCode(overlap.Validate(), types.ErrConfigInvalid))

	normal := DefaultPolicy()
	normal.SwitchLevels = []types.WarningLevel{types.LevelNormal}
	assert.Error(t, normal.Validate())

	unknown := DefaultPolicy()
	unknown.CompressLevels = []types.WarningLevel{"severe"}
	assert.Error(t, unknown.Validate())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultPolicy(), Deps{}, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigInvalid))
}

package preservation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/BaSui01/agentrelay/platform"
	"github.com/BaSui01/agentrelay/session"
	"github.com/BaSui01/agentrelay/store"
	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticHook struct {
	state map[string]any
	err   error
}

func (h staticHook) ExtractState(_ context.Context, p, sessionID string) (map[string]any, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := map[string]any{"platform": p, "session_id": sessionID}
	for k, v := range h.state {
		out[k] = v
	}
	return out, nil
}

func (h staticHook) Inject(context.Context, *types.PreservedContext, string) error { return nil }

type fixture struct {
	sessions *session.MemoryStore
	hooks    *platform.Hooks
	store    *store.MemoryStore
	bus      *eventbus.Bus
	svc      *Service
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		sessions: session.NewMemoryStore(zap.NewNop()),
		hooks:    platform.NewHooks(nil),
		store:    store.NewMemoryStore(),
		bus:      eventbus.New(zap.NewNop()),
	}
	f.hooks.Register("codex", staticHook{state: map[string]any{"workspace": "/tmp/codex"}})

	require.NoError(t, f.sessions.UpsertSession(ctx, types.Session{
		ID: "s1", TaskID: "task-1", Platform: "claude", ContextSize: 1000, StartTime: t0,
	}))
	require.NoError(t, f.sessions.PutTaskState(ctx, types.TaskState{TaskID: "task-1", Status: "in_progress"}))

	cfg := DefaultConfig()
	cfg.TokenEncoding = ""
	cfg.MaxContextBytes = 1_000
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := NewService(cfg, f.sessions, f.sessions, f.hooks, f.store, zap.NewNop(),
		WithClock(func() time.Time { return t0 }),
		WithPublisher(f.bus),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) addBlocks(t *testing.T, n int, score float64, size int) {
	t.Helper()
	blocks := make([]types.MemoryBlock, n)
	for i := range blocks {
		blocks[i] = block(fmt.Sprintf("%.2f-%03d", score, i), score, time.Duration(i)*time.Minute, size)
	}
	_, err := f.sessions.AddBlocks(context.Background(), "task-1", blocks...)
	require.NoError(t, err)
}

func TestService_PreserveAndRestore(t *testing.T) {
	f := newFixture(t, nil)
	f.addBlocks(t, 5, 0.5, 10)
	ctx := context.Background()

	pc, err := f.svc.Preserve(ctx, "task-1", "s1", "claude")
	require.NoError(t, err)
	assert.NotEmpty(t, pc.ID)
	assert.False(t, pc.Compressed)
	assert.Equal(t, 1.0, pc.CompressionRatio)
	assert.Equal(t, 5, pc.TotalBlocks)
	assert.Equal(t, int64(50), pc.SizeBytes)
	assert.Equal(t, "claude", pc.SessionState["platform"])
	assert.Equal(t, "in_progress", pc.TaskState["status"])
	assert.Equal(t, "claude", pc.PlatformState["platform"])
	assert.Positive(t, pc.TokenEstimate)

	restored, err := f.svc.Restore(ctx, "task-1", "s1", "codex")
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, pc.ID, restored.ID)
	assert.ElementsMatch(t, pc.BlockIDs(), restored.BlockIDs())
	assert.Equal(t, "codex", restored.TargetPlatform)
	assert.Equal(t, "codex", restored.PlatformState["platform"])
	assert.Equal(t, "/tmp/codex", restored.PlatformState["workspace"])

	// 恢复结果是副本
	restored.MemoryBlocks[0].Content = "changed"
	again, err := f.svc.Restore(ctx, "task-1", "s1", "codex")
	require.NoError(t, err)
	assert.NotEqual(t, "changed", again.MemoryBlocks[0].Content)
}

func TestService_RestoreWithoutSnapshot(t *testing.T) {
	f := newFixture(t, nil)

	pc, err := f.svc.Restore(context.Background(), "task-1", "s1", "codex")
	assert.NoError(t, err)
	assert.Nil(t, pc)
}

func TestService_RestoreFromStoreWhenCacheDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.CacheSize = 0 })
	f.addBlocks(t, 2, 0.9, 5)
	ctx := context.Background()

	pc, err := f.svc.Preserve(ctx, "task-1", "s1", "claude")
	require.NoError(t, err)

	restored, err := f.svc.Restore(ctx, "task-1", "s1", "claude")
	require.NoError(t, err)
	assert.Equal(t, pc.BlockIDs(), restored.BlockIDs())
}

func TestService_PreserveCompresses(t *testing.T) {
	f := newFixture(t, nil)
	f.addBlocks(t, 5, 0.9, 100)
	f.addBlocks(t, 20, 0.3, 100)

	var events []eventbus.Event
	f.bus.Subscribe(eventbus.EventContextCompressed, func(e eventbus.Event) { events = append(events, e) })

	pc, err := f.svc.Preserve(context.Background(), "task-1", "s1", "claude")
	require.NoError(t, err)

	assert.True(t, pc.Compressed)
	assert.Equal(t, 25, pc.TotalBlocks)
	// 5 important (500B) + 5 most recent low-importance blocks fill the 1000B budget.
	assert.Len(t, pc.MemoryBlocks, 10)
	assert.InDelta(t, 10.0/25.0, pc.CompressionRatio, 1e-9)
	assert.LessOrEqual(t, pc.SizeBytes, int64(1000))

	require.Len(t, events, 1)
	assert.Equal(t, pc.ID, events[0].PreservedContextID)
	assert.Equal(t, "s1", events[0].SessionID)
}

func TestService_PlatformBudget(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.PlatformBudgets = map[string]int64{"small": 30}
	})
	f.addBlocks(t, 5, 0.5, 10)
	ctx := context.Background()

	pc, err := f.svc.Preserve(ctx, "task-1", "s1", "small")
	require.NoError(t, err)
	assert.Len(t, pc.MemoryBlocks, 3)

	pc, err = f.svc.Preserve(ctx, "task-1", "s1", "claude")
	require.NoError(t, err)
	assert.Len(t, pc.MemoryBlocks, 5)
}

func TestService_LatestWins(t *testing.T) {
	f := newFixture(t, nil)
	f.addBlocks(t, 1, 0.5, 10)
	ctx := context.Background()

	first, err := f.svc.Preserve(ctx, "task-1", "s1", "claude")
	require.NoError(t, err)
	second, err := f.svc.Preserve(ctx, "task-1", "s1", "claude")
	require.NoError(t, err)

	restored, err := f.svc.Restore(ctx, "task-1", "s1", "claude")
	require.NoError(t, err)
	assert.Equal(t, second.ID, restored.ID)

	old, err := f.store.GetContext(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, old.ID)
}

func TestService_PreserveFailures(t *testing.T) {
	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.svc.Preserve(context.Background(), "task-1", "missing", "claude")
		require.Error(t, err)
		assert.True(t, types.IsErrorCode(err, types.ErrPreservationFailed))
		assert.True(t, types.IsErrorCode(errors.Unwrap(err), types.ErrSessionNotFound))
	})

	t.Run("store closed", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.store.Close())
		_, err := f.svc.Preserve(context.Background(), "task-1", "s1", "claude")
		require.Error(t, err)
		assert.True(t, types.IsErrorCode(err, types.ErrPreservationFailed))
		assert.ErrorIs(t, err, store.ErrStoreClosed)
	})

	t.Run("state extraction keeps blocks", func(t *testing.T) {
		f := newFixture(t, nil)
		f.addBlocks(t, 3, 0.5, 10)
		ctx := context.Background()
		f.hooks.Register("broken", staticHook{err: errors.New("no state endpoint")})

		pc, err := f.svc.Preserve(ctx, "task-1", "s1", "broken")
		require.NoError(t, err)
		assert.Len(t, pc.MemoryBlocks, 3)
		assert.Nil(t, pc.PlatformState)
		assert.Equal(t, "no state endpoint", pc.StateError)

		stored, err := f.store.LatestContext(ctx, "task-1", "s1")
		require.NoError(t, err)
		assert.Equal(t, pc.ID, stored.ID)
		assert.Len(t, stored.MemoryBlocks, 3)
	})

	t.Run("missing task state is fine", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx := context.Background()
		require.NoError(t, f.sessions.UpsertSession(ctx, types.Session{ID: "s2", TaskID: "task-2", Platform: "claude"}))
		pc, err := f.svc.Preserve(ctx, "task-2", "s2", "claude")
		require.NoError(t, err)
		assert.Nil(t, pc.TaskState)
	})
}

func TestService_RestoreWithoutTargetState(t *testing.T) {
	f := newFixture(t, nil)
	f.addBlocks(t, 4, 0.5, 10)
	ctx := context.Background()

	pc, err := f.svc.Preserve(ctx, "task-1", "s1", "codex")
	require.NoError(t, err)
	require.Empty(t, pc.StateError)

	f.hooks.Register("down", staticHook{err: errors.New("gateway unreachable")})
	restored, err := f.svc.Restore(ctx, "task-1", "s1", "down")
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, pc.ID, restored.ID)
	assert.Len(t, restored.MemoryBlocks, 4)
	assert.Equal(t, "down", restored.TargetPlatform)
	assert.Nil(t, restored.PlatformState)
	assert.Equal(t, "gateway unreachable", restored.StateError)

	// 恢复到可用平台时重新提取状态并清除错误
	again, err := f.svc.Restore(ctx, "task-1", "s1", "codex")
	require.NoError(t, err)
	assert.Empty(t, again.StateError)
	assert.Equal(t, "/tmp/codex", again.PlatformState["workspace"])
}

func TestService_Snapshots(t *testing.T) {
	f := newFixture(t, nil)
	f.addBlocks(t, 2, 0.5, 10)
	ctx := context.Background()

	snap, err := f.svc.CreateSnapshot(ctx, "before-refactor", "task-1", "s1", "claude")
	require.NoError(t, err)
	assert.Equal(t, "before-refactor", snap.Name)
	assert.Len(t, snap.Context.MemoryBlocks, 2)

	unnamed, err := f.svc.CreateSnapshot(ctx, "", "task-1", "s1", "claude")
	require.NoError(t, err)
	assert.Equal(t, "snapshot-20260501T090000Z", unnamed.Name)

	// 快照不影响最新上下文
	latest, err := f.svc.Restore(ctx, "task-1", "s1", "claude")
	require.NoError(t, err)
	assert.Nil(t, latest)

	list, err := f.svc.ListSnapshots(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestService_UpdateConfig(t *testing.T) {
	f := newFixture(t, nil)

	bad := f.svc.Config()
	bad.ImportantBlockThreshold = 1.5
	err := f.svc.UpdateConfig(bad)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigInvalid))

	good := f.svc.Config()
	good.MaxContextBytes = 42
	good.CacheSize = 8
	require.NoError(t, f.svc.UpdateConfig(good))
	assert.Equal(t, int64(42), f.svc.Config().Budget("claude"))
}

func TestService_UpdateConfig_RebuildsCacheAndCounter(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.CacheSize = 0 })
	ctx := context.Background()
	f.addBlocks(t, 2, 0.5, 10)

	cache, counter := f.svc.runtime()
	assert.Nil(t, cache)
	assert.IsType(t, ByteCounter{}, counter)

	// 0 -> N 启用缓存，编码变化重建计数器
	cfg := f.svc.Config()
	cfg.CacheSize = 4
	cfg.TokenEncoding = "cl100k_base"
	require.NoError(t, f.svc.UpdateConfig(cfg))
	cache, counter = f.svc.runtime()
	require.NotNil(t, cache)
	assert.IsType(t, &TiktokenCounter{}, counter)

	pc, err := f.svc.Preserve(ctx, "task-1", "s1", "codex")
	require.NoError(t, err)
	assert.True(t, cache.Contains(cacheKey("task-1", "s1")))

	// N -> 0 关闭缓存，恢复走存储
	cfg.CacheSize = 0
	require.NoError(t, f.svc.UpdateConfig(cfg))
	cache, _ = f.svc.runtime()
	assert.Nil(t, cache)
	restored, err := f.svc.Restore(ctx, "task-1", "s1", "codex")
	require.NoError(t, err)
	assert.Equal(t, pc.ID, restored.ID)
}

func TestService_UpdateConfig_KeepsInjectedCounter(t *testing.T) {
	f := newFixture(t, nil)
	custom := ByteCounter{}
	svc, err := NewService(f.svc.Config(), f.sessions, f.sessions, f.hooks, f.store, zap.NewNop(),
		WithTokenCounter(custom))
	require.NoError(t, err)

	cfg := svc.Config()
	cfg.TokenEncoding = "o200k_base"
	require.NoError(t, svc.UpdateConfig(cfg))
	_, counter := svc.runtime()
	assert.Equal(t, custom, counter)
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(Config{}, nil, nil, nil, nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigInvalid))

	_, err = NewService(DefaultConfig(), nil, nil, nil, nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigInvalid))
}

func TestByteCounter(t *testing.T) {
	assert.Equal(t, 0, ByteCounter{}.CountTokens(""))
	assert.Equal(t, 1, ByteCounter{}.CountTokens("abc"))
	assert.Equal(t, 3, ByteCounter{}.CountTokens("0123456789"))
}

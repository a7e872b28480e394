package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg *Config) (*Breaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return New(cfg, zap.NewNop(), WithClock(clock.Now)), clock
}

// ---------------------------------------------------------------------------
// DefaultConfig / New
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 3, cfg.HalfOpenMaxCalls)
	assert.Nil(t, cfg.OnStateChange)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		cfg          *Config
		wantFailures int
		wantRecovery time.Duration
		wantHalfOpen int
	}{
		{
			name:         "nil config uses defaults",
			cfg:          nil,
			wantFailures: 5,
			wantRecovery: 60 * time.Second,
			wantHalfOpen: 3,
		},
		{
			name:         "zero values corrected to defaults",
			cfg:          &Config{FailureThreshold: 0, RecoveryTimeout: 0, HalfOpenMaxCalls: -1},
			wantFailures: 5,
			wantRecovery: 60 * time.Second,
			wantHalfOpen: 3,
		},
		{
			name:         "custom values preserved",
			cfg:          &Config{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 1},
			wantFailures: 3,
			wantRecovery: 10 * time.Second,
			wantHalfOpen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.cfg, nil)
			cfg := b.Config()
			assert.Equal(t, tt.wantFailures, cfg.FailureThreshold)
			assert.Equal(t, tt.wantRecovery, cfg.RecoveryTimeout)
			assert.Equal(t, tt.wantHalfOpen, cfg.HalfOpenMaxCalls)
			assert.Equal(t, StateClosed, b.State())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

// ---------------------------------------------------------------------------
// 状态机
// ---------------------------------------------------------------------------

func TestBreaker_OpensAfterExactlyThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})

	for i := 0; i < 2; i++ {
		require.True(t, b.CanExecute())
		b.OnFailure()
	}
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.CanExecute())

	b.OnFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
	assert.Equal(t, 3, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_RecoveryTimeoutIsStrict(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 1})

	b.OnFailure()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.False(t, b.CanExecute(), "exactly recoveryTimeout must still reject")

	clock.Advance(time.Nanosecond)
	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{FailureThreshold: 5, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 2})

	for i := 0; i < 5; i++ {
		b.OnFailure()
	}
	firstOpened := b.Snapshot().OpenedAt

	clock.Advance(2 * time.Second)
	require.True(t, b.CanExecute())
	b.OnFailure()

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.Status)
	assert.True(t, snap.OpenedAt.After(firstOpened), "reopen must refresh openedAt")
	assert.False(t, b.CanExecute())
}

func TestBreaker_HalfOpenClosesAfterMaxSuccesses(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 3})

	b.OnFailure()
	clock.Advance(2 * time.Second)

	for i := 0; i < 2; i++ {
		require.True(t, b.CanExecute())
		b.OnSuccess()
		assert.Equal(t, StateHalfOpen, b.State())
	}
	require.True(t, b.CanExecute())
	b.OnSuccess()

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Zero(t, snap.HalfOpenSuccesses)
}

func TestBreaker_HalfOpenLimitsConcurrentTrials(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 2})

	b.OnFailure()
	clock.Advance(2 * time.Second)

	assert.True(t, b.CanExecute())
	assert.True(t, b.CanExecute())
	assert.False(t, b.CanExecute(), "third concurrent trial must be rejected")

	b.OnSuccess()
	assert.True(t, b.CanExecute(), "a finished trial frees its slot")
}

func TestBreaker_ConcurrentRecoveryFlipsOnce(t *testing.T) {
	var transitions atomic.Int32
	clock := newFakeClock()
	b := New(&Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(from, to State) {
			if from == StateOpen && to == StateHalfOpen {
				transitions.Add(1)
			}
		},
	}, zap.NewNop(), WithClock(clock.Now))

	b.OnFailure()
	clock.Advance(2 * time.Second)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CanExecute() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), transitions.Load())
	assert.Equal(t, int32(1), allowed.Load())
}

func TestBreaker_StateChangeCallbackOrder(t *testing.T) {
	var got []string
	clock := newFakeClock()
	b := New(&Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(from, to State) {
			got = append(got, from.String()+"->"+to.String())
		},
	}, zap.NewNop(), WithClock(clock.Now))

	b.OnFailure()
	clock.Advance(2 * time.Second)
	b.CanExecute()
	b.OnSuccess()
	b.Reset() // already closed: no transition

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, got)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	b.OnFailure()
	require.False(t, b.CanExecute())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.CanExecute())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_UpdateConfigKeepsCallback(t *testing.T) {
	calls := 0
	b := New(&Config{FailureThreshold: 5, OnStateChange: func(State, State) { calls++ }}, nil)

	b.UpdateConfig(Config{FailureThreshold: 1})
	b.OnFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 1, calls)
}

// ---------------------------------------------------------------------------
// Call / CallWithResult
// ---------------------------------------------------------------------------

func TestCallWithResult(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	v, err := CallWithResult(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	err = b.Call(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, b.State())

	err = b.Call(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCallWithResult_CancelledContextIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(t, &Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)

	// 调用中途取消同样不计失败
	ctx, cancel = context.WithCancel(context.Background())
	err = b.Call(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestCallWithResult_CancelledHalfOpenTrialIsReleased(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	b.OnFailure()
	require.Equal(t, StateOpen, b.State())
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Call(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	snap := b.Snapshot()
	assert.Equal(t, StateHalfOpen, snap.Status)
	assert.Zero(t, snap.HalfOpenInFlight)

	// 名额已归还，下一次试探可以进入并关闭熔断器
	require.NoError(t, b.Call(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Release(t *testing.T) {
	b, clock := newTestBreaker(t, &Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 2})

	// 关闭状态无影响
	b.Release()
	assert.Equal(t, StateClosed, b.State())

	b.OnFailure()
	clock.Advance(2 * time.Minute)
	require.True(t, b.CanExecute())
	require.True(t, b.CanExecute())
	assert.False(t, b.CanExecute())

	b.Release()
	assert.Equal(t, 1, b.Snapshot().HalfOpenInFlight)
	assert.True(t, b.CanExecute())

	b.Release()
	b.Release()
	b.Release()
	assert.Zero(t, b.Snapshot().HalfOpenInFlight)
	assert.Equal(t, StateHalfOpen, b.State())
}

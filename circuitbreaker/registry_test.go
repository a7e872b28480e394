package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_RegisterAndState(t *testing.T) {
	type change struct {
		id       string
		from, to State
	}
	var changes []change
	clock := newFakeClock()
	reg := NewRegistry(func(id string, from, to State) {
		changes = append(changes, change{id, from, to})
	}, zap.NewNop(), WithClock(clock.Now))

	a := reg.Register("claude", &Config{FailureThreshold: 1, RecoveryTimeout: time.Second})
	reg.Register("codex", nil)

	again := reg.Register("claude", &Config{FailureThreshold: 2, RecoveryTimeout: time.Second})
	assert.Same(t, a, again)
	assert.Equal(t, 2, a.Config().FailureThreshold)

	a.OnFailure()
	a.OnFailure()

	snap, err := reg.State("claude")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, snap.Status)
	assert.Equal(t, []change{{"claude", StateClosed, StateOpen}}, changes)

	_, err = reg.State("gemini")
	assert.ErrorIs(t, err, ErrUnknownAdapter)

	assert.Equal(t, []string{"claude", "codex"}, reg.IDs())
	assert.Len(t, reg.States(), 2)
}

func TestRegistry_Reset(t *testing.T) {
	reg := NewRegistry(nil, nil)
	b := reg.Register("codex", &Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	b.OnFailure()
	require.Equal(t, StateOpen, b.State())

	require.NoError(t, reg.Reset("codex"))
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, reg.Reset("nope"), ErrUnknownAdapter)
}

func TestRegistry_UpdateConfig(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register("a", nil)

	require.NoError(t, reg.UpdateConfig("a", Config{FailureThreshold: 9, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}))
	b, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, 9, b.Config().FailureThreshold)
	assert.Error(t, reg.UpdateConfig("b", Config{}))
}

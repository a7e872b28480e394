package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestThresholds_ClassifyBoundaries(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		u    float64
		want WarningLevel
	}{
		{0, LevelNormal},
		{0.6999, LevelNormal},
		{0.70, LevelWarning},
		{0.8499, LevelWarning},
		{0.85, LevelCritical},
		{0.9499, LevelCritical},
		{0.95, LevelEmergency},
		{1, LevelEmergency},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.u), "u=%v", tt.u)
	}
}

func TestThresholds_Validate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	bad := []Thresholds{
		{Warning: 0, Critical: 0.5, Emergency: 0.9},
		{Warning: 0.5, Critical: 0.5, Emergency: 0.9},
		{Warning: 0.5, Critical: 0.9, Emergency: 0.8},
		{Warning: 0.5, Critical: 0.9, Emergency: 1.1},
	}
	for _, th := range bad {
		err := th.Validate()
		require.Error(t, err)
		assert.True(t, IsErrorCode(err, ErrConfigInvalid))
	}
}

func TestClassify_MonotonicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := rapid.Float64Range(0.01, 0.97).Draw(rt, "warning")
		c := rapid.Float64Range(w+0.001, 0.98).Draw(rt, "critical")
		e := rapid.Float64Range(c+0.001, 1).Draw(rt, "emergency")
		th := Thresholds{Warning: w, Critical: c, Emergency: e}

		a := rapid.Float64Range(0, 1).Draw(rt, "a")
		b := rapid.Float64Range(0, 1).Draw(rt, "b")
		if a > b {
			a, b = b, a
		}
		if th.Classify(a).Rank() > th.Classify(b).Rank() {
			rt.Fatalf("level(%v)=%s above level(%v)=%s", a, th.Classify(a), b, th.Classify(b))
		}
		if th.Classify(th.Warning) != LevelWarning || th.Classify(th.Emergency) != LevelEmergency {
			rt.Fatalf("boundaries must be inclusive")
		}
	})
}

func TestComputeMetrics(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limits := PlatformLimits{
		MaxContextSize:     1000,
		MaxTokens:          10000,
		MaxSessionDuration: 100 * time.Minute,
	}

	t.Run("time dominates", func(t *testing.T) {
		s := Session{ID: "s1", TaskID: "t1", Platform: "claude", ContextSize: 100, TokensUsed: 500,
			StartTime: now.Add(-96 * time.Minute)}
		m := ComputeMetrics(s, limits, DefaultThresholds(), now)
		assert.InDelta(t, 0.1, m.ContextUtilization, 1e-9)
		assert.InDelta(t, 0.05, m.TokenUtilization, 1e-9)
		assert.InDelta(t, 0.96, m.TimeUtilization, 1e-9)
		assert.InDelta(t, 0.96, m.Utilization, 1e-9)
		assert.Equal(t, LevelEmergency, m.WarningLevel)
		assert.Equal(t, "claude", m.Platform)
	})

	t.Run("clamped above one", func(t *testing.T) {
		s := Session{ID: "s2", ContextSize: 5000, StartTime: now}
		m := ComputeMetrics(s, limits, DefaultThresholds(), now)
		assert.Equal(t, 1.0, m.ContextUtilization)
		assert.Equal(t, 1.0, m.Utilization)
	})

	t.Run("zero limit contributes nothing", func(t *testing.T) {
		s := Session{ID: "s3", TokensUsed: 99999, StartTime: now.Add(time.Hour)}
		m := ComputeMetrics(s, PlatformLimits{MaxContextSize: 10}, DefaultThresholds(), now)
		assert.Equal(t, 0.0, m.TokenUtilization)
		assert.Equal(t, 0.0, m.TimeUtilization)
		assert.Equal(t, LevelNormal, m.WarningLevel)
	})
}

func TestUtilizationAlwaysInUnitRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		now := time.Unix(1_700_000_000, 0)
		s := Session{
			ID:          "s",
			ContextSize: rapid.Int64Range(-1000, 1_000_000).Draw(rt, "ctx"),
			TokensUsed:  rapid.Int64Range(-1000, 1_000_000).Draw(rt, "tokens"),
			StartTime:   now.Add(-time.Duration(rapid.Int64Range(-3600, 7200).Draw(rt, "age")) * time.Second),
		}
		limits := PlatformLimits{
			MaxContextSize:     rapid.Int64Range(0, 100_000).Draw(rt, "maxCtx"),
			MaxTokens:          rapid.Int64Range(0, 100_000).Draw(rt, "maxTokens"),
			MaxSessionDuration: time.Duration(rapid.Int64Range(0, 3600).Draw(rt, "maxDur")) * time.Second,
		}
		m := ComputeMetrics(s, limits, DefaultThresholds(), now)
		for _, v := range []float64{m.ContextUtilization, m.TokenUtilization, m.TimeUtilization, m.Utilization} {
			if v < 0 || v > 1 {
				rt.Fatalf("utilization out of range: %v", v)
			}
		}
	})
}

func TestWarningLevel_Rank(t *testing.T) {
	assert.True(t, LevelEmergency.Above(LevelCritical))
	assert.True(t, LevelWarning.Above(LevelNormal))
	assert.False(t, LevelNormal.Above(LevelNormal))
	assert.False(t, WarningLevel("bogus").Valid())

	l, err := ParseWarningLevel("critical")
	require.NoError(t, err)
	assert.Equal(t, LevelCritical, l)
	_, err = ParseWarningLevel("severe")
	assert.Error(t, err)
}

func TestPreservedContext_Clone(t *testing.T) {
	orig := &PreservedContext{
		ID:            "pc1",
		MemoryBlocks:  []MemoryBlock{{ID: "b1", Content: "x"}},
		PlatformState: map[string]any{"k": "v"},
	}
	cp := orig.Clone()
	cp.MemoryBlocks[0].ID = "changed"
	cp.PlatformState["k"] = "other"

	assert.Equal(t, "b1", orig.MemoryBlocks[0].ID)
	assert.Equal(t, "v", orig.PlatformState["k"])
	assert.Equal(t, []string{"changed"}, cp.BlockIDs())
	assert.Nil(t, (*PreservedContext)(nil).Clone())
}

package types

import (
	"fmt"
	"time"
)

// WarningLevel 会话资源告警等级
type WarningLevel string

const (
	LevelNormal    WarningLevel = "normal"
	LevelWarning   WarningLevel = "warning"
	LevelCritical  WarningLevel = "critical"
	LevelEmergency WarningLevel = "emergency"
)

// Rank returns the ordinal of the level; higher is more severe.
// Unknown levels rank below normal.
func (l WarningLevel) Rank() int {
	switch l {
	case LevelNormal:
		return 0
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelEmergency:
		return 3
	default:
		return -1
	}
}

// Above reports whether l is strictly more severe than other.
func (l WarningLevel) Above(other WarningLevel) bool {
	return l.Rank() > other.Rank()
}

// Valid reports whether l is one of the four known levels.
func (l WarningLevel) Valid() bool {
	return l.Rank() >= 0
}

// ParseWarningLevel 解析告警等级字符串
func ParseWarningLevel(s string) (WarningLevel, error) {
	l := WarningLevel(s)
	if !l.Valid() {
		return "", Errorf(ErrConfigInvalid, "unknown warning level %q", s)
	}
	return l, nil
}

// Thresholds 告警阈值（利用率下界，含边界）
type Thresholds struct {
	Warning   float64 `json:"warning" yaml:"warning"`
	Critical  float64 `json:"critical" yaml:"critical"`
	Emergency float64 `json:"emergency" yaml:"emergency"`
}

// DefaultThresholds 返回默认阈值 0.70 / 0.85 / 0.95
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.70, Critical: 0.85, Emergency: 0.95}
}

// Validate checks the thresholds are strictly increasing within (0, 1].
func (t Thresholds) Validate() error {
	if t.Warning <= 0 || t.Emergency > 1 {
		return Errorf(ErrConfigInvalid, "thresholds must lie in (0, 1], got %.4f/%.4f/%.4f",
			t.Warning, t.Critical, t.Emergency)
	}
	if !(t.Warning < t.Critical && t.Critical < t.Emergency) {
		return Errorf(ErrConfigInvalid, "thresholds must be strictly increasing, got %.4f/%.4f/%.4f",
			t.Warning, t.Critical, t.Emergency)
	}
	return nil
}

// Classify maps a utilization value to its warning level. Boundaries are
// inclusive: u == Warning yields LevelWarning.
func (t Thresholds) Classify(u float64) WarningLevel {
	switch {
	case u >= t.Emergency:
		return LevelEmergency
	case u >= t.Critical:
		return LevelCritical
	case u >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// PlatformLimits 单个平台的资源上限
type PlatformLimits struct {
	MaxContextSize     int64         `json:"max_context_size" yaml:"max_context_size"`
	MaxTokens          int64         `json:"max_tokens" yaml:"max_tokens"`
	MaxSessionDuration time.Duration `json:"max_session_duration" yaml:"max_session_duration"`
}

// Validate 校验平台上限
func (p PlatformLimits) Validate(platform string) error {
	if p.MaxContextSize <= 0 && p.MaxTokens <= 0 && p.MaxSessionDuration <= 0 {
		return Errorf(ErrConfigInvalid, "platform %q has no positive limit", platform)
	}
	if p.MaxContextSize < 0 || p.MaxTokens < 0 || p.MaxSessionDuration < 0 {
		return Errorf(ErrConfigInvalid, "platform %q has a negative limit", platform)
	}
	return nil
}

// SessionMetrics 会话资源使用快照，每个 tick 重新计算
type SessionMetrics struct {
	SessionID          string        `json:"session_id"`
	TaskID             string        `json:"task_id"`
	Platform           string        `json:"platform"`
	ContextSize        int64         `json:"context_size"`
	MaxContextSize     int64         `json:"max_context_size"`
	TokensUsed         int64         `json:"tokens_used"`
	MaxTokens          int64         `json:"max_tokens"`
	SessionStartTime   time.Time     `json:"session_start_time"`
	MaxSessionDuration time.Duration `json:"max_session_duration"`

	ContextUtilization float64      `json:"context_utilization"`
	TokenUtilization   float64      `json:"token_utilization"`
	TimeUtilization    float64      `json:"time_utilization"`
	Utilization        float64      `json:"utilization"`
	WarningLevel       WarningLevel `json:"warning_level"`
	ComputedAt         time.Time    `json:"computed_at"`
}

// ComputeMetrics derives SessionMetrics for a session at instant now.
// Every utilization component is clamped to [0, 1]; a non-positive limit
// contributes zero.
func ComputeMetrics(s Session, limits PlatformLimits, th Thresholds, now time.Time) SessionMetrics {
	m := SessionMetrics{
		SessionID:          s.ID,
		TaskID:             s.TaskID,
		Platform:           s.Platform,
		ContextSize:        s.ContextSize,
		MaxContextSize:     limits.MaxContextSize,
		TokensUsed:         s.TokensUsed,
		MaxTokens:          limits.MaxTokens,
		SessionStartTime:   s.StartTime,
		MaxSessionDuration: limits.MaxSessionDuration,
		ComputedAt:         now,
	}

	m.ContextUtilization = ratio(float64(s.ContextSize), float64(limits.MaxContextSize))
	m.TokenUtilization = ratio(float64(s.TokensUsed), float64(limits.MaxTokens))
	if !s.StartTime.IsZero() {
		m.TimeUtilization = ratio(float64(now.Sub(s.StartTime)), float64(limits.MaxSessionDuration))
	}

	m.Utilization = max(m.ContextUtilization, m.TokenUtilization, m.TimeUtilization)
	m.WarningLevel = th.Classify(m.Utilization)
	return m
}

// String 便于日志输出
func (m SessionMetrics) String() string {
	return fmt.Sprintf("session=%s platform=%s utilization=%.4f level=%s",
		m.SessionID, m.Platform, m.Utilization, m.WarningLevel)
}

func ratio(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return Clamp01(used / limit)
}

// Clamp01 clamps v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package handoff

import (
	"slices"
	"time"

	"github.com/BaSui01/agentrelay/types"
)

// Action 对某个告警等级的干预方式
type Action string

const (
	ActionNone     Action = "none"
	ActionCompress Action = "compress"
	ActionSwitch   Action = "switch"
)

// Policy 决定哪些等级触发切换、哪些只做压缩
type Policy struct {
	SwitchLevels     []types.WarningLevel `json:"switch_levels" yaml:"switch_levels"`
	CompressLevels   []types.WarningLevel `json:"compress_levels" yaml:"compress_levels"`
	ReadinessTimeout time.Duration        `json:"readiness_timeout" yaml:"readiness_timeout"`
	// HandoffTimeout 单次移交（保存、探测、恢复、注入）的总时限
	HandoffTimeout time.Duration `json:"handoff_timeout" yaml:"handoff_timeout"`
}

// DefaultPolicy warning 只压缩，critical / emergency 切换平台
func DefaultPolicy() Policy {
	return Policy{
		SwitchLevels:     []types.WarningLevel{types.LevelCritical, types.LevelEmergency},
		CompressLevels:   []types.WarningLevel{types.LevelWarning},
		ReadinessTimeout: 10 * time.Second,
		HandoffTimeout:   2 * time.Minute,
	}
}

// Validate 校验等级合法且两组不重叠
func (p Policy) Validate() error {
	for _, l := range append(slices.Clone(p.SwitchLevels), p.CompressLevels...) {
		if !l.Valid() || l == types.LevelNormal {
			return types.Errorf(types.ErrConfigInvalid, "handoff policy: invalid level %q", l)
		}
	}
	for _, l := range p.SwitchLevels {
		if slices.Contains(p.CompressLevels, l) {
			return types.Errorf(types.ErrConfigInvalid, "handoff policy: level %q is both switch and compress", l)
		}
	}
	if p.ReadinessTimeout < 0 || p.HandoffTimeout < 0 {
		return types.NewError(types.ErrConfigInvalid, "handoff policy: timeouts must not be negative")
	}
	return nil
}

// ActionFor 返回等级对应的干预方式
func (p Policy) ActionFor(level types.WarningLevel) Action {
	switch {
	case slices.Contains(p.SwitchLevels, level):
		return ActionSwitch
	case slices.Contains(p.CompressLevels, level):
		return ActionCompress
	default:
		return ActionNone
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.ReadinessTimeout == 0 {
		p.ReadinessTimeout = d.ReadinessTimeout
	}
	if p.HandoffTimeout == 0 {
		p.HandoffTimeout = d.HandoffTimeout
	}
	return p
}

package platform

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// StateHook 平台状态插件：提取平台侧状态、注入保存的上下文
type StateHook interface {
	ExtractState(ctx context.Context, platform, sessionID string) (map[string]any, error)
	Inject(ctx context.Context, preserved *types.PreservedContext, platform string) error
}

// Hooks 按平台注册的状态插件。未注册的平台使用默认插件。
type Hooks struct {
	mu       sync.RWMutex
	hooks    map[string]StateHook
	fallback StateHook
}

// NewHooks 创建插件注册表；fallback 为空时使用 DefaultHook
func NewHooks(fallback StateHook) *Hooks {
	if fallback == nil {
		fallback = NewDefaultHook(nil)
	}
	return &Hooks{
		hooks:    make(map[string]StateHook),
		fallback: fallback,
	}
}

// Register 为平台注册插件，覆盖已有注册
func (h *Hooks) Register(platform string, hook StateHook) {
	h.mu.Lock()
	h.hooks[platform] = hook
	h.mu.Unlock()
}

// For 返回平台对应的插件
func (h *Hooks) For(platform string) StateHook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if hook, ok := h.hooks[platform]; ok {
		return hook
	}
	return h.fallback
}

// ExtractState 实现 StateHook，按平台分派
func (h *Hooks) ExtractState(ctx context.Context, platform, sessionID string) (map[string]any, error) {
	return h.For(platform).ExtractState(ctx, platform, sessionID)
}

// Inject 实现 StateHook，按平台分派
func (h *Hooks) Inject(ctx context.Context, preserved *types.PreservedContext, platform string) error {
	return h.For(platform).Inject(ctx, preserved, platform)
}

// DefaultHook 不依赖平台能力的默认插件：
// 提取时只记录平台与会话标识，注入时仅记录日志。
type DefaultHook struct {
	now    func() time.Time
	logger *zap.Logger
}

// NewDefaultHook 创建默认插件
func NewDefaultHook(logger *zap.Logger) *DefaultHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultHook{now: time.Now, logger: logger.With(zap.String("component", "state_hook"))}
}

// ExtractState 实现 StateHook
func (d *DefaultHook) ExtractState(_ context.Context, platform, sessionID string) (map[string]any, error) {
	return map[string]any{
		"platform":     platform,
		"session_id":   sessionID,
		"extracted_at": d.now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Inject 实现 StateHook
func (d *DefaultHook) Inject(_ context.Context, preserved *types.PreservedContext, platform string) error {
	d.logger.Info("preserved context handed to platform",
		zap.String("platform", platform),
		zap.String("context_id", preserved.ID),
		zap.Int("blocks", len(preserved.MemoryBlocks)),
	)
	return nil
}

package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentrelay/types"
)

// InjectCall 记录一次 Inject 调用
type InjectCall struct {
	Platform  string
	ContextID string
	Blocks    int
}

// HookRecorder 记录平台状态插件调用的 platform.StateHook 模拟实现
type HookRecorder struct {
	mu         sync.Mutex
	state      map[string]any
	extractErr error
	injectErr  error
	extracts   []string
	injects    []InjectCall
}

// NewHookRecorder 创建 HookRecorder
func NewHookRecorder() *HookRecorder {
	return &HookRecorder{state: map[string]any{}}
}

// WithState 设置 ExtractState 返回的附加状态
func (h *HookRecorder) WithState(state map[string]any) *HookRecorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
	return h
}

// WithExtractError 设置 ExtractState 错误
func (h *HookRecorder) WithExtractError(err error) *HookRecorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extractErr = err
	return h
}

// WithInjectError 设置 Inject 错误
func (h *HookRecorder) WithInjectError(err error) *HookRecorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.injectErr = err
	return h
}

// ExtractState 实现 platform.StateHook
func (h *HookRecorder) ExtractState(_ context.Context, platform, sessionID string) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extracts = append(h.extracts, platform)
	if h.extractErr != nil {
		return nil, h.extractErr
	}
	out := map[string]any{"platform": platform, "session_id": sessionID}
	for k, v := range h.state {
		out[k] = v
	}
	return out, nil
}

// Inject 实现 platform.StateHook
func (h *HookRecorder) Inject(_ context.Context, preserved *types.PreservedContext, platform string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	call := InjectCall{Platform: platform}
	if preserved != nil {
		call.ContextID = preserved.ID
		call.Blocks = len(preserved.MemoryBlocks)
	}
	h.injects = append(h.injects, call)
	return h.injectErr
}

// GetInjects 返回 Inject 调用记录
func (h *HookRecorder) GetInjects() []InjectCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]InjectCall{}, h.injects...)
}

// GetExtracts 返回 ExtractState 调用的平台列表
func (h *HookRecorder) GetExtracts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.extracts...)
}

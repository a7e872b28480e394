package platform

import (
	"context"
	"time"

	"github.com/BaSui01/agentrelay/types"
)

// Request 发送给执行平台的一次请求
type Request struct {
	Prompt    string                  `json:"prompt"`
	SessionID string                  `json:"session_id,omitempty"`
	TaskID    string                  `json:"task_id,omitempty"`
	Context   map[string]any          `json:"context,omitempty"`
	Preserved *types.PreservedContext `json:"preserved,omitempty"`
}

// Response 执行平台返回的结果
type Response struct {
	AdapterID string         `json:"adapter_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Latency   time.Duration  `json:"latency"`
	Degraded  bool           `json:"degraded,omitempty"`
}

// Health 健康检查结果
type Health struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Adapter 执行平台适配器。每个具体后端提供一个实现。
type Adapter interface {
	ID() string
	Execute(ctx context.Context, req Request) (*Response, error)
	HealthCheck(ctx context.Context) (Health, error)
}

// Responder 最后兜底的响应器，在整条链不可用时产生降级响应
type Responder interface {
	Respond(ctx context.Context, req Request, attempted []string) (*Response, error)
}

// ResponderFunc 函数形式的 Responder
type ResponderFunc func(ctx context.Context, req Request, attempted []string) (*Response, error)

// Respond 实现 Responder
func (f ResponderFunc) Respond(ctx context.Context, req Request, attempted []string) (*Response, error) {
	return f(ctx, req, attempted)
}

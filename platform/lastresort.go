package platform

import (
	"context"
	"strings"
	"time"
)

// LastResortID 兜底响应使用的适配器 ID
const LastResortID = "last_resort"

// DegradedResponder 返回固定降级消息的兜底响应器
type DegradedResponder struct {
	Message string
}

// NewDegradedResponder 创建降级响应器
func NewDegradedResponder(message string) *DegradedResponder {
	if strings.TrimSpace(message) == "" {
		message = "All execution platforms are temporarily unavailable. Your request was not processed; please retry shortly."
	}
	return &DegradedResponder{Message: message}
}

// Respond 实现 Responder
func (d *DegradedResponder) Respond(_ context.Context, req Request, attempted []string) (*Response, error) {
	return &Response{
		AdapterID: LastResortID,
		Content:   d.Message,
		Degraded:  true,
		Metadata: map[string]any{
			"attempted":    append([]string(nil), attempted...),
			"session_id":   req.SessionID,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

package types

import "time"

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session 外部会话存储报告的会话使用情况
type Session struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Platform    string         `json:"platform"`
	Status      SessionStatus  `json:"status"`
	ContextSize int64          `json:"context_size"`
	TokensUsed  int64          `json:"tokens_used"`
	StartTime   time.Time      `json:"start_time"`
	LastHandoff *HandoffRecord `json:"last_handoff,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Active reports whether the session is still running.
func (s Session) Active() bool {
	return s.Status == "" || s.Status == SessionActive
}

// TaskState 任务状态的只读快照
type TaskState struct {
	TaskID      string         `json:"task_id"`
	Status      string         `json:"status"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HandoffRecord 平台切换审计记录，创建后不可变
type HandoffRecord struct {
	ID           string `json:"id" bson:"_id"`
	TaskID       string `json:"task_id" bson:"task_id"`
	SessionID    string `json:"session_id" bson:"session_id"`
	FromPlatform string `json:"from_platform" bson:"from_platform"`
	ToPlatform   string `json:"to_platform" bson:"to_platform"`
	TriggeredBy  string `json:"triggered_by" bson:"triggered_by"`
	// PreservedContextID is empty when preservation failed or was skipped.
	PreservedContextID string    `json:"preserved_context_id,omitempty" bson:"preserved_context_id,omitempty"`
	Success            bool      `json:"success" bson:"success"`
	// ContextSize 新平台上的初始上下文大小，即注入的保存上下文字节数
	ContextSize        int64     `json:"context_size" bson:"context_size"`
	Error              string    `json:"error,omitempty" bson:"error,omitempty"`
	Timestamp          time.Time `json:"timestamp" bson:"timestamp"`
}

// TriggerManual marks handoffs requested through the manual controls.
const TriggerManual = "manual"

package types

import (
	"maps"
	"time"
)

// MemoryBlock 长期记忆中的一段工作上下文。内容创建后不可变。
type MemoryBlock struct {
	ID              string    `json:"id" bson:"id"`
	TaskID          string    `json:"task_id,omitempty" bson:"task_id,omitempty"`
	Content         string    `json:"content" bson:"content"`
	ImportanceScore float64   `json:"importance_score" bson:"importance_score"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	LastAccessed    time.Time `json:"last_accessed" bson:"last_accessed"`
}

// SizeBytes returns the byte size the block contributes to a context.
func (b MemoryBlock) SizeBytes() int64 {
	return int64(len(b.Content))
}

// PreservedContext 跨平台移交时保存的上下文快照。存储后不可变，
// 同一 (task, session) 的新快照整体替换旧快照。
type PreservedContext struct {
	ID             string         `json:"id" bson:"_id"`
	TaskID         string         `json:"task_id" bson:"task_id"`
	SessionID      string         `json:"session_id" bson:"session_id"`
	SourcePlatform string         `json:"source_platform" bson:"source_platform"`
	TargetPlatform string         `json:"target_platform,omitempty" bson:"target_platform,omitempty"`
	MemoryBlocks   []MemoryBlock  `json:"memory_blocks" bson:"memory_blocks"`
	SessionState   map[string]any `json:"session_state,omitempty" bson:"session_state,omitempty"`
	TaskState      map[string]any `json:"task_state,omitempty" bson:"task_state,omitempty"`
	PlatformState  map[string]any `json:"platform_state,omitempty" bson:"platform_state,omitempty"`
	// StateError 平台状态提取失败的原因，此时 PlatformState 为空
	StateError     string         `json:"state_error,omitempty" bson:"state_error,omitempty"`
	SizeBytes      int64          `json:"size_bytes" bson:"size_bytes"`
	TotalBlocks    int            `json:"total_blocks" bson:"total_blocks"`
	Compressed     bool           `json:"compressed" bson:"compressed"`
	// CompressionRatio = kept blocks / total blocks; 1 when nothing was dropped.
	CompressionRatio float64   `json:"compression_ratio" bson:"compression_ratio"`
	TokenEstimate    int       `json:"token_estimate,omitempty" bson:"token_estimate,omitempty"`
	CreatedAt        time.Time `json:"created_at" bson:"created_at"`
}

// Clone returns a deep copy. Memory blocks are copied by value; state maps
// are shallow-copied one level deep.
func (c *PreservedContext) Clone() *PreservedContext {
	if c == nil {
		return nil
	}
	out := *c
	if c.MemoryBlocks != nil {
		out.MemoryBlocks = make([]MemoryBlock, len(c.MemoryBlocks))
		copy(out.MemoryBlocks, c.MemoryBlocks)
	}
	out.SessionState = maps.Clone(c.SessionState)
	out.TaskState = maps.Clone(c.TaskState)
	out.PlatformState = maps.Clone(c.PlatformState)
	return &out
}

// BlockIDs 返回按顺序排列的记忆块 ID
func (c *PreservedContext) BlockIDs() []string {
	ids := make([]string, len(c.MemoryBlocks))
	for i, b := range c.MemoryBlocks {
		ids[i] = b.ID
	}
	return ids
}

// Snapshot 命名、带时间戳的 PreservedContext，用于审计与调试
type Snapshot struct {
	ID        string           `json:"id" bson:"_id"`
	Name      string           `json:"name" bson:"name"`
	TaskID    string           `json:"task_id" bson:"task_id"`
	SessionID string           `json:"session_id" bson:"session_id"`
	Context   PreservedContext `json:"context" bson:"context"`
	CreatedAt time.Time        `json:"created_at" bson:"created_at"`
}

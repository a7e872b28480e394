// Package fixtures 提供测试数据工厂：记忆块、会话与移交记录样例。
package fixtures

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/types"
)

// BaseTime 固定的测试基准时间
var BaseTime = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// Blocks 生成 n 个记忆块，ID 形如 prefix-000，内容 size 字节，
// 第 i 个块比基准时间早 i 分钟
func Blocks(prefix string, n int, score float64, size int) []types.MemoryBlock {
	out := make([]types.MemoryBlock, n)
	for i := range out {
		created := BaseTime.Add(-time.Duration(i) * time.Minute)
		out[i] = types.MemoryBlock{
			ID:              fmt.Sprintf("%s-%03d", prefix, i),
			Content:         strings.Repeat("m", size),
			ImportanceScore: score,
			CreatedAt:       created,
			LastAccessed:    created,
		}
	}
	return out
}

// Session 返回活跃会话样例
func Session(id, taskID, platform string, contextSize int64) types.Session {
	return types.Session{
		ID:          id,
		TaskID:      taskID,
		Platform:    platform,
		Status:      types.SessionActive,
		ContextSize: contextSize,
		StartTime:   BaseTime,
	}
}

// Handoff 返回成功的手动移交记录样例
func Handoff(id, taskID, from, to string, at time.Time) types.HandoffRecord {
	return types.HandoffRecord{
		ID:           id,
		TaskID:       taskID,
		SessionID:    "s-" + taskID,
		FromPlatform: from,
		ToPlatform:   to,
		TriggeredBy:  types.TriggerManual,
		Success:      true,
		Timestamp:    at,
	}
}

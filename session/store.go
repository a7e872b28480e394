package session

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// MaxBlocksPerQuery 单次查询记忆块的上限
const MaxBlocksPerQuery = 500

// MemoryStore 进程内的会话、任务与记忆块存储。
// 由入口进程通过 HTTP 接收外部上报，监控器、保存服务与协调器只读或按约定回写。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]types.Session
	tasks    map[string]types.TaskState
	blocks   map[string][]types.MemoryBlock
	now      func() time.Time
	logger   *zap.Logger
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		sessions: make(map[string]types.Session),
		tasks:    make(map[string]types.TaskState),
		blocks:   make(map[string][]types.MemoryBlock),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "session_store")),
	}
}

// =============================================================================
// 会话
// =============================================================================

// UpsertSession 新增或覆盖会话
func (s *MemoryStore) UpsertSession(_ context.Context, sess types.Session) error {
	if sess.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "session id is required")
	}
	if sess.Platform == "" {
		return types.NewError(types.ErrInvalidRequest, "session platform is required")
	}
	if sess.Status == "" {
		sess.Status = types.SessionActive
	}
	if sess.StartTime.IsZero() {
		sess.StartTime = s.now()
	}

	s.mu.Lock()
	if old, ok := s.sessions[sess.ID]; ok && sess.LastHandoff == nil {
		sess.LastHandoff = old.LastHandoff
	}
	sess.Metadata = maps.Clone(sess.Metadata)
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

// ReportUsage 更新会话的上下文大小与 Token 用量
func (s *MemoryStore) ReportUsage(_ context.Context, sessionID string, contextSize, tokensUsed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.Errorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	sess.ContextSize = contextSize
	sess.TokensUsed = tokensUsed
	s.sessions[sessionID] = sess
	return nil
}

// EndSession 标记会话结束
func (s *MemoryStore) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.Errorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	sess.Status = types.SessionEnded
	s.sessions[sessionID] = sess
	return nil
}

// GetActiveSessions 返回所有活跃会话，按 ID 排序
func (s *MemoryStore) GetActiveSessions(context.Context) ([]types.Session, error) {
	s.mu.RLock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Active() {
			out = append(out, sess)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSession 获取会话
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.Session{}, types.Errorf(types.ErrSessionNotFound, "session %q not found", sessionID)
	}
	return sess, nil
}

// UpdateSessionHandoff 记录一次移交结果。成功时会话切换到目标平台，
// 以移交时间作为新平台上的会话起点，Token 用量清零，上下文大小取注入的保存上下文。
func (s *MemoryStore) UpdateSessionHandoff(_ context.Context, taskID string, record types.HandoffRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[record.SessionID]
	if !ok {
		return types.Errorf(types.ErrSessionNotFound, "session %q not found", record.SessionID)
	}
	if taskID != "" && sess.TaskID != "" && sess.TaskID != taskID {
		return types.Errorf(types.ErrInvalidRequest, "session %q belongs to task %q, not %q",
			record.SessionID, sess.TaskID, taskID)
	}

	rec := record
	sess.LastHandoff = &rec
	if record.Success && record.ToPlatform != "" {
		sess.Platform = record.ToPlatform
		sess.StartTime = record.Timestamp
		sess.TokensUsed = 0
		sess.ContextSize = record.ContextSize
	}
	s.sessions[record.SessionID] = sess

	s.logger.Debug("session handoff recorded",
		zap.String("session_id", record.SessionID),
		zap.String("to_platform", record.ToPlatform),
		zap.Bool("success", record.Success),
	)
	return nil
}

// =============================================================================
// 任务
// =============================================================================

// PutTaskState 写入任务状态
func (s *MemoryStore) PutTaskState(_ context.Context, state types.TaskState) error {
	if state.TaskID == "" {
		return types.NewError(types.ErrInvalidRequest, "task id is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	state.Data = maps.Clone(state.Data)

	s.mu.Lock()
	s.tasks[state.TaskID] = state
	s.mu.Unlock()
	return nil
}

// GetTaskState 获取任务状态
func (s *MemoryStore) GetTaskState(_ context.Context, taskID string) (types.TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.tasks[taskID]
	if !ok {
		return types.TaskState{}, types.Errorf(types.ErrNotFound, "task %q not found", taskID)
	}
	st.Data = maps.Clone(st.Data)
	return st, nil
}

// =============================================================================
// 记忆块
// =============================================================================

// AddBlocks 追加记忆块。已存在的 ID 被忽略，内容一经写入不再修改。
func (s *MemoryStore) AddBlocks(_ context.Context, taskID string, blocks ...types.MemoryBlock) (int, error) {
	if taskID == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "task id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]struct{}, len(s.blocks[taskID]))
	for _, b := range s.blocks[taskID] {
		existing[b.ID] = struct{}{}
	}

	added := 0
	now := s.now()
	for _, b := range blocks {
		if b.ID == "" {
			return added, types.NewError(types.ErrInvalidRequest, "memory block id is required")
		}
		if _, dup := existing[b.ID]; dup {
			continue
		}
		b.TaskID = taskID
		b.ImportanceScore = types.Clamp01(b.ImportanceScore)
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.LastAccessed.IsZero() {
			b.LastAccessed = b.CreatedAt
		}
		s.blocks[taskID] = append(s.blocks[taskID], b)
		existing[b.ID] = struct{}{}
		added++
	}
	return added, nil
}

// GetBlocksForTask 返回任务的记忆块，按 (importanceScore desc, createdAt desc) 排序，
// 至多 limit 条（limit <= 0 或超过上限时按 MaxBlocksPerQuery 截断）。
func (s *MemoryStore) GetBlocksForTask(_ context.Context, taskID string, limit int) ([]types.MemoryBlock, error) {
	if limit <= 0 || limit > MaxBlocksPerQuery {
		limit = MaxBlocksPerQuery
	}

	s.mu.RLock()
	out := make([]types.MemoryBlock, len(s.blocks[taskID]))
	copy(out, s.blocks[taskID])
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ImportanceScore != out[j].ImportanceScore {
			return out[i].ImportanceScore > out[j].ImportanceScore
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

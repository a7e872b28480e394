package preservation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/BaSui01/agentrelay/store"
	"github.com/BaSui01/agentrelay/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/agentrelay/preservation"

// SessionReader 会话与任务状态的只读访问
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (types.Session, error)
	GetTaskState(ctx context.Context, taskID string) (types.TaskState, error)
}

// BlockSource 记忆块访问
type BlockSource interface {
	GetBlocksForTask(ctx context.Context, taskID string, limit int) ([]types.MemoryBlock, error)
}

// StateExtractor 平台状态提取（platform.Hooks 实现该接口）
type StateExtractor interface {
	ExtractState(ctx context.Context, platform, sessionID string) (map[string]any, error)
}

// Option 配置 Service
type Option func(*Service)

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTokenCounter 替换 Token 计数器
func WithTokenCounter(c TokenCounter) Option {
	return func(s *Service) {
		s.tokens = c
		s.fixedTokens = true
	}
}

// WithPublisher 压缩发生时发布 context_compressed 事件
func WithPublisher(p eventbus.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// Service 上下文保存服务：排序、压缩、持久化与跨平台恢复
type Service struct {
	sessions  SessionReader
	blocks    BlockSource
	extractor StateExtractor
	store     store.ContextStore
	publisher eventbus.Publisher
	tokens    TokenCounter
	now       func() time.Time
	tracer    trace.Tracer
	logger    *zap.Logger

	mu          sync.RWMutex
	config      Config
	cache       *lru.Cache[string, *types.PreservedContext]
	fixedTokens bool
}

// NewService 创建保存服务
func NewService(config Config, sessions SessionReader, blocks BlockSource, extractor StateExtractor,
	contexts store.ContextStore, logger *zap.Logger, opts ...Option) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sessions == nil || blocks == nil || extractor == nil || contexts == nil {
		return nil, types.NewError(types.ErrConfigInvalid, "preservation service requires sessions, blocks, extractor and store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		sessions:  sessions,
		blocks:    blocks,
		extractor: extractor,
		store:     contexts,
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger.With(zap.String("component", "preservation")),
		config:    config,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokens == nil {
		s.tokens = newTokenCounter(config.TokenEncoding)
	}
	cache, err := newCache(config.CacheSize)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

func newTokenCounter(encoding string) TokenCounter {
	if encoding != "" {
		return NewTiktokenCounter(encoding)
	}
	return ByteCounter{}
}

// newCache size <= 0 时不启用缓存
func newCache(size int) (*lru.Cache[string, *types.PreservedContext], error) {
	if size <= 0 {
		return nil, nil
	}
	return lru.New[string, *types.PreservedContext](size)
}

func cacheKey(taskID, sessionID string) string {
	return taskID + "\x00" + sessionID
}

// Config 返回当前配置
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// UpdateConfig 运行时替换配置。
// CacheSize 变化时调整、启用或关闭缓存；TokenEncoding 变化时重建计数器（WithTokenCounter 注入的除外）。
func (s *Service) UpdateConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case config.CacheSize <= 0:
		s.cache = nil
	case s.cache == nil:
		cache, err := newCache(config.CacheSize)
		if err != nil {
			return err
		}
		s.cache = cache
	default:
		s.cache.Resize(config.CacheSize)
	}
	if !s.fixedTokens && config.TokenEncoding != s.config.TokenEncoding {
		s.tokens = newTokenCounter(config.TokenEncoding)
	}
	s.config = config
	return nil
}

func (s *Service) runtime() (*lru.Cache[string, *types.PreservedContext], TokenCounter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache, s.tokens
}

// Preserve 为会话生成并保存上下文快照，替换该 (task, session) 的最新快照。
// 失败以 PRESERVATION_FAILED 返回，调用方可以继续切换平台。
func (s *Service) Preserve(ctx context.Context, taskID, sessionID, platform string) (*types.PreservedContext, error) {
	ctx, span := s.tracer.Start(ctx, "preservation.preserve", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("session.id", sessionID),
		attribute.String("platform", platform),
	))
	defer span.End()

	pc, err := s.build(ctx, taskID, sessionID, platform)
	if err != nil {
		return nil, s.fail(span, "build", taskID, sessionID, err)
	}
	if err := s.store.SaveContext(ctx, pc); err != nil {
		return nil, s.fail(span, "save", taskID, sessionID, err)
	}
	if cache, _ := s.runtime(); cache != nil {
		cache.Add(cacheKey(taskID, sessionID), pc.Clone())
	}

	span.SetAttributes(
		attribute.Int("blocks.kept", len(pc.MemoryBlocks)),
		attribute.Int("blocks.total", pc.TotalBlocks),
		attribute.Bool("compressed", pc.Compressed),
	)
	s.logger.Info("context preserved",
		zap.String("task_id", taskID),
		zap.String("session_id", sessionID),
		zap.String("context_id", pc.ID),
		zap.Int("blocks", len(pc.MemoryBlocks)),
		zap.Int("total_blocks", pc.TotalBlocks),
		zap.Int64("size_bytes", pc.SizeBytes),
		zap.Float64("compression_ratio", pc.CompressionRatio),
	)

	if pc.Compressed && s.publisher != nil {
		s.publisher.Publish(eventbus.Event{
			Type:               eventbus.EventContextCompressed,
			SessionID:          sessionID,
			TaskID:             taskID,
			AdapterID:          platform,
			PreservedContextID: pc.ID,
		})
	}
	return pc, nil
}

// build 读取记忆块与状态，排序并按平台预算压缩
func (s *Service) build(ctx context.Context, taskID, sessionID, platform string) (*types.PreservedContext, error) {
	cfg := s.Config()

	blocks, err := s.blocks.GetBlocksForTask(ctx, taskID, cfg.MaxBlocks)
	if err != nil {
		return nil, err
	}
	ranked := RankBlocks(blocks, cfg.TieWindow)

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sessionState := map[string]any{
		"id":           sess.ID,
		"task_id":      sess.TaskID,
		"platform":     sess.Platform,
		"status":       string(sess.Status),
		"context_size": sess.ContextSize,
		"tokens_used":  sess.TokensUsed,
		"start_time":   sess.StartTime.UTC().Format(time.RFC3339Nano),
	}

	var taskState map[string]any
	task, err := s.sessions.GetTaskState(ctx, taskID)
	switch {
	case err == nil:
		taskState = map[string]any{
			"status":      task.Status,
			"description": task.Description,
			"data":        task.Data,
			"updated_at":  task.UpdatedAt.UTC().Format(time.RFC3339Nano),
		}
	case types.IsErrorCode(err, types.ErrNotFound):
	default:
		return nil, err
	}

	// 源平台通常正是故障方：状态提取失败只丢平台状态，记忆块照常保存
	var stateErr string
	platformState, err := s.extractor.ExtractState(ctx, platform, sessionID)
	if err != nil {
		platformState = nil
		stateErr = err.Error()
		s.logger.Warn("platform state extraction failed, preserving without platform state",
			zap.String("task_id", taskID),
			zap.String("session_id", sessionID),
			zap.String("platform", platform),
			zap.Error(err),
		)
	}

	c := Compress(ranked, cfg.Budget(platform), cfg.ImportantBlockThreshold)

	_, counter := s.runtime()
	tokens := 0
	for _, b := range c.Blocks {
		tokens += counter.CountTokens(b.Content)
	}

	return &types.PreservedContext{
		ID:               uuid.NewString(),
		TaskID:           taskID,
		SessionID:        sessionID,
		SourcePlatform:   platform,
		MemoryBlocks:     c.Blocks,
		SessionState:     sessionState,
		TaskState:        taskState,
		PlatformState:    platformState,
		StateError:       stateErr,
		SizeBytes:        c.SizeBytes,
		TotalBlocks:      c.Total,
		Compressed:       c.Compressed,
		CompressionRatio: c.Ratio,
		TokenEstimate:    tokens,
		CreatedAt:        s.now(),
	}, nil
}

// Restore 返回 (task, session) 最新快照的副本，平台状态按 targetPlatform 重新提取。
// 没有快照时返回 (nil, nil)。
func (s *Service) Restore(ctx context.Context, taskID, sessionID, targetPlatform string) (*types.PreservedContext, error) {
	ctx, span := s.tracer.Start(ctx, "preservation.restore", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("session.id", sessionID),
		attribute.String("platform", targetPlatform),
	))
	defer span.End()

	latest, err := s.latest(ctx, taskID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(span, "load", taskID, sessionID, err)
	}

	out := latest.Clone()
	out.TargetPlatform = targetPlatform
	out.PlatformState = nil
	out.StateError = ""

	state, err := s.extractor.ExtractState(ctx, targetPlatform, sessionID)
	if err != nil {
		out.StateError = err.Error()
		span.SetAttributes(attribute.String("state.error", err.Error()))
		s.logger.Warn("target state extraction failed, restoring blocks without platform state",
			zap.String("task_id", taskID),
			zap.String("session_id", sessionID),
			zap.String("platform", targetPlatform),
			zap.Error(err),
		)
	} else {
		out.PlatformState = state
	}
	span.SetAttributes(attribute.Bool("found", true), attribute.String("context.id", out.ID))
	return out, nil
}

func (s *Service) latest(ctx context.Context, taskID, sessionID string) (*types.PreservedContext, error) {
	key := cacheKey(taskID, sessionID)
	cache, _ := s.runtime()
	if cache != nil {
		if pc, ok := cache.Get(key); ok {
			return pc, nil
		}
	}
	pc, err := s.store.LatestContext(ctx, taskID, sessionID)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Add(key, pc)
	}
	return pc, nil
}

// CreateSnapshot 生成命名快照，追加到审计列表，不影响最新快照
func (s *Service) CreateSnapshot(ctx context.Context, name, taskID, sessionID, platform string) (*types.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "preservation.snapshot", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	pc, err := s.build(ctx, taskID, sessionID, platform)
	if err != nil {
		return nil, s.fail(span, "build", taskID, sessionID, err)
	}
	if name == "" {
		name = "snapshot-" + pc.CreatedAt.UTC().Format("20060102T150405Z")
	}

	snap := &types.Snapshot{
		ID:        uuid.NewString(),
		Name:      name,
		TaskID:    taskID,
		SessionID: sessionID,
		Context:   *pc,
		CreatedAt: pc.CreatedAt,
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, s.fail(span, "save snapshot", taskID, sessionID, err)
	}
	return snap, nil
}

// ListSnapshots 按创建时间升序列出任务的命名快照
func (s *Service) ListSnapshots(ctx context.Context, taskID string) ([]types.Snapshot, error) {
	snaps, err := s.store.ListSnapshots(ctx, taskID)
	if err != nil {
		return nil, types.Errorf(types.ErrPreservationFailed, "list snapshots for task %s", taskID).
			WithCause(err).WithRetryable(true)
	}
	return snaps, nil
}

func (s *Service) fail(span trace.Span, stage, taskID, sessionID string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	s.logger.Warn("context preservation failed",
		zap.String("stage", stage),
		zap.String("task_id", taskID),
		zap.String("session_id", sessionID),
		zap.Error(err),
	)
	return types.Errorf(types.ErrPreservationFailed, "%s context for session %s", stage, sessionID).
		WithCause(err).WithRetryable(true)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/internal/tlsutil"
	"github.com/BaSui01/agentrelay/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 🗄️ Redis 存储
// =============================================================================
// 数据以 JSON 字符串保存，按创建时间维护 ZSET 索引：
//
//	ctx:{id}                 上下文数据
//	live:{task}:{session}    最新上下文 ID
//	snap:{id}                快照数据
//	handoff:{id}             移交记录
//	idx:ctx / idx:snap / idx:handoff      全局时间索引（Purge 使用）
//	task:{task}:snap / task:{task}:handoff 任务维度索引
//
// Retention > 0 时数据键附带 TTL；Purge 负责清理索引。
// =============================================================================

// RedisStore Redis 实现
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRedisStore 连接 Redis 并创建存储
func NewRedisStore(ctx context.Context, cfg RedisConfig, retention time.Duration, logger *zap.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		tlsCfg, err := tlsutil.RedisConfig(cfg.Addr, tlsutil.Options{CAFile: cfg.TLSCAFile})
		if err != nil {
			return nil, fmt.Errorf("redis tls: %w", err)
		}
		opts.TLSConfig = tlsCfg
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, retention, logger), nil
}

// NewRedisStoreWithClient 基于已有客户端创建存储
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, retention time.Duration, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentrelay:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		prefix:    keyPrefix,
		retention: retention,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) ctxKey(id string) string       { return s.prefix + "ctx:" + id }
func (s *RedisStore) snapKey(id string) string      { return s.prefix + "snap:" + id }
func (s *RedisStore) handoffKey(id string) string   { return s.prefix + "handoff:" + id }
func (s *RedisStore) idxKey(kind string) string     { return s.prefix + "idx:" + kind }
func (s *RedisStore) liveKey(task, sess string) string {
	return s.prefix + "live:" + task + ":" + sess
}
func (s *RedisStore) taskIdx(task, kind string) string {
	return s.prefix + "task:" + task + ":" + kind
}

func (s *RedisStore) check() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// score 以毫秒为 ZSET 分值。纳秒值超出 float64 的精确整数范围，相近写入会被合并为同一分值；
// 同毫秒内的先后顺序在读取后按记录自身的时间戳恢复，完全相同时按 ID（Redis 成员序）。
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// SaveContext 实现 ContextStore
func (s *RedisStore) SaveContext(ctx context.Context, pc *types.PreservedContext) error {
	if err := validateContext(pc); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	data, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to marshal preserved context: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.ctxKey(pc.ID), data, s.retention)
	pipe.Set(ctx, s.liveKey(pc.TaskID, pc.SessionID), pc.ID, s.retention)
	pipe.ZAdd(ctx, s.idxKey("ctx"), redis.Z{Score: score(pc.CreatedAt), Member: pc.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Unavailable("redis save context", err)
	}
	return nil
}

// LatestContext 实现 ContextStore
func (s *RedisStore) LatestContext(ctx context.Context, taskID, sessionID string) (*types.PreservedContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	id, err := s.client.Get(ctx, s.liveKey(taskID, sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("redis latest context", err)
	}
	return s.getContext(ctx, id)
}

// GetContext 实现 ContextStore
func (s *RedisStore) GetContext(ctx context.Context, id string) (*types.PreservedContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.getContext(ctx, id)
}

func (s *RedisStore) getContext(ctx context.Context, id string) (*types.PreservedContext, error) {
	data, err := s.client.Get(ctx, s.ctxKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable("redis get context", err)
	}

	var pc types.PreservedContext
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preserved context: %w", err)
	}
	return &pc, nil
}

// SaveSnapshot 实现 ContextStore
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	z := redis.Z{Score: score(snap.CreatedAt), Member: snap.ID}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.snapKey(snap.ID), data, s.retention)
	pipe.ZAdd(ctx, s.taskIdx(snap.TaskID, "snap"), z)
	pipe.ZAdd(ctx, s.idxKey("snap"), z)
	if _, err := pipe.Exec(ctx); err != nil {
		return Unavailable("redis save snapshot", err)
	}
	return nil
}

// ListSnapshots 实现 ContextStore
func (s *RedisStore) ListSnapshots(ctx context.Context, taskID string) ([]types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []types.Snapshot
	err := s.loadIndexed(ctx, s.taskIdx(taskID, "snap"), s.snapKey, false, 0, func(data []byte) error {
		var snap types.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// AppendHandoff 实现 HandoffLog
func (s *RedisStore) AppendHandoff(ctx context.Context, rec types.HandoffRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff record: %w", err)
	}

	z := redis.Z{Score: score(rec.Timestamp), Member: rec.ID}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.handoffKey(rec.ID), data, s.retention)
	pipe.ZAdd(ctx, s.taskIdx(rec.TaskID, "handoff"), z)
	pipe.ZAdd(ctx, s.idxKey("handoff"), z)
	if _, err := pipe.Exec(ctx); err != nil {
		return Unavailable("redis append handoff", err)
	}
	return nil
}

// ListHandoffs 实现 HandoffLog
func (s *RedisStore) ListHandoffs(ctx context.Context, taskID string) ([]types.HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.loadHandoffs(ctx, s.taskIdx(taskID, "handoff"), false, 0)
}

// RecentHandoffs 实现 HandoffLog
func (s *RedisStore) RecentHandoffs(ctx context.Context, limit int) ([]types.HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.loadHandoffs(ctx, s.idxKey("handoff"), true, limit)
}

func (s *RedisStore) loadHandoffs(ctx context.Context, index string, desc bool, limit int) ([]types.HandoffRecord, error) {
	var out []types.HandoffRecord
	err := s.loadIndexed(ctx, index, s.handoffKey, desc, limit, func(data []byte) error {
		var rec types.HandoffRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal handoff record: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, err
}

// loadIndexed 读取 ZSET 索引中的 ID 并批量取回数据；已过期的数据键被跳过
func (s *RedisStore) loadIndexed(ctx context.Context, index string, key func(string) string, desc bool, limit int, decode func([]byte) error) error {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	var (
		ids []string
		err error
	)
	if desc {
		ids, err = s.client.ZRevRange(ctx, index, 0, stop).Result()
	} else {
		ids, err = s.client.ZRange(ctx, index, 0, stop).Result()
	}
	if err != nil {
		return Unavailable("redis read index", err)
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Unavailable("redis mget", err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if err := decode([]byte(str)); err != nil {
			return err
		}
	}
	return nil
}

// Purge 实现 Store：按时间索引删除过期条目
func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	upper := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	var total int64

	kinds := []struct {
		kind string
		key  func(string) string
		task func([]byte) string
	}{
		{"ctx", s.ctxKey, nil},
		{"snap", s.snapKey, func(b []byte) string {
			var snap types.Snapshot
			_ = json.Unmarshal(b, &snap)
			return snap.TaskID
		}},
		{"handoff", s.handoffKey, func(b []byte) string {
			var rec types.HandoffRecord
			_ = json.Unmarshal(b, &rec)
			return rec.TaskID
		}},
	}

	for _, k := range kinds {
		ids, err := s.client.ZRangeByScore(ctx, s.idxKey(k.kind), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
		if err != nil {
			return total, Unavailable("redis purge scan", err)
		}
		for _, id := range ids {
			if k.task != nil {
				if data, err := s.client.Get(ctx, k.key(id)).Bytes(); err == nil {
					if task := k.task(data); task != "" {
						s.client.ZRem(ctx, s.taskIdx(task, k.kind), id)
					}
				}
			}
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, k.key(id))
			pipe.ZRem(ctx, s.idxKey(k.kind), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return total, Unavailable("redis purge delete", err)
			}
			total++
		}
	}

	if total > 0 {
		s.logger.Info("purged expired entries", zap.Int64("count", total), zap.Time("before", before))
	}
	return total, nil
}

// Ping 实现 Store
func (s *RedisStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close 实现 Store
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType 存储后端类型
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
	StoreTypeMongo    StoreType = "mongo"
)

// ContextStore 保存上下文与快照的持久化接口。
//
// SaveContext 按 (taskID, sessionID) 维护"最新"指针，旧上下文按 ID 保留，
// 供 HandoffRecord 引用，直到被保留期清理。
type ContextStore interface {
	SaveContext(ctx context.Context, pc *types.PreservedContext) error
	LatestContext(ctx context.Context, taskID, sessionID string) (*types.PreservedContext, error)
	GetContext(ctx context.Context, id string) (*types.PreservedContext, error)
	SaveSnapshot(ctx context.Context, snap *types.Snapshot) error
	ListSnapshots(ctx context.Context, taskID string) ([]types.Snapshot, error)
}

// HandoffLog 只追加的移交审计日志
type HandoffLog interface {
	AppendHandoff(ctx context.Context, rec types.HandoffRecord) error
	// ListHandoffs 按时间升序返回任务的移交记录
	ListHandoffs(ctx context.Context, taskID string) ([]types.HandoffRecord, error)
	// RecentHandoffs 按时间降序返回最近的移交记录
	RecentHandoffs(ctx context.Context, limit int) ([]types.HandoffRecord, error)
}

// Store 完整的持久化后端
type Store interface {
	ContextStore
	HandoffLog

	// Purge 删除 before 之前创建的上下文、快照与移交记录，返回删除条数
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Ping 检查后端是否可用
	Ping(ctx context.Context) error

	// Close 释放资源
	Close() error
}

// RedisConfig Redis 后端配置
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	TLS       bool   `json:"tls" yaml:"tls"`
	TLSCAFile string `json:"tls_ca_file,omitempty" yaml:"tls_ca_file"`
}

// MongoConfig MongoDB 后端配置
type MongoConfig struct {
	URI      string        `json:"uri" yaml:"uri"`
	Database string        `json:"database" yaml:"database"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// Config 存储配置
type Config struct {
	Type StoreType `json:"type" yaml:"type"`

	// Retention 上下文、快照与移交记录的保留期，0 表示永久保留
	Retention time.Duration `json:"retention" yaml:"retention"`

	// CleanupInterval 清理周期
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
	Mongo MongoConfig `json:"mongo" yaml:"mongo"`
}

// DefaultConfig 返回默认存储配置
func DefaultConfig() Config {
	return Config{
		Type:            StoreTypeMemory,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "agentrelay:",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "agentrelay",
			Timeout:  10 * time.Second,
		},
	}
}

// New 按配置创建存储后端。database 类型需要调用方提供已打开的 *gorm.DB。
func New(ctx context.Context, cfg Config, db *gorm.DB, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		return NewRedisStore(ctx, cfg.Redis, cfg.Retention, logger)
	case StoreTypeDatabase:
		if db == nil {
			return nil, fmt.Errorf("database store requires an open database connection")
		}
		return NewSQLStore(db, logger), nil
	case StoreTypeMongo:
		return NewMongoStore(ctx, cfg.Mongo, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// Unavailable 把后端错误包装为 STORE_UNAVAILABLE；ErrNotFound 原样返回
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return types.Errorf(types.ErrStoreUnavailable, "%s failed", op).WithCause(err).WithRetryable(true)
}

func validateContext(pc *types.PreservedContext) error {
	if pc == nil || pc.ID == "" || pc.TaskID == "" || pc.SessionID == "" {
		return fmt.Errorf("%w: preserved context requires id, task id and session id", ErrInvalidInput)
	}
	return nil
}

func validateSnapshot(snap *types.Snapshot) error {
	if snap == nil || snap.ID == "" || snap.TaskID == "" {
		return fmt.Errorf("%w: snapshot requires id and task id", ErrInvalidInput)
	}
	return nil
}

func validateRecord(rec types.HandoffRecord) error {
	if rec.ID == "" || rec.TaskID == "" {
		return fmt.Errorf("%w: handoff record requires id and task id", ErrInvalidInput)
	}
	return nil
}

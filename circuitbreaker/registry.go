package circuitbreaker

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// StateChangeFunc 注册表级状态变更回调，附带适配器 ID
type StateChangeFunc func(adapterID string, from, to State)

// Registry 按适配器 ID 管理熔断器。熔断器在进程生命周期内常驻，
// 只能通过成功恢复或 Reset 清除状态。
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	onChange StateChangeFunc
	opts     []Option
	logger   *zap.Logger
}

// NewRegistry 创建熔断器注册表
func NewRegistry(onChange StateChangeFunc, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		onChange: onChange,
		opts:     opts,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
}

// Register 为适配器创建熔断器；已存在时更新配置并返回原实例
func (r *Registry) Register(adapterID string, config *Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[adapterID]; ok {
		if config != nil {
			b.UpdateConfig(*config)
		}
		return b
	}

	cfg := DefaultConfig()
	if config != nil {
		c := *config
		cfg = &c
	}
	if r.onChange != nil {
		onChange := r.onChange
		cfg.OnStateChange = func(from, to State) {
			onChange(adapterID, from, to)
		}
	}

	b := New(cfg, r.logger.With(zap.String("adapter_id", adapterID)), r.opts...)
	r.breakers[adapterID] = b
	return b
}

// Get 获取适配器熔断器
func (r *Registry) Get(adapterID string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[adapterID]
	return b, ok
}

// State 返回适配器熔断器快照
func (r *Registry) State(adapterID string) (Snapshot, error) {
	b, ok := r.Get(adapterID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterID)
	}
	return b.Snapshot(), nil
}

// States 返回所有熔断器快照
func (r *Registry) States() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// IDs 返回已注册的适配器 ID（已排序）
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset 手动重置某个适配器的熔断器
func (r *Registry) Reset(adapterID string) error {
	b, ok := r.Get(adapterID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterID)
	}
	b.Reset()
	r.logger.Info("circuit breaker reset by operator", zap.String("adapter_id", adapterID))
	return nil
}

// UpdateConfig 热更新某个适配器的阈值
func (r *Registry) UpdateConfig(adapterID string, config Config) error {
	b, ok := r.Get(adapterID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterID)
	}
	b.UpdateConfig(config)
	return nil
}

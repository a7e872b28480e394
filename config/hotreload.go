// 配置热重载管理器实现。
//
// 文件变更 → 重新加载 → 校验 → 应用 → 通知回调；校验失败保留旧配置，回调失败自动回滚。
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	configPath string
	loader     func(path string) (*Config, error)

	history        []ConfigSnapshot
	maxHistorySize int
	version        int

	watcher         *FileWatcher
	debounceDelay   time.Duration
	reloadCallbacks []ReloadCallback
	changeLog       []ConfigChange

	logger *zap.Logger
}

// ReloadCallback 新配置生效后调用；返回错误触发回滚
type ReloadCallback func(oldConfig, newConfig *Config) error

// ConfigChange 单个字段的变更
type ConfigChange struct {
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
}

// ConfigSnapshot 配置快照（用于历史记录和回滚）
type ConfigSnapshot struct {
	Config    *Config   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// hotReloadable 运行期可直接生效的配置段，其余变更需要重启
var hotReloadable = []string{
	"Monitor.Interval",
	"Monitor.WarningThreshold",
	"Monitor.CriticalThreshold",
	"Monitor.EmergencyThreshold",
	"Platforms",
	"Chain",
	"Preservation.",
	"Handoff.",
	"LastResort.",
	"Log.Level",
}

// sensitiveKeys 输出时需要脱敏的字段名片段
var sensitiveKeys = []string{"password", "api_key", "apikey", "uri"}

// IsHotReloadable 判断字段路径是否可热重载
func IsHotReloadable(path string) bool {
	for _, p := range hotReloadable {
		if path == p || (strings.HasSuffix(p, ".") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// HotReloadOption 配置选项
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置日志
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReloadPath 设置被监听的配置文件
func WithReloadPath(path string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.configPath = path
	}
}

// WithMaxHistorySize 设置历史快照数量
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// WithReloadDebounce 设置文件监听去抖间隔
func WithReloadDebounce(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) {
		m.debounceDelay = d
	}
}

// NewHotReloadManager 创建热重载管理器
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:         config,
		maxHistorySize: 10,
		debounceDelay:  200 * time.Millisecond,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	m.loader = func(path string) (*Config, error) {
		return NewLoader().WithConfigPath(path).Load()
	}
	m.pushHistory(config, "init")
	return m
}

func (m *HotReloadManager) pushHistory(config *Config, source string) {
	m.version++
	m.history = append(m.history, ConfigSnapshot{
		Config:    config,
		Timestamp: time.Now(),
		Source:    source,
		Version:   m.version,
		Checksum:  checksum(config),
	})
	if len(m.history) > m.maxHistorySize {
		m.history = m.history[len(m.history)-m.maxHistorySize:]
	}
}

func checksum(config *Config) string {
	data, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Start 开始监听配置文件；未设置路径时直接返回
func (m *HotReloadManager) Start(ctx context.Context) error {
	if m.configPath == "" {
		return nil
	}
	w, err := NewFileWatcher(m.configPath,
		WithDebounceDelay(m.debounceDelay),
		WithWatcherLogger(m.logger),
	)
	if err != nil {
		return err
	}
	w.OnChange(func(ev FileEvent) {
		if ev.Op == FileOpRemove {
			m.logger.Warn("config file removed, keeping current config")
			return
		}
		_ = m.ReloadFromFile()
	})
	if err := w.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	return nil
}

// Stop 停止监听
func (m *HotReloadManager) Stop() {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// ReloadFromFile 从文件重新加载配置。加载或校验失败时保留当前配置。
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}
	newConfig, err := m.loader(m.configPath)
	if err != nil {
		m.logger.Error("rejected config reload, keeping current config",
			zap.String("path", m.configPath), zap.Error(err))
		return fmt.Errorf("reload config: %w", err)
	}
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig 校验并应用新配置，然后通知回调。回调失败时回滚到旧配置并再次通知。
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	if err := newConfig.Validate(); err != nil {
		m.logger.Error("rejected invalid config", zap.String("source", source), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	m.mu.Lock()
	oldConfig := m.config
	changes := detectChanges(oldConfig, newConfig, source)
	if len(changes) == 0 {
		m.mu.Unlock()
		m.logger.Debug("config unchanged", zap.String("source", source))
		return nil
	}
	m.config = newConfig
	m.pushHistory(newConfig, source)
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}
	callbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.Unlock()

	restart := false
	for _, c := range changes {
		restart = restart || c.RequiresRestart
		m.logger.Info("configuration changed",
			zap.String("path", c.Path),
			zap.String("source", source),
			zap.Bool("requires_restart", c.RequiresRestart))
	}

	if err := notify(callbacks, oldConfig, newConfig); err != nil {
		m.logger.Error("reload callback failed, rolling back", zap.Error(err))
		m.mu.Lock()
		if m.config == newConfig {
			m.config = oldConfig
			m.pushHistory(oldConfig, "rollback")
		}
		m.mu.Unlock()
		_ = notify(callbacks, newConfig, oldConfig)
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if restart {
		m.logger.Warn("some configuration changes require restart to take effect")
	}
	m.logger.Info("configuration reloaded", zap.Int("changes", len(changes)))
	return nil
}

func notify(callbacks []ReloadCallback, oldConfig, newConfig *Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range callbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return err
		}
	}
	return nil
}

// detectChanges 按字段路径比较新旧配置；map 和 slice 整体比较
func detectChanges(oldConfig, newConfig *Config, source string) []ConfigChange {
	var changes []ConfigChange
	now := time.Now()
	var walk func(prefix string, o, n reflect.Value)
	walk = func(prefix string, o, n reflect.Value) {
		t := o.Type()
		for i := 0; i < o.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			path := f.Name
			if prefix != "" {
				path = prefix + "." + f.Name
			}
			of, nf := o.Field(i), n.Field(i)
			if of.Kind() == reflect.Struct && of.Type() != reflect.TypeOf(time.Time{}) {
				walk(path, of, nf)
				continue
			}
			if reflect.DeepEqual(of.Interface(), nf.Interface()) {
				continue
			}
			c := ConfigChange{
				Timestamp:       now,
				Source:          source,
				Path:            path,
				OldValue:        of.Interface(),
				NewValue:        nf.Interface(),
				RequiresRestart: !IsHotReloadable(path),
			}
			if isSensitive(f.Name) || path == "Chain" {
				c.OldValue, c.NewValue = "[REDACTED]", "[REDACTED]"
			}
			changes = append(changes, c)
		}
	}
	walk("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem())
	return changes
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, strings.ReplaceAll(k, "_", "")) || strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// OnReload 注册重载回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// Rollback 回滚到上一个历史版本
func (m *HotReloadManager) Rollback() error {
	m.mu.RLock()
	if len(m.history) < 2 {
		m.mu.RUnlock()
		return fmt.Errorf("no previous config to roll back to")
	}
	target := m.history[len(m.history)-2].Config
	m.mu.RUnlock()
	return m.ApplyConfig(target, "rollback")
}

// GetConfig 返回当前配置，调用方不得修改
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetConfigHistory 返回历史快照
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.history...)
}

// GetCurrentVersion 返回当前版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// GetChangeLog 返回最近 limit 条变更，limit <= 0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.changeLog
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]ConfigChange(nil), log...)
}

// SanitizedConfig 返回脱敏后的配置，用于 API 输出
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	data, err := json.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	redact(out)
	return out
}

func redact(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitive(k) {
				if s, ok := val.(string); ok && s != "" {
					t[k] = "[REDACTED]"
				}
				continue
			}
			redact(val)
		}
	case []any:
		for _, item := range t {
			redact(item)
		}
	}
}

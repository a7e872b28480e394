package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/BaSui01/agentrelay/circuitbreaker"
	"github.com/BaSui01/agentrelay/fallback"
	"github.com/BaSui01/agentrelay/handoff"
	"github.com/BaSui01/agentrelay/internal/tlsutil"
	"github.com/BaSui01/agentrelay/monitor"
	"github.com/BaSui01/agentrelay/platform"
	"github.com/BaSui01/agentrelay/preservation"
	"github.com/BaSui01/agentrelay/store"
	"github.com/BaSui01/agentrelay/types"
)

// Validate 校验完整配置。任一回退链适配器缺少 platforms 条目时返回 UNKNOWN_PLATFORM。
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort))
	}

	if len(c.Chain) == 0 {
		errs = append(errs, errors.New("chain must contain at least one adapter"))
	}
	seen := make(map[string]struct{}, len(c.Chain))
	ids := make([]string, 0, len(c.Chain))
	for i, a := range c.Chain {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("chain[%d].id is required", i))
			continue
		}
		if a.ID == platform.LastResortID {
			errs = append(errs, fmt.Errorf("chain[%d].id %q is reserved", i, a.ID))
		}
		if _, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("chain[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = struct{}{}
		ids = append(ids, a.ID)
		if a.Endpoint == "" {
			errs = append(errs, fmt.Errorf("chain[%d].endpoint is required", i))
		}
		if a.Timeout < 0 || a.Breaker.RecoveryTimeout < 0 ||
			a.Breaker.FailureThreshold < 0 || a.Breaker.HalfOpenMaxCalls < 0 {
			errs = append(errs, fmt.Errorf("chain[%d] %q has a negative setting", i, a.ID))
		}
	}

	// monitor 校验阈值、间隔以及 platforms 覆盖回退链
	if err := c.MonitorConfig().Validate(ids...); err != nil {
		errs = append(errs, err)
	}
	if err := c.PreservationConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HandoffPolicy(); err != nil {
		errs = append(errs, err)
	}

	switch store.StoreType(c.Store.Type) {
	case store.StoreTypeMemory, store.StoreTypeRedis, store.StoreTypeDatabase, store.StoreTypeMongo:
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not supported", c.Store.Type))
	}
	if c.Store.Retention < 0 {
		errs = append(errs, errors.New("store.retention must not be negative"))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q is not supported", c.Log.Level))
	}

	return errors.Join(errs...)
}

// MonitorConfig 转换为监控器配置
func (c *Config) MonitorConfig() monitor.Config {
	platforms := make(map[string]types.PlatformLimits, len(c.Platforms))
	for name, p := range c.Platforms {
		platforms[name] = types.PlatformLimits{
			MaxContextSize:     p.MaxContextSize,
			MaxTokens:          p.MaxTokens,
			MaxSessionDuration: p.MaxSessionDuration,
		}
	}
	return monitor.Config{
		Interval: c.Monitor.Interval,
		Thresholds: types.Thresholds{
			Warning:   c.Monitor.WarningThreshold,
			Critical:  c.Monitor.CriticalThreshold,
			Emergency: c.Monitor.EmergencyThreshold,
		},
		Platforms:   platforms,
		Concurrency: c.Monitor.Concurrency,
	}
}

// PreservationConfig 转换为上下文保存配置，平台预算取自 platforms.*.max_context_size
func (c *Config) PreservationConfig() preservation.Config {
	budgets := make(map[string]int64, len(c.Platforms))
	for name, p := range c.Platforms {
		if p.MaxContextSize > 0 {
			budgets[name] = p.MaxContextSize
		}
	}
	return preservation.Config{
		MaxBlocks:               c.Preservation.MaxBlocks,
		MaxContextBytes:         c.Preservation.MaxContextBytes,
		PlatformBudgets:         budgets,
		ImportantBlockThreshold: c.Preservation.ImportantBlockThreshold,
		TieWindow:               c.Preservation.TieWindow,
		TokenEncoding:           c.Preservation.TokenEncoding,
		CacheSize:               c.Preservation.CacheSize,
	}
}

// HandoffPolicy 转换为移交策略
func (c *Config) HandoffPolicy() (handoff.Policy, error) {
	p := handoff.Policy{
		SwitchLevels:     toLevels(c.Handoff.SwitchLevels),
		CompressLevels:   toLevels(c.Handoff.CompressLevels),
		ReadinessTimeout: c.Handoff.ReadinessTimeout,
		HandoffTimeout:   c.Handoff.HandoffTimeout,
	}
	if err := p.Validate(); err != nil {
		return handoff.Policy{}, err
	}
	return p, nil
}

func toLevels(in []string) []types.WarningLevel {
	out := make([]types.WarningLevel, 0, len(in))
	for _, s := range in {
		out = append(out, types.WarningLevel(s))
	}
	return out
}

// Descriptors 转换为回退链描述，熔断器零值字段交由默认值补齐
func (c *Config) Descriptors() []fallback.Descriptor {
	out := make([]fallback.Descriptor, 0, len(c.Chain))
	for _, a := range c.Chain {
		out = append(out, fallback.Descriptor{
			ID:       a.ID,
			Priority: a.Priority,
			Timeout:  a.Timeout,
			Breaker:  a.BreakerConfig(),
		})
	}
	return out
}

// BreakerConfig 返回熔断器配置，未配置的字段使用默认值
func (a AdapterConfig) BreakerConfig() *circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if a.Breaker.FailureThreshold > 0 {
		cfg.FailureThreshold = a.Breaker.FailureThreshold
	}
	if a.Breaker.RecoveryTimeout > 0 {
		cfg.RecoveryTimeout = a.Breaker.RecoveryTimeout
	}
	if a.Breaker.HalfOpenMaxCalls > 0 {
		cfg.HalfOpenMaxCalls = a.Breaker.HalfOpenMaxCalls
	}
	return cfg
}

// HTTPConfig 转换为 HTTP 适配器配置
func (a AdapterConfig) HTTPConfig() platform.HTTPConfig {
	return platform.HTTPConfig{
		ID:      a.ID,
		BaseURL: a.Endpoint,
		APIKey:  a.APIKey,
		Headers: a.Headers,
		Timeout: a.Timeout,
		TLS: tlsutil.Options{
			CAFile:             a.CAFile,
			InsecureSkipVerify: a.InsecureSkipVerify,
		},
	}
}

// StoreConfig 转换为存储配置
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:            store.StoreType(c.Store.Type),
		Retention:       c.Store.Retention,
		CleanupInterval: c.Store.CleanupInterval,
		Redis: store.RedisConfig{
			Addr:      c.Store.Redis.Addr,
			Password:  c.Store.Redis.Password,
			DB:        c.Store.Redis.DB,
			PoolSize:  c.Store.Redis.PoolSize,
			KeyPrefix: c.Store.Redis.KeyPrefix,
			TLS:       c.Store.Redis.TLS,
			TLSCAFile: c.Store.Redis.TLSCAFile,
		},
		Mongo: store.MongoConfig{
			URI:      c.Store.Mongo.URI,
			Database: c.Store.Mongo.Database,
			Timeout:  c.Store.Mongo.Timeout,
		},
	}
}

package preservation

import (
	"fmt"

	"github.com/BaSui01/agentrelay/types"
)

// Config 上下文保存配置
type Config struct {
	// MaxBlocks 每次保存读取的记忆块上限
	MaxBlocks int `json:"max_blocks" yaml:"max_blocks"`

	// MaxContextBytes 平台未配置 max_context_size 时使用的字节预算
	MaxContextBytes int64 `json:"max_context_bytes" yaml:"max_context_bytes"`

	// PlatformBudgets 按平台的字节预算，通常来自 platforms.*.max_context_size
	PlatformBudgets map[string]int64 `json:"-" yaml:"-"`

	// ImportantBlockThreshold 压缩时必须保留的重要度下限
	ImportantBlockThreshold float64 `json:"important_block_threshold" yaml:"important_block_threshold"`

	// TieWindow 排序时视为同分的分数差
	TieWindow float64 `json:"tie_window" yaml:"tie_window"`

	// TokenEncoding tiktoken 编码名，为空时使用字节估算
	TokenEncoding string `json:"token_encoding" yaml:"token_encoding"`

	// CacheSize 最新上下文热缓存容量，0 表示关闭
	CacheSize int `json:"cache_size" yaml:"cache_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxBlocks:               500,
		MaxContextBytes:         200_000,
		ImportantBlockThreshold: 0.8,
		TieWindow:               0.1,
		TokenEncoding:           "cl100k_base",
		CacheSize:               256,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.MaxBlocks <= 0 {
		return types.Errorf(types.ErrConfigInvalid, "preservation.max_blocks must be positive, got %d", c.MaxBlocks)
	}
	if c.MaxContextBytes <= 0 {
		return types.Errorf(types.ErrConfigInvalid, "preservation.max_context_bytes must be positive, got %d", c.MaxContextBytes)
	}
	if c.ImportantBlockThreshold < 0 || c.ImportantBlockThreshold > 1 {
		return types.Errorf(types.ErrConfigInvalid,
			"preservation.important_block_threshold must be within [0,1], got %v", c.ImportantBlockThreshold)
	}
	if c.TieWindow < 0 || c.TieWindow > 1 {
		return types.Errorf(types.ErrConfigInvalid, "preservation.tie_window must be within [0,1], got %v", c.TieWindow)
	}
	if c.CacheSize < 0 {
		return types.Errorf(types.ErrConfigInvalid, "preservation.cache_size must not be negative")
	}
	for p, b := range c.PlatformBudgets {
		if b < 0 {
			return types.Errorf(types.ErrConfigInvalid, "preservation budget for %s must not be negative", p)
		}
	}
	return nil
}

// Budget 返回平台的字节预算
func (c Config) Budget(platform string) int64 {
	if b, ok := c.PlatformBudgets[platform]; ok && b > 0 {
		return b
	}
	return c.MaxContextBytes
}

func (c Config) String() string {
	return fmt.Sprintf("preservation{max_blocks=%d budget=%d threshold=%.2f window=%.2f}",
		c.MaxBlocks, c.MaxContextBytes, c.ImportantBlockThreshold, c.TieWindow)
}

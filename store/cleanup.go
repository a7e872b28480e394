package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cleaner 周期性清理超过保留期的数据
type Cleaner struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewCleaner 创建清理器。retention <= 0 时 Run 直接返回。
func NewCleaner(s Store, retention, interval time.Duration, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		store:     s,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "store_cleaner")),
	}
}

// RunOnce 执行一次清理
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	if c.retention <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-c.retention)
	n, err := c.store.Purge(ctx, cutoff)
	if err != nil {
		c.logger.Warn("retention cleanup failed", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		c.logger.Info("retention cleanup finished",
			zap.Int64("purged", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Run 阻塞运行清理循环，直到 ctx 取消
func (c *Cleaner) Run(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.RunOnce(ctx)
		}
	}
}

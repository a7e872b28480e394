package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/store"
	"github.com/BaSui01/agentrelay/types"
)

// FlakyStore 包装 store.Store，可按操作注入错误
type FlakyStore struct {
	store.Store

	mu        sync.RWMutex
	saveErr   error
	appendErr error
	readErr   error
}

// NewFlakyStore 包装一个真实的 store；inner 为空时使用内存存储
func NewFlakyStore(inner store.Store) *FlakyStore {
	if inner == nil {
		inner = store.NewMemoryStore()
	}
	return &FlakyStore{Store: inner}
}

// WithSaveError 让 SaveContext / SaveSnapshot 失败
func (f *FlakyStore) WithSaveError(err error) *FlakyStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
	return f
}

// WithAppendError 让 AppendHandoff 失败
func (f *FlakyStore) WithAppendError(err error) *FlakyStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
	return f
}

// WithReadError 让读取操作失败
func (f *FlakyStore) WithReadError(err error) *FlakyStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
	return f
}

func (f *FlakyStore) errs() (save, appendErr, read error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.saveErr, f.appendErr, f.readErr
}

// SaveContext 实现 store.ContextStore
func (f *FlakyStore) SaveContext(ctx context.Context, pc *types.PreservedContext) error {
	if err, _, _ := f.errs(); err != nil {
		return err
	}
	return f.Store.SaveContext(ctx, pc)
}

// SaveSnapshot 实现 store.ContextStore
func (f *FlakyStore) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if err, _, _ := f.errs(); err != nil {
		return err
	}
	return f.Store.SaveSnapshot(ctx, snap)
}

// LatestContext 实现 store.ContextStore
func (f *FlakyStore) LatestContext(ctx context.Context, taskID, sessionID string) (*types.PreservedContext, error) {
	if _, _, err := f.errs(); err != nil {
		return nil, err
	}
	return f.Store.LatestContext(ctx, taskID, sessionID)
}

// AppendHandoff 实现 store.HandoffLog
func (f *FlakyStore) AppendHandoff(ctx context.Context, rec types.HandoffRecord) error {
	if _, err, _ := f.errs(); err != nil {
		return err
	}
	return f.Store.AppendHandoff(ctx, rec)
}

// ListHandoffs 实现 store.HandoffLog
func (f *FlakyStore) ListHandoffs(ctx context.Context, taskID string) ([]types.HandoffRecord, error) {
	if _, _, err := f.errs(); err != nil {
		return nil, err
	}
	return f.Store.ListHandoffs(ctx, taskID)
}

// Purge 实现 store.Store
func (f *FlakyStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	if _, _, err := f.errs(); err != nil {
		return 0, err
	}
	return f.Store.Purge(ctx, before)
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/types"
)

// MemoryStore 内存实现，用于开发与测试
type MemoryStore struct {
	mu        sync.RWMutex
	contexts  map[string]*types.PreservedContext
	live      map[liveKey]string
	snapshots map[string][]types.Snapshot
	handoffs  []types.HandoffRecord
	closed    bool
}

type liveKey struct {
	taskID    string
	sessionID string
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts:  make(map[string]*types.PreservedContext),
		live:      make(map[liveKey]string),
		snapshots: make(map[string][]types.Snapshot),
	}
}

// SaveContext 实现 ContextStore
func (s *MemoryStore) SaveContext(_ context.Context, pc *types.PreservedContext) error {
	if err := validateContext(pc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.contexts[pc.ID] = pc.Clone()
	s.live[liveKey{pc.TaskID, pc.SessionID}] = pc.ID
	return nil
}

// LatestContext 实现 ContextStore
func (s *MemoryStore) LatestContext(_ context.Context, taskID, sessionID string) (*types.PreservedContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	id, ok := s.live[liveKey{taskID, sessionID}]
	if !ok {
		return nil, ErrNotFound
	}
	pc, ok := s.contexts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pc.Clone(), nil
}

// GetContext 实现 ContextStore
func (s *MemoryStore) GetContext(_ context.Context, id string) (*types.PreservedContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	pc, ok := s.contexts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pc.Clone(), nil
}

// SaveSnapshot 实现 ContextStore
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *types.Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := *snap
	cp.Context = *snap.Context.Clone()
	s.snapshots[snap.TaskID] = append(s.snapshots[snap.TaskID], cp)
	return nil
}

// ListSnapshots 实现 ContextStore
func (s *MemoryStore) ListSnapshots(_ context.Context, taskID string) ([]types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]types.Snapshot, len(s.snapshots[taskID]))
	copy(out, s.snapshots[taskID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendHandoff 实现 HandoffLog
func (s *MemoryStore) AppendHandoff(_ context.Context, rec types.HandoffRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.handoffs = append(s.handoffs, rec)
	return nil
}

// ListHandoffs 实现 HandoffLog
func (s *MemoryStore) ListHandoffs(_ context.Context, taskID string) ([]types.HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []types.HandoffRecord
	for _, rec := range s.handoffs {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// RecentHandoffs 实现 HandoffLog
func (s *MemoryStore) RecentHandoffs(_ context.Context, limit int) ([]types.HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]types.HandoffRecord, len(s.handoffs))
	copy(out, s.handoffs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge 实现 Store
func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int64
	for id, pc := range s.contexts {
		if pc.CreatedAt.Before(before) {
			delete(s.contexts, id)
			n++
		}
	}
	for k, id := range s.live {
		if _, ok := s.contexts[id]; !ok {
			delete(s.live, k)
		}
	}
	for task, snaps := range s.snapshots {
		kept := snaps[:0]
		for _, snap := range snaps {
			if snap.CreatedAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, snap)
		}
		if len(kept) == 0 {
			delete(s.snapshots, task)
		} else {
			s.snapshots[task] = kept
		}
	}
	kept := s.handoffs[:0]
	for _, rec := range s.handoffs {
		if rec.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	s.handoffs = kept
	return n, nil
}

// Ping 实现 Store
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close 实现 Store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

package testutil

import "sync"

type syncSlice[T any] struct {
	mu    sync.Mutex
	items []T
}

func (s *syncSlice[T]) append(v T) {
	s.mu.Lock()
	s.items = append(s.items, v)
	s.mu.Unlock()
}

func (s *syncSlice[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.items...)
}

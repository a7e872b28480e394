package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleaner_RunOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendHandoff(ctx, newRecord("h-old", "task-1", base.Add(-10*24*time.Hour))))
	require.NoError(t, s.AppendHandoff(ctx, newRecord("h-new", "task-1", base.Add(-time.Hour))))

	c := NewCleaner(s, 7*24*time.Hour, time.Minute, nil)
	c.now = func() time.Time { return base }

	n, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := s.ListHandoffs(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"h-new"}, recordIDs(list))
}

func TestCleaner_DisabledRetention(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.AppendHandoff(context.Background(), newRecord("h-old", "task-1", time.Unix(0, 0))))

	c := NewCleaner(s, 0, 0, nil)
	n, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when retention is disabled")
	}
}

func TestCleaner_RunStopsOnCancel(t *testing.T) {
	c := NewCleaner(NewMemoryStore(), time.Hour, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

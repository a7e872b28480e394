// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// ⏳ 异步断言
// =============================================================================

// AssertEventuallyTrue 在超时前轮询条件
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	assert.Eventually(t, condition, timeout, 5*time.Millisecond, msgAndArgs...)
}

// WaitFor 等待条件满足，返回是否在超时前满足
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

// WaitForChannel 等待通道值
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 📡 事件记录
// =============================================================================

// EventRecorder 订阅总线并记录全部事件，并发安全
type EventRecorder struct {
	events *syncSlice[eventbus.Event]
}

// RecordEvents 订阅 bus 的全部事件，测试结束时取消订阅
func RecordEvents(t *testing.T, bus *eventbus.Bus) *EventRecorder {
	t.Helper()
	r := &EventRecorder{events: &syncSlice[eventbus.Event]{}}
	id := bus.SubscribeAll(func(e eventbus.Event) {
		r.events.append(e)
	})
	t.Cleanup(func() { bus.Unsubscribe(id) })
	return r
}

// Events 返回已记录事件的副本
func (r *EventRecorder) Events() []eventbus.Event {
	return r.events.snapshot()
}

// OfType 返回指定类型的事件
func (r *EventRecorder) OfType(typ eventbus.EventType) []eventbus.Event {
	var out []eventbus.Event
	for _, e := range r.events.snapshot() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Types 按发布顺序返回事件类型
func (r *EventRecorder) Types() []eventbus.EventType {
	events := r.events.snapshot()
	out := make([]eventbus.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// WaitFor 等待指定类型事件出现
func (r *EventRecorder) WaitFor(t *testing.T, typ eventbus.EventType, timeout time.Duration) eventbus.Event {
	t.Helper()
	var found eventbus.Event
	ok := WaitFor(func() bool {
		events := r.OfType(typ)
		if len(events) == 0 {
			return false
		}
		found = events[0]
		return true
	}, timeout)
	if !ok {
		t.Fatalf("event %s not published within %s (got %v)", typ, timeout, r.Types())
	}
	return found
}

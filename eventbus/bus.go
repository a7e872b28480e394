package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// EventType 事件类型
type EventType string

const (
	EventWarning            EventType = "warning"
	EventCritical           EventType = "critical"
	EventEmergency          EventType = "emergency"
	EventCircuitStateChange EventType = "circuit_state_change"
	EventHandoffTriggered   EventType = "handoff_triggered"
	EventHandoffSuccess     EventType = "handoff_success"
	EventHandoffFailed      EventType = "handoff_failed"
	EventChainExhausted     EventType = "chain_exhausted"
	EventContextCompressed  EventType = "context_compressed"
)

// AllTypes lists every event type in a stable order.
var AllTypes = []EventType{
	EventWarning, EventCritical, EventEmergency,
	EventCircuitStateChange,
	EventHandoffTriggered, EventHandoffSuccess, EventHandoffFailed,
	EventChainExhausted, EventContextCompressed,
}

// LevelEventType maps a non-normal warning level to its event type.
func LevelEventType(level types.WarningLevel) (EventType, bool) {
	switch level {
	case types.LevelWarning:
		return EventWarning, true
	case types.LevelCritical:
		return EventCritical, true
	case types.LevelEmergency:
		return EventEmergency, true
	default:
		return "", false
	}
}

// Event 总线上传递的事件。不同类型只填充相关字段。
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AdapterID string    `json:"adapter_id,omitempty"`

	// warning / critical / emergency
	Metrics *types.SessionMetrics `json:"metrics,omitempty"`

	// circuit_state_change
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	// handoff_*
	Record             *types.HandoffRecord `json:"record,omitempty"`
	PreservedContextID string               `json:"preserved_context_id,omitempty"`

	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler 事件处理器
type Handler func(Event)

// Publisher is the narrow view producers depend on.
type Publisher interface {
	Publish(event Event)
}

type subscription struct {
	id      string
	typ     EventType // empty matches every type
	handler Handler
}

// Bus 进程内类型化事件总线。
//
// Publish 同步分发，按注册顺序调用处理器；单个处理器 panic 被恢复并记录，
// 不影响后续处理器。处理器内不得长时间阻塞。
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	seq    atomic.Int64
	now    func() time.Time
	logger *zap.Logger
}

// New 创建事件总线
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		now:    time.Now,
		logger: logger.With(zap.String("component", "eventbus")),
	}
}

// Subscribe 订阅某一类型事件，返回订阅 ID
func (b *Bus) Subscribe(eventType EventType, handler Handler) string {
	return b.add(eventType, handler)
}

// SubscribeAll 订阅全部事件
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.add("", handler)
}

func (b *Bus) add(eventType EventType, handler Handler) string {
	label := string(eventType)
	if label == "" {
		label = "*"
	}
	id := fmt.Sprintf("%s-%d", label, b.seq.Add(1))

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, typ: eventType, handler: handler})
	b.mu.Unlock()
	return id
}

// Unsubscribe 取消订阅；未知 ID 忽略
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == subscriptionID {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish 同步分发事件
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.typ == "" || s.typ == event.Type {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		b.dispatch(s, event)
	}
}

func (b *Bus) dispatch(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscription", s.id),
				zap.String("event_type", string(event.Type)),
				zap.Any("recover", r),
			)
		}
	}()
	s.handler(event)
}

// Len 返回当前订阅数
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

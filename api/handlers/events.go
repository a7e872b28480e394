package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/eventbus"
)

// =============================================================================
// 📡 事件流（WebSocket）
// =============================================================================

// EventSource 事件订阅（eventbus.Bus 实现该接口）
type EventSource interface {
	SubscribeAll(handler eventbus.Handler) string
	Unsubscribe(subscriptionID string)
}

// EventsOption 配置 EventsHandler
type EventsOption func(*EventsHandler)

// WithEventBuffer 每个连接的事件缓冲，满了之后丢弃新事件
func WithEventBuffer(n int) EventsOption {
	return func(h *EventsHandler) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout 单条消息写超时
func WithWriteTimeout(d time.Duration) EventsOption {
	return func(h *EventsHandler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns 允许跨域连接的 Origin 模式
func WithOriginPatterns(patterns ...string) EventsOption {
	return func(h *EventsHandler) { h.origins = patterns }
}

// EventsHandler 把事件总线推送给 WebSocket 客户端
type EventsHandler struct {
	source       EventSource
	buffer       int
	writeTimeout time.Duration
	origins      []string
	clients      atomic.Int64
	logger       *zap.Logger
}

// NewEventsHandler 创建处理器
func NewEventsHandler(source EventSource, logger *zap.Logger, opts ...EventsOption) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &EventsHandler{
		source:       source,
		buffer:       64,
		writeTimeout: 5 * time.Second,
		logger:       logger.With(zap.String("component", "events_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册路由
func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/events/ws", h.HandleStream)
}

// Clients 当前连接数
func (h *EventsHandler) Clients() int64 {
	return h.clients.Load()
}

// HandleStream GET /api/v1/events/ws?types=warning,handoff_success
//
// 每个事件作为一条 JSON 文本消息发送。客户端跟不上时丢弃事件，不阻塞总线。
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	filter := parseTypes(r.URL.Query().Get("types"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	h.clients.Add(1)
	defer h.clients.Add(-1)

	events := make(chan eventbus.Event, h.buffer)
	var dropped atomic.Int64
	subID := h.source.SubscribeAll(func(ev eventbus.Event) {
		if filter != nil {
			if _, ok := filter[ev.Type]; !ok {
				return
			}
		}
		select {
		case events <- ev:
		default:
			dropped.Add(1)
		}
	})
	defer h.source.Unsubscribe(subID)

	// 客户端只接收；CloseRead 处理控制帧并在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("event stream opened", zap.String("remote_addr", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int64("dropped", dropped.Load()),
			)
			return
		case ev := <-events:
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventsHandler) write(ctx context.Context, conn *websocket.Conn, ev eventbus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// parseTypes 解析逗号分隔的事件类型，空串表示不过滤
func parseTypes(raw string) map[eventbus.EventType]struct{} {
	if raw == "" {
		return nil
	}
	out := make(map[eventbus.EventType]struct{})
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[eventbus.EventType(part)] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

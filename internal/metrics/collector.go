// Package metrics 把中继运行状态导出为 Prometheus 指标。
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/eventbus"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 熔断器指标
	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec

	// 利用率指标
	sessionUtilization *prometheus.GaugeVec
	warningsTotal      *prometheus.CounterVec

	// 移交与回退链指标
	handoffsTotal        *prometheus.CounterVec
	chainExhaustedTotal  prometheus.Counter
	contextsCompressed   prometheus.Counter
	fallbackAttempts     *prometheus.CounterVec
	fallbackLatency      *prometheus.HistogramVec
	degradedResponsesTot prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.circuitState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_state",
		Help:      "Circuit breaker state per adapter (0=closed, 1=half_open, 2=open)",
	}, []string{"adapter"})

	c.circuitTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"adapter", "from", "to"})

	c.sessionUtilization = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_utilization",
		Help:      "Last reported utilization of sessions that crossed a warning threshold",
	}, []string{"session", "platform"})

	c.warningsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "utilization_warnings_total",
		Help:      "Utilization warnings by level and platform",
	}, []string{"level", "platform"})

	c.handoffsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handoffs_total",
		Help:      "Handoffs by trigger and result",
	}, []string{"trigger", "result"})

	c.chainExhaustedTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_exhausted_total",
		Help:      "Times no adapter in the fallback chain could serve",
	})

	c.contextsCompressed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contexts_compressed_total",
		Help:      "Proactive context compressions",
	})

	c.fallbackAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallback_attempts_total",
		Help:      "Adapter attempts by outcome (success, error, skipped)",
	}, []string{"adapter", "outcome"})

	c.fallbackLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fallback_attempt_duration_seconds",
		Help:      "Adapter call latency in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"adapter"})

	c.degradedResponsesTot = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_responses_total",
		Help:      "Requests answered by the last-resort responder",
	})

	c.dbConnectionsOpen = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Number of open database connections",
	}, []string{"database"})

	c.dbConnectionsIdle = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Number of idle database connections",
	}, []string{"database"})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🚌 事件订阅
// =============================================================================

// Subscriber 事件总线的订阅接口
type Subscriber interface {
	SubscribeAll(handler eventbus.Handler) string
}

// Attach 订阅全部事件，返回订阅 ID
func (c *Collector) Attach(bus Subscriber) string {
	return bus.SubscribeAll(c.HandleEvent)
}

// HandleEvent 按事件类型更新指标
func (c *Collector) HandleEvent(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventWarning, eventbus.EventCritical, eventbus.EventEmergency:
		if ev.Metrics == nil {
			return
		}
		c.warningsTotal.WithLabelValues(string(ev.Type), ev.Metrics.Platform).Inc()
		c.sessionUtilization.WithLabelValues(ev.SessionID, ev.Metrics.Platform).Set(ev.Metrics.Utilization)

	case eventbus.EventCircuitStateChange:
		c.circuitTransitions.WithLabelValues(ev.AdapterID, ev.FromState, ev.ToState).Inc()
		c.circuitState.WithLabelValues(ev.AdapterID).Set(stateValue(ev.ToState))

	case eventbus.EventHandoffSuccess, eventbus.EventHandoffFailed:
		trigger := "unknown"
		if ev.Record != nil {
			trigger = ev.Record.TriggeredBy
		}
		result := "success"
		if ev.Type == eventbus.EventHandoffFailed {
			result = "failed"
		}
		c.handoffsTotal.WithLabelValues(trigger, result).Inc()
		// 切换后旧平台上的利用率不再有意义
		c.sessionUtilization.DeletePartialMatch(prometheus.Labels{"session": ev.SessionID})

	case eventbus.EventChainExhausted:
		c.chainExhaustedTotal.Inc()

	case eventbus.EventContextCompressed:
		c.contextsCompressed.Inc()
	}
}

func stateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// =============================================================================
// 🎯 直接记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAttempt 记录一次适配器尝试，outcome 取 success、error 或 skipped
func (c *Collector) RecordAttempt(adapterID, outcome string, latency time.Duration) {
	c.fallbackAttempts.WithLabelValues(adapterID, outcome).Inc()
	if outcome != "skipped" {
		c.fallbackLatency.WithLabelValues(adapterID).Observe(latency.Seconds())
	}
}

// RecordDegraded 记录一次兜底响应
func (c *Collector) RecordDegraded() {
	c.degradedResponsesTot.Inc()
}

// SetCircuitState 直接设置熔断器状态，启动时用于初始化全部适配器
func (c *Collector) SetCircuitState(adapterID, state string) {
	c.circuitState.WithLabelValues(adapterID).Set(stateValue(state))
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码归并为 2xx/3xx/4xx/5xx
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

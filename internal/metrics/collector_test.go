package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/eventbus"
	"github.com/BaSui01/agentrelay/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("agentrelay", reg, zap.NewNop()), reg
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordHTTPRequest("GET", "/api/v1/health", 200, 10*time.Millisecond)
	c.RecordHTTPRequest("GET", "/api/v1/health", 204, 10*time.Millisecond)
	c.RecordHTTPRequest("POST", "/api/v1/execute", 503, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/api/v1/health", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/execute", "5xx")))
}

func TestCollector_AttachTracksEvents(t *testing.T) {
	c, _ := newTestCollector(t)
	bus := eventbus.New(zap.NewNop())
	c.Attach(bus)

	bus.Publish(eventbus.Event{
		Type:      eventbus.EventCritical,
		SessionID: "s1",
		Metrics:   &types.SessionMetrics{SessionID: "s1", Platform: "claude", Utilization: 0.88},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.warningsTotal.WithLabelValues("critical", "claude")))
	assert.Equal(t, 0.88, testutil.ToFloat64(c.sessionUtilization.WithLabelValues("s1", "claude")))

	bus.Publish(eventbus.Event{Type: eventbus.EventCircuitStateChange, AdapterID: "claude", FromState: "closed", ToState: "open"})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.circuitState.WithLabelValues("claude")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitTransitions.WithLabelValues("claude", "closed", "open")))

	bus.Publish(eventbus.Event{
		Type:      eventbus.EventHandoffSuccess,
		SessionID: "s1",
		Record:    &types.HandoffRecord{TriggeredBy: "critical", Success: true},
	})
	bus.Publish(eventbus.Event{Type: eventbus.EventHandoffFailed, SessionID: "s2"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handoffsTotal.WithLabelValues("critical", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handoffsTotal.WithLabelValues("unknown", "failed")))
	assert.Equal(t, 0, testutil.CollectAndCount(c.sessionUtilization), "handoff clears the session gauge")

	bus.Publish(eventbus.Event{Type: eventbus.EventChainExhausted})
	bus.Publish(eventbus.Event{Type: eventbus.EventContextCompressed})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chainExhaustedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.contextsCompressed))
}

func TestCollector_WarningWithoutMetricsIgnored(t *testing.T) {
	c, _ := newTestCollector(t)
	c.HandleEvent(eventbus.Event{Type: eventbus.EventWarning, SessionID: "s1"})
	assert.Equal(t, 0, testutil.CollectAndCount(c.warningsTotal))
}

func TestCollector_RecordAttempt(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordAttempt("claude", "error", 2*time.Second)
	c.RecordAttempt("codex", "skipped", 0)
	c.RecordAttempt("codex", "success", time.Second)
	c.RecordDegraded()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallbackAttempts.WithLabelValues("claude", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallbackAttempts.WithLabelValues("codex", "skipped")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.fallbackLatency), "skipped attempts have no latency")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.degradedResponsesTot))
}

func TestCollector_StateAndDB(t *testing.T) {
	c, reg := newTestCollector(t)
	c.SetCircuitState("gemini", "half_open")
	c.RecordDBConnections("sqlite", 4, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitState.WithLabelValues("gemini")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("sqlite")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["agentrelay_circuit_state"])
	assert.True(t, names["agentrelay_db_connections_idle"])
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(201))
	assert.Equal(t, "3xx", statusCode(304))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(502))
	assert.Equal(t, "unknown", statusCode(100))
}

func TestStateValue(t *testing.T) {
	assert.Equal(t, 0.0, stateValue("closed"))
	assert.Equal(t, 1.0, stateValue("half_open"))
	assert.Equal(t, 2.0, stateValue("open"))
}

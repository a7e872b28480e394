package fallback

import (
	"github.com/BaSui01/agentrelay/circuitbreaker"
	"github.com/BaSui01/agentrelay/eventbus"
)

// StateChangePublisher 把熔断器状态迁移转成 circuit_state_change 事件，
// 作为 circuitbreaker.NewRegistry 的回调使用
func StateChangePublisher(p eventbus.Publisher) circuitbreaker.StateChangeFunc {
	return func(adapterID string, from, to circuitbreaker.State) {
		if p == nil {
			return
		}
		p.Publish(eventbus.Event{
			Type:      eventbus.EventCircuitStateChange,
			AdapterID: adapterID,
			FromState: from.String(),
			ToState:   to.String(),
		})
	}
}

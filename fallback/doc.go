// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package fallback 实现按优先级排列的执行平台回退链。

# 执行

[Executor.Execute] 按 Priority 升序依次尝试适配器，第一个成功者胜出。
每个适配器都由 circuitbreaker 中的熔断器把关：熔断器拒绝时跳过，调用
失败或超时计入熔断器后继续下一个。单次调用超时后立即放弃，不等待底层调用。

整条链不可用时，如果配置了兜底响应器（[WithLastResort]），返回标记为
Degraded 的结果；否则返回 types.ErrChainExhausted 并发布 chain_exhausted 事件。

# 就绪探测与手动控制

[Executor.Ready] 对适配器做健康检查，供移交协调器选择目标平台。
[Executor.ManualOverride] 把指定适配器固定在链首并绕过其熔断判定，
[Executor.ResetBreaker] 手动清除熔断状态。

[StateChangePublisher] 把熔断器状态迁移接入事件总线。
*/
package fallback

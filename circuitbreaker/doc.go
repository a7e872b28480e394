// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package circuitbreaker 提供按适配器隔离的熔断器。

# 状态机

  - closed：放行；连续失败达到 FailureThreshold 后进入 open
  - open：拒绝；距 openedAt 超过 RecoveryTimeout 后，下一次 CanExecute
    原子迁移到 half_open 并放行
  - half_open：最多 HalfOpenMaxCalls 个并发试探；成功次数达到
    HalfOpenMaxCalls 后回到 closed，任一失败立即回到 open

熔断器只做放行判定，不做重试。每次迁移在锁外同步回调 OnStateChange。

# 注册表

Registry 按适配器 ID 管理熔断器，提供 State / States / Reset 查询与手动控制，
并把状态变更连同适配器 ID 一起回调给上层（通常转发到事件总线）。
*/
package circuitbreaker

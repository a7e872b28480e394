// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package handoff 协调会话在执行平台之间的移交。

# 状态机

每个会话的移交状态为 stable -> preserving -> switching -> stable|failed。
收到告警事件时，[Coordinator] 先在总线分发线程中以比较并迁移的方式占用会话，
再在独立 goroutine 中执行移交；会话处于 preserving / switching 时，
同一会话的后续触发直接忽略。不同会话互不阻塞。

# 干预策略

[Policy] 决定每个告警等级的干预方式。默认 warning 只做主动压缩，不改变平台；
critical 与 emergency 触发切换：

 1. 保存上下文，失败只记录，不阻塞切换
 2. 沿回退链对后续平台做就绪探测，跳过熔断或不健康的平台
 3. 恢复上下文并调用目标平台的注入插件
 4. 回写会话平台，追加 HandoffRecord，回到 stable

链上没有就绪平台时发布 chain_exhausted，会话留在原平台并进入 failed。

# 查询与手动控制

GetMetrics / GetAllMetrics / GetCircuitState / GetHandoffHistory 提供查询，
ManualOverride / ClearOverride / ResetBreaker / Handoff 提供人工干预。
*/
package handoff

// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentRelay 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 monitor、preservation、
fallback、handoff、store、api 等上层模块提供统一的数据模型与错误码。

# 核心类型

  - SessionMetrics / WarningLevel / Thresholds — 会话资源利用率与告警分级
  - PlatformLimits     — 单平台资源上限（上下文、Token、会话时长）
  - Session / TaskState — 外部会话存储的只读视图
  - MemoryBlock        — 长期记忆中的工作上下文单元
  - PreservedContext / Snapshot — 移交时保存的可移植上下文
  - HandoffRecord      — 平台切换审计记录
  - Error / ErrorCode  — 结构化错误体系（配置错误、适配器瞬时错误、
    保存失败、链路耗尽）

# 主要能力

  - 利用率计算：ComputeMetrics 对每个分量裁剪到 [0,1] 并取最大值
  - 告警分级：Thresholds.Classify 含边界，纯函数
  - 错误工具链：AsError / IsErrorCode / IsRetryable / IsFatal

Context 传播（请求 ID、会话 ID、任务 ID）见 internal/ctxkeys。
*/
package types

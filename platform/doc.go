// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package platform 定义执行平台适配器契约及通用实现。

# 核心接口

  - Adapter    — Execute / HealthCheck，每个执行后端一个实现
  - StateHook  — ExtractState / Inject，平台侧状态提取与上下文注入
  - Responder  — 整条回退链不可用时的兜底响应

# 实现

  - HTTPAdapter       — JSON over HTTP 调用平台网关，同时实现 StateHook
  - Hooks             — 按平台分派的 StateHook 注册表，未注册平台走 DefaultHook
  - DegradedResponder — 返回固定降级消息
*/
package platform

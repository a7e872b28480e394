// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AgentRelay HTTP API 的请求处理器实现。

# 概述

每个 Handler 只依赖一个小接口（Relay、SessionStore、ContextService、
Executor、ConfigManager、EventSource），由 cmd/agentrelay 注入具体实现，
并通过 Register 把 Go 1.22 风格的 "METHOD /path/{id}" 路由挂到 ServeMux。

# 核心类型

  - RelayHandler    — 利用率指标、熔断器状态、移交历史与手动控制
  - SessionHandler  — 会话用量上报、任务状态与记忆块写入
  - ContextHandler  — 上下文保存、按目标平台恢复、命名快照
  - ExecuteHandler  — 通过回退链执行请求，记录每次尝试
  - ConfigHandler   — 脱敏配置、变更日志、重新加载与回滚
  - EventsHandler   — WebSocket 事件流，慢客户端丢事件不阻塞总线
  - HealthHandler   — /health、/ready（可插拔 HealthCheck）与 /version

# 响应约定

统一使用 Response 信封。*types.Error 的 Code 决定 HTTP 状态码，
显式 WithHTTPStatus 优先；其它错误按 INTERNAL_ERROR 处理。
链耗尽、移交失败等场景在返回错误的同时把结果放在 data 中。
*/
package handlers

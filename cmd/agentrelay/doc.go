// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentRelay 服务端程序入口。

# 概述

cmd/agentrelay 是 AgentRelay 的可执行入口，基于 cobra 提供 serve、
status、health、migrate、version 子命令。serve 组装利用率监控、
回退链执行器、上下文保存服务与移交协调器，并通过 HTTP API 暴露
查询接口、手动控制、事件流与 Prometheus 指标。

# 核心类型

  - Server     — 主服务器，按依赖顺序启动各组件并按逆序优雅关闭
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、RateLimiter（基于 IP）、MetricsMiddleware（按路由模式）
  - 持久化：store.type=database 时启动前自动执行迁移
  - 配置热重载：配置文件变更后更新监控阈值、移交策略、上下文保存参数、
    熔断器参数与日志级别，失败时整体回滚
  - 单端口：/metrics 与 API 共用 HTTP 端口，使用独立的 prometheus.Registry
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main

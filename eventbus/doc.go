// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package eventbus 提供进程内类型化事件总线。

# 概述

监控器、熔断器注册表与移交协调器通过 Bus 发布事件，指标采集、
WebSocket 推送与协调器自身以处理器形式订阅。

# 分发语义

  - Publish 同步执行，处理器按注册顺序调用
  - SubscribeAll 注册的通配处理器与类型处理器共享同一注册顺序
  - 处理器 panic 会被恢复并记录，不影响其余处理器
*/
package eventbus

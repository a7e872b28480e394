// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
包 metrics 提供 AgentRelay 的 Prometheus 指标收集。

Collector 通过 Attach 订阅事件总线，把利用率告警、熔断器状态迁移、移交结果、
链耗尽与主动压缩转换为计数器和仪表盘；HTTP 中间件与执行端点直接调用
RecordHTTPRequest、RecordAttempt、RecordDegraded。
*/
package metrics

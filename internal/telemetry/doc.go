// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化，为 AgentRelay 注册全局
// TracerProvider 与 MeterProvider（OTLP gRPC 导出）。遥测关闭时保持 noop 实现。
package telemetry

// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package monitor 实现会话资源利用率监控。

Monitor 按固定间隔拉取活跃会话，计算上下文、Token 与时长三个利用率分量，
取最大值按阈值分级，并在等级上升时向事件总线发送 warning / critical /
emergency 事件。同一等级持续期间不重复发送；回落后再次越线会重新触发；
会话切换平台后从 normal 重新计。

单个会话计算失败只记录并跳过；平台上限缺失属于配置错误，
应在启动时通过 Config.Validate 暴露。间隔、阈值与平台上限可通过
UpdateConfig 在运行时调整。
*/
package monitor

// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

// Package session 提供进程内的会话、任务状态与记忆块存储，
// 同时满足监控器、上下文保存服务与移交协调器所需的访问器接口。
package session

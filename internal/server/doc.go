// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

// Package server 管理 AgentRelay HTTP 服务器的启动与优雅关闭。
package server

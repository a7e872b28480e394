// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package config 提供 AgentRelay 的配置管理。

# 概述

配置按 默认值 → YAML 文件 → 环境变量（AGENTRELAY_<SECTION>_<FIELD>）→ 校验 的顺序加载。
platforms 与 chain 只能通过 YAML 配置。

Config 提供到各组件配置的转换方法：MonitorConfig、PreservationConfig、
HandoffPolicy、Descriptors、StoreConfig，以及 AdapterConfig.HTTPConfig。

# 热重载

HotReloadManager 通过 fsnotify 监听配置文件，去抖后重新加载。校验失败的配置被拒绝，
当前配置保持不变；ReloadCallback 返回错误时自动回滚。
*/
package config

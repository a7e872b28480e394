// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package store 提供上下文快照与移交记录的持久化。

# 概述

ContextStore 保存 PreservedContext 与命名 Snapshot，HandoffLog 是只追加的
移交审计日志。Store 组合二者，并提供保留期清理、健康检查与关闭。

# 后端

  - MemoryStore：进程内实现，开发与测试使用
  - RedisStore：键值 + ZSET 时间索引，写入带保留期 TTL
  - SQLStore：GORM，支持 PostgreSQL / MySQL / SQLite
  - MongoStore：mongo-driver v2 文档存储

通过 New 按 Config.Type 选择后端。后端故障统一包装为
types.ErrStoreUnavailable，ErrNotFound 原样返回。

# 保留期

Cleaner 按 Config.CleanupInterval 周期调用 Purge，删除早于
now - Retention 的数据。
*/
package store

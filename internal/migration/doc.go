// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
包 migration 基于 golang-migrate 管理持久化表结构。

迁移脚本按方言嵌入（migrations/postgres、mysql、sqlite），包含
preserved_contexts、live_contexts、context_snapshots 与 handoff_records 四张表。
迁移器复用 internal/database 打开的连接，Close 时一并关闭。
CLI 为 agentrelay migrate 子命令提供 up、down、steps、force、status 输出。
*/
package migration

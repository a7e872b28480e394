// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库打开与连接池管理。

# 概述

Open 按 config.DatabaseConfig 的驱动名选择方言（postgres、mysql、sqlite），
打开数据库并交给 PoolManager 管理连接池参数与后台探活。
store 的 database 后端与 migration 包都从 PoolManager 取得连接。

# 核心类型

  - PoolManager：持有 *gorm.DB 与底层 *sql.DB，提供 DB、SQLDB、Ping、
    GetStats、Close。
  - PoolConfig：最大连接数、空闲数、生命周期与健康检查间隔。
  - PoolStats：对外暴露的连接池指标。
*/
package database

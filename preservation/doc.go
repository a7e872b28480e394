// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package preservation 实现跨平台移交时的上下文保存与恢复。

# 保存

[Service.Preserve] 读取任务的记忆块（至多 MaxBlocks 条），用 [RankBlocks]
按重要度与时间排序（分数差在 TieWindow 内按时间倒序），再读取会话状态、
任务状态与源平台状态。总大小超过平台预算时由 [Compress] 压缩：
重要度不低于 ImportantBlockThreshold 的块全部保留，其余按时间从新到旧
填充剩余预算。结果以 (task, session) 为键写入 store，最新写入生效。

# 恢复

[Service.Restore] 取最新快照的副本，并为目标平台重新提取平台状态。
没有快照时返回 nil，调用方按"无保存状态"继续。

# 快照

[Service.CreateSnapshot] 生成命名快照用于审计，不改变最新快照。

所有失败以 types.ErrPreservationFailed 返回，属于可恢复错误。
*/
package preservation

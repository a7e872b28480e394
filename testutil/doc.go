// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 AgentRelay 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 事件记录: RecordEvents 订阅总线，按类型查询或等待事件

# 子包

  - testutil/mocks: MockAdapter（执行平台适配器）、HookRecorder（平台状态插件）、
    FlakyStore（可注入错误的存储包装），均支持 Builder 模式
  - testutil/fixtures: 记忆块、会话与移交记录样例

# 使用示例

	ctx := testutil.TestContext(t)
	adapter := mocks.NewMockAdapter("codex").WithDelay(50 * time.Millisecond)
	events := testutil.RecordEvents(t, bus)
	events.WaitFor(t, eventbus.EventHandoffSuccess, time.Second)
*/
package testutil

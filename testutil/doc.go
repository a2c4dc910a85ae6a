// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供执行核心测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 存储: NewTestStore 基于临时 sqlite 文件构造已迁移的 store.Store
  - 断言工具: AssertJSONEqual / AssertEventuallyTrue

# 子包

  - testutil/mocks: 协作方模拟实现，包括 MockModelInvoker、MockToolExecutor、
    MockSafetyGate、MockRecoveryAdvisor、MockReviewQueue、MockNotifier、
    MockDispatcher，均支持 Builder 模式与错误注入
  - testutil/fixtures: 测试数据工厂，提供预置 Agent、执行记录与各阶段模型回复

# 使用示例

	ctx := testutil.TestContext(t)
	models := mocks.NewMockModelInvoker().WithRule(fixtures.OrientMarker, fixtures.OrientReply(true))
*/
package testutil

// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 orchestrator 实现执行的迭代状态机。

# 概述

每次 RunIteration 只执行当前 OODA 阶段（observe、orient、decide、act、report）
中的一个，写入迭代日志并持久化执行状态，之后由调度层投递下一次迭代。
执行在迭代之间没有任何进程内状态，可以在任意节点继续。

# 状态

	pending → provisioning → running ⇄ paused
	running → completed | failed | timeout | budget_exceeded | cancelled

预算耗尽、迭代上限与墙钟超时都会把执行带入终态。
strict 与 hipaa 安全级别的计划须通过 SafetyGate，被拦截且需要人工审核时暂停并
提交一条审核请求。

# 协作方

模型、工具、安全闸门、恢复顾问、审核队列与通知均以接口注入，
Store 由 store.Store 实现，Dispatcher 由 dispatch.Dispatcher 实现。
*/
package orchestrator

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentcore 各子系统共享的类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。编排器、调度层、缓存层、
归档层和结果合并引擎都通过这里的结构体交换数据，避免循环依赖。

# 核心类型

  - Agent            — 只读的 Agent 定义（迭代/预算/超时上限、白名单、安全等级）
  - Execution        — 单次执行的可变记录（状态、阶段、工作记忆、预算账目）
  - ExecutionStatus  — 生命周期状态与合法转换（CanTransition / IsTerminal）
  - Phase            — observe / orient / decide / act / report
  - PlannedAction    — decide 阶段产出的封闭计划步骤类型
  - IterationLog     — 每个阶段一条、只追加的执行日志
  - Error / ErrorCode — 结构化错误体系（NotFound、InvalidState、IntegrityError 等）

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithExecutionID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / HTTPStatusFor
*/
package types

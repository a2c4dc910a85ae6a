// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 dispatch 负责把执行的下一次迭代交给队列异步续跑。

# 概述

Dispatcher 为租户解析队列路由（缓存 → 存储 → 共享默认队列），
把 Message 序列化为带路由属性的 Envelope 后投递。FIFO 队列的
分组键为租户 ID，去重键为 sha256(executionID|type|timestamp)。
投递失败只记录日志并以 Result.Success=false 返回。

# 队列后端

  - RedisQueue：ready/processing 列表、delayed 有序集合、inflight 可见性截止时间、Lua 原子去重入队
  - MemoryQueue：进程内实现，语义一致

# 消费

Consumer 轮询队列，同一分组的消息串行处理并持有 GroupLocker，
可重试错误按退避延迟重投，超过最大接收次数后丢弃。
*/
package dispatch

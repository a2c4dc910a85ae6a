// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentcore 服务端程序入口。

# 概述

cmd/agentcore 组装执行状态机、调度队列、缓存、归档与结果合并，
对外暴露 HTTP API，并在同一进程内运行调度消费者、超时扫描与归档清理。

# 核心类型

  - Server      — 组件装配、API 与 Metrics 双端口、后台循环及优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、sweep（一次性扫描，供 cron 使用）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、RateLimiter（IP）、JWTAuth、
    TenantRateLimiter（租户）
  - 配置重载：轮询配置文件，日志级别即时生效
  - 后端选择：配置 Redis 时使用 Redis 队列与分布式锁，否则退回进程内实现；
    归档对象存储支持 filesystem 与 gridfs
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main

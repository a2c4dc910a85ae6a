// Package config 提供 agentcore 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 AGENTCORE）的顺序合并，
// 覆盖服务器、Redis、数据库、缓存、调度、归档、对象存储、合并、
// 状态机、鉴权、日志与遥测各节。
//
// Reloader 轮询配置文件，校验通过后把新旧配置交给 OnReload 回调，
// 服务进程用它在运行时调整日志级别。
package config

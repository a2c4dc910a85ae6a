// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 核心类型

  - Manager：封装 http.Server 与 net.Listener，提供 Start/Shutdown，
    异步错误经 Errors() 暴露。agentcore serve 同时持有 api 与
    metrics 两个 Manager。
  - Config：监听地址、读写与空闲超时、最大请求头、优雅关闭超时；
    ConfigFromServer 从全局配置派生。
  - WaitForSignal：等待 SIGINT/SIGTERM 或任一服务器异常退出。
*/
package server

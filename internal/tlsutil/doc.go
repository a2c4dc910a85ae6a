// Package tlsutil 集中管理出站连接的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 用于模型/工具网关的 HTTP 客户端与 Redis 连接。
package tlsutil

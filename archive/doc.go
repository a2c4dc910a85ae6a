// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 archive 将执行步骤的大块输入输出转入冷存储。

# 写入

Archiver.Archive 计算原始数据的 SHA-256，数据超过 MinCompressSize 且
压缩节省不少于 10% 时使用 zstd（可配置 gzip），否则原样保存。
原始字节数低于 HybridThreshold 时以 base64 写入数据库，否则写入
ObjectStore。后端在写入时确定，此后不变。

# 读取

Retrieve 按后端读取、解压并重新校验 checksum。校验不一致返回
INTEGRITY_ERROR，不会自动重试。

# 后端

  - FSStore：本地目录
  - GridFSStore：MongoDB GridFS bucket
*/
package archive

/*
包 merge 将多个模型对同一问题的回答合并为一个结果。

策略：

  - best：优先指定模型，否则取 confidence / latency 最大者
  - consensus：平均两两 Jaccard 相似度最高者，贡献 0.8
  - weighted：confidence × 权重最大者，贡献按权重归一
  - chain：最后一个回答为输出，贡献 0.6
  - synthesis：调用模型合成，失败时退回 confidence × log(len+1) 最大者

每个 Result 的 Sources 贡献之和为 1。未提供置信度的回答按 0.5 计。
Engine.Collect 并发调用多个模型以获得待合并的回答。
*/
package merge

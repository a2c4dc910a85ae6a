// Package tokenizer 在模型回复缺少 usage 时估算 token 数，
// 优先使用 tiktoken，编码数据不可用时按字符估算。
package tokenizer

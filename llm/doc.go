// Package llm 定义多 Provider LLM 适配层的统一契约：
// 请求/响应模型、错误分类、Provider 接口与注册表。
//
// 子包分工：
//   - providers/*   各后端的线协议实现
//   - cache         精确 + 语义响应缓存
//   - batch         批处理与同请求合并
//   - fallback      候选排序、熔断与重试
//   - budget        成本账本与预算预检
//   - adapter       对外门面（Generate/GenerateStream/Synthesize）
package llm

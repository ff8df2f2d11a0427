// Package main 是 docforge 命令行入口.
//
// 子命令:
//
//	generate  通过提供商链生成一次补全, 支持流式与多提供商合成
//	refine    用熵评分迭代精炼一篇文档
//	stats     输出预算、提供商健康与消费统计 (JSON)
//	version   显示版本信息
//
// 配置来源: 默认值 → --config 指定的 YAML → DOCFORGE_* 环境变量。
package main

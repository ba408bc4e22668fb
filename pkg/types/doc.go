// Package types 定义 go-broadcast 公共类型
//
// 包含协议标识、消息信封、投递结果、回执与统计等核心类型。
// 本包不依赖任何内部实现，外部协作方（CLI/TUI）可直接使用。
package types

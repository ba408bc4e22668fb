// Package types 定义 go-broadcast 公共类型
//
// 本文件定义驱动发送结果与状态类型。
package types

import "fmt"

// ============================================================================
//                              SendResult - 发送结果
// ============================================================================

// SendResult 单个驱动的一次发送结果
//
// 驱动的 Send 永不 panic、永不返回 error，
// 所有失败都以结果形式呈现。LatencyMs 由广播器时钟测量。
type SendResult struct {
	// Protocol 产生该结果的传输协议
	Protocol Protocol `json:"protocol"`

	// Success 是否至少有一条路径投递成功
	Success bool `json:"success"`

	// LatencyMs 发送耗时（毫秒，广播器测量，始终 ≥ 0）
	LatencyMs int64 `json:"latencyMs"`

	// Detail 人类可读的结果说明（如 "2/3 brokers"）
	Detail string `json:"detail,omitempty"`

	// ErrorKind 失败分类；成功时为空
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}

// Failure 构造失败结果（驱动内部使用的便捷函数）
func Failure(p Protocol, kind ErrorKind, detail string) SendResult {
	return SendResult{Protocol: p, Success: false, ErrorKind: kind, Detail: detail}
}

// Successf 构造成功结果，detail 按 printf 格式展开
func Successf(p Protocol, format string, args ...any) SendResult {
	return SendResult{Protocol: p, Success: true, Detail: fmt.Sprintf(format, args...)}
}

// ============================================================================
//                              DriverStatus - 驱动状态
// ============================================================================

// DriverStatus 驱动连接状态快照
type DriverStatus struct {
	// Connected 已连接的中继/Broker/节点数
	Connected int `json:"connected"`

	// Total 配置的中继/Broker/节点总数
	Total int `json:"total"`

	// Detail 补充说明（如监听地址、库环境）
	Detail string `json:"detail,omitempty"`
}

// Ready 是否至少有一条可用路径
func (s DriverStatus) Ready() bool {
	return s.Connected > 0
}

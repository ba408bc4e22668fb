package broadcast

import (
	"github.com/broadcast-dm/go-broadcast/internal/core/mux"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              引擎状态
// ════════════════════════════════════════════════════════════════════════════

// EngineState 引擎状态
//
// 表示引擎在生命周期中的当前阶段。
type EngineState int

const (
	// StateIdle 空闲状态（已创建，未启动）
	StateIdle EngineState = iota

	// StateInitializing 初始化中（Fx App 启动中）
	StateInitializing

	// StateStarting 启动中（驱动并发初始化中）
	StateStarting

	// StateRunning 运行中（正常工作状态）
	StateRunning

	// StateStopping 停止中（正在关闭组件）
	StateStopping

	// StateStopped 已停止（终态，需要时创建新实例）
	StateStopped
)

// String 返回状态的字符串表示
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              类型别名
// ════════════════════════════════════════════════════════════════════════════

// 常用类型的别名，调用方只 import 根包即可收发消息。

// Message 消息信封
type Message = types.Message

// Receipt 到达回执
type Receipt = types.Receipt

// SendResult 单个驱动的发送结果
type SendResult = types.SendResult

// DriverStatus 驱动连接状态
type DriverStatus = types.DriverStatus

// Protocol 传输协议标识
type Protocol = types.Protocol

// 五种内置传输
const (
	ProtocolXMTP  = types.ProtocolXMTP
	ProtocolNostr = types.ProtocolNostr
	ProtocolWaku  = types.ProtocolWaku
	ProtocolMQTT  = types.ProtocolMQTT
	ProtocolIroh  = types.ProtocolIroh
)

// ProtocolStats 传输聚合统计
type ProtocolStats = types.ProtocolStats

// PeerChannelPreference 对端通道偏好
type PeerChannelPreference = types.PeerChannelPreference

// MessageHandler 消息监听器，按注册顺序同步调用
type MessageHandler = mux.MessageHandler

// ReceiptHandler 回执监听器，duplicate 指示该次到达是否为重复
type ReceiptHandler = mux.ReceiptHandler

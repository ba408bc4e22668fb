// Package types 定义 go-broadcast 公共类型
//
// 本文件定义传输协议标识与发送错误分类。
package types

// ============================================================================
//                              Protocol - 传输协议标识
// ============================================================================

// Protocol 传输协议标识
//
// 五种互不相同的传输网络，每种对应一个驱动实现。
type Protocol string

const (
	// ProtocolXMTP 钱包密钥加密 DM 网络
	ProtocolXMTP Protocol = "xmtp"

	// ProtocolNostr 基于中继的签名事件网络
	ProtocolNostr Protocol = "nostr"

	// ProtocolWaku P2P 发布订阅网格
	ProtocolWaku Protocol = "waku"

	// ProtocolMQTT Broker 发布订阅网络
	ProtocolMQTT Protocol = "mqtt"

	// ProtocolIroh 点对点双向流直连传输
	ProtocolIroh Protocol = "iroh"
)

// AllProtocols 返回全部协议（固定顺序，便于展示）
func AllProtocols() []Protocol {
	return []Protocol{ProtocolXMTP, ProtocolNostr, ProtocolWaku, ProtocolMQTT, ProtocolIroh}
}

// String 返回协议的字符串表示
func (p Protocol) String() string {
	return string(p)
}

// Valid 检查协议标识是否合法
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolXMTP, ProtocolNostr, ProtocolWaku, ProtocolMQTT, ProtocolIroh:
		return true
	default:
		return false
	}
}

// ============================================================================
//                              ErrorKind - 发送错误分类
// ============================================================================

// ErrorKind 驱动层发送错误分类
//
// 广播器根据分类决定日志级别，但不在此层重试。
type ErrorKind string

const (
	// ErrorKindNone 无错误
	ErrorKindNone ErrorKind = ""

	// ErrorKindTimeout 网络超时
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindUnreachable 对端不可达
	ErrorKindUnreachable ErrorKind = "unreachable"

	// ErrorKindAuth 认证或加密失败
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindProtocol 协议层错误（编码、握手、服务端拒绝）
	ErrorKindProtocol ErrorKind = "protocol"

	// ErrorKindSelf 尝试向自身节点发送
	ErrorKindSelf ErrorKind = "self"

	// ErrorKindNotInitialized 驱动未初始化
	ErrorKindNotInitialized ErrorKind = "notInitialized"
)

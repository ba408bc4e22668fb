// Package config 提供 go-broadcast 配置管理层
//
// config 包负责：
// - 定义内部配置结构
// - 提供默认值
// - 配置校验
// - 启动前的能力探测（数据目录可写、端口可绑定）
package config

import (
	"time"
)

// Config 内部配置结构
//
// 这是详细的内部配置结构，用于组件初始化。
// 用户配置（pkg/broadcast.UserConfig）会被转换为此结构。
type Config struct {
	// DataDir 数据目录
	// 存放证据库、身份密钥文件与 xmtp 会话库
	DataDir string

	// XMTPEnabled 启用 xmtp 驱动（钱包寻址 DM）
	XMTPEnabled bool

	// NostrEnabled 启用 nostr 驱动（签名事件中继）
	NostrEnabled bool

	// WakuEnabled 启用 waku 驱动（P2P 发布订阅网格）
	WakuEnabled bool

	// MQTTEnabled 启用 mqtt 驱动（Broker 发布订阅）
	MQTTEnabled bool

	// IrohEnabled 启用 iroh 驱动（QUIC 直连双向流）
	IrohEnabled bool

	// XMTPEnv xmtp 网关环境：dev、production 或 local
	XMTPEnv string

	// NostrRelays nostr 中继 URL 列表
	// 驱动启用时不得为空
	NostrRelays []string

	// MQTTBrokers mqtt Broker URL 列表
	// 驱动启用时不得为空
	MQTTBrokers []string

	// WakuListenAddrs waku 驱动 libp2p 主机的监听多地址
	WakuListenAddrs []string

	// WakuBootstrapPeers waku 网格引导节点多地址（含 /p2p/ 段）
	// 非空时 Init 要求至少连上一个，否则视为初始化失败
	WakuBootstrapPeers []string

	// IrohListenAddr iroh 驱动 QUIC 监听地址（host:port）
	IrohListenAddr string

	// IrohPeers iroh 静态对端簿，条目形如 nodeID@host:port
	IrohPeers []string

	// MetricsAddr Prometheus 指标监听地址，空串表示不开启
	MetricsAddr string

	// SeenCacheSize 去重集容量（条）
	SeenCacheSize int

	// SeenCacheTTL 去重集滑动窗口
	SeenCacheTTL time.Duration
}

// DefaultConfig 返回默认配置
//
// 五个驱动全部启用，中继与 Broker 使用公共默认集合。
func DefaultConfig() *Config {
	return &Config{
		XMTPEnabled:     true,
		NostrEnabled:    true,
		WakuEnabled:     true,
		MQTTEnabled:     true,
		IrohEnabled:     true,
		XMTPEnv:         DefaultXMTPEnv,
		NostrRelays:     DefaultNostrRelays(),
		MQTTBrokers:     DefaultMQTTBrokers(),
		WakuListenAddrs: DefaultWakuListenAddrs(),
		IrohListenAddr:  DefaultIrohListenAddr,
		SeenCacheSize:   DefaultSeenCacheSize,
		SeenCacheTTL:    DefaultSeenCacheTTL,
	}
}

// EnabledProtocols 返回启用的传输名列表（固定顺序）
func (c *Config) EnabledProtocols() []string {
	var out []string
	if c.XMTPEnabled {
		out = append(out, "xmtp")
	}
	if c.NostrEnabled {
		out = append(out, "nostr")
	}
	if c.WakuEnabled {
		out = append(out, "waku")
	}
	if c.MQTTEnabled {
		out = append(out, "mqtt")
	}
	if c.IrohEnabled {
		out = append(out, "iroh")
	}
	return out
}

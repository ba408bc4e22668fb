package broadcast

import (
	"encoding/json"
	"time"

	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// UserConfig 用户配置结构
//
// 这是面向用户的简化配置结构，可以从 JSON 文件加载。
// 内部会转换为详细的组件配置。
//
// 注意：配置文件的读取和环境变量的处理应由应用层（cmd/*）负责，
// 库本身不负责 I/O 操作。示例用法：
//
//	data, _ := os.ReadFile("config.json")
//	var cfg broadcast.UserConfig
//	json.Unmarshal(data, &cfg)
//	engine, _ := broadcast.New(cfg.ToOptions()...)
type UserConfig struct {
	// DataDir 数据目录
	DataDir string `json:"data_dir,omitempty"`

	// Protocols 启用的传输集合
	// 可选值: xmtp, nostr, waku, mqtt, iroh；省略表示全部启用
	Protocols []string `json:"protocols,omitempty"`

	// Identity 身份配置
	Identity *IdentityConfig `json:"identity,omitempty"`

	// XMTP xmtp 驱动配置
	XMTP *XMTPConfig `json:"xmtp,omitempty"`

	// Nostr nostr 驱动配置
	Nostr *NostrConfig `json:"nostr,omitempty"`

	// MQTT mqtt 驱动配置
	MQTT *MQTTConfig `json:"mqtt,omitempty"`

	// Waku waku 驱动配置
	Waku *WakuConfig `json:"waku,omitempty"`

	// Iroh iroh 驱动配置
	Iroh *IrohConfig `json:"iroh,omitempty"`

	// MetricsAddr Prometheus 指标监听地址
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// SeenCache 去重集配置
	SeenCache *SeenCacheConfig `json:"seen_cache,omitempty"`
}

// IdentityConfig 身份配置
type IdentityConfig struct {
	// KeyFile 密钥文件路径
	// 如果文件不存在，将自动创建新密钥
	KeyFile string `json:"key_file,omitempty"`
}

// XMTPConfig xmtp 驱动配置
type XMTPConfig struct {
	// Env 网关环境
	// 可选值: dev, production, local
	Env string `json:"env,omitempty"`
}

// NostrConfig nostr 驱动配置
type NostrConfig struct {
	// Relays 中继 URL 列表（ws:// 或 wss://）
	Relays []string `json:"relays,omitempty"`
}

// MQTTConfig mqtt 驱动配置
type MQTTConfig struct {
	// Brokers Broker URL 列表
	Brokers []string `json:"brokers,omitempty"`
}

// WakuConfig waku 驱动配置
type WakuConfig struct {
	// ListenAddrs libp2p 主机监听多地址
	ListenAddrs []string `json:"listen_addrs,omitempty"`

	// BootstrapPeers 网格引导节点多地址（含 /p2p/ 段）
	BootstrapPeers []string `json:"bootstrap_peers,omitempty"`
}

// IrohConfig iroh 驱动配置
type IrohConfig struct {
	// ListenAddr QUIC 监听地址（host:port）
	ListenAddr string `json:"listen_addr,omitempty"`

	// Peers 静态对端簿，条目形如 nodeID@host:port
	Peers []string `json:"peers,omitempty"`
}

// SeenCacheConfig 去重集配置
type SeenCacheConfig struct {
	// Size 容量（条）
	Size int `json:"size,omitempty"`

	// TTL 滑动窗口
	TTL Duration `json:"ttl,omitempty"`
}

// ============================================================================
//                              Duration 类型
// ============================================================================

// Duration 是 time.Duration 的 JSON 友好版本
type Duration time.Duration

// MarshalJSON 实现 json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 实现 json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// 尝试作为数字解析（纳秒）
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(time.Duration(ns))
		return nil
	}

	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration 返回 time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ============================================================================
//                              配置转换
// ============================================================================

// ToOptions 将用户配置转换为选项列表
func (c *UserConfig) ToOptions() []Option {
	var opts []Option

	if c.DataDir != "" {
		opts = append(opts, WithDataDir(c.DataDir))
	}

	// 传输集合
	if c.Protocols != nil {
		protos := make([]types.Protocol, 0, len(c.Protocols))
		for _, p := range c.Protocols {
			protos = append(protos, types.Protocol(p))
		}
		opts = append(opts, WithProtocols(protos...))
	}

	// 身份配置
	if c.Identity != nil && c.Identity.KeyFile != "" {
		opts = append(opts, WithIdentityFromFile(c.Identity.KeyFile))
	}

	// 驱动参数
	if c.XMTP != nil && c.XMTP.Env != "" {
		opts = append(opts, WithXMTPEnv(c.XMTP.Env))
	}
	if c.Nostr != nil && c.Nostr.Relays != nil {
		opts = append(opts, WithNostrRelays(c.Nostr.Relays...))
	}
	if c.MQTT != nil && c.MQTT.Brokers != nil {
		opts = append(opts, WithMQTTBrokers(c.MQTT.Brokers...))
	}
	if c.Waku != nil {
		if len(c.Waku.ListenAddrs) > 0 {
			opts = append(opts, WithWakuListenAddrs(c.Waku.ListenAddrs...))
		}
		if len(c.Waku.BootstrapPeers) > 0 {
			opts = append(opts, WithWakuBootstrapPeers(c.Waku.BootstrapPeers...))
		}
	}
	if c.Iroh != nil {
		if c.Iroh.ListenAddr != "" {
			opts = append(opts, WithIrohListenAddr(c.Iroh.ListenAddr))
		}
		if len(c.Iroh.Peers) > 0 {
			opts = append(opts, WithIrohPeers(c.Iroh.Peers...))
		}
	}

	// 指标与去重集
	if c.MetricsAddr != "" {
		opts = append(opts, WithMetricsAddr(c.MetricsAddr))
	}
	if c.SeenCache != nil && c.SeenCache.Size > 0 && c.SeenCache.TTL > 0 {
		opts = append(opts, WithSeenCache(c.SeenCache.Size, c.SeenCache.TTL.Duration()))
	}

	return opts
}

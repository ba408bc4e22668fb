package broadcast

import (
	"fmt"
	"strings"
	"time"

	"github.com/broadcast-dm/go-broadcast/internal/config"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// 数据目录
	dataDir string

	// 启用的传输集合；nil 表示未显式设置（全部启用）
	protocols []types.Protocol

	// xmtp 配置
	xmtpEnv string

	// nostr 配置
	nostrRelays    []string
	nostrRelaysSet bool // 区分显式设置为空与未设置

	// mqtt 配置
	mqttBrokers    []string
	mqttBrokersSet bool

	// waku 配置
	wakuListenAddrs    []string
	wakuBootstrapPeers []string

	// iroh 配置
	irohListenAddr string
	irohPeers      []string

	// 指标监听地址
	metricsAddr string

	// 去重集参数
	seenCacheSize int
	seenCacheTTL  time.Duration

	// 身份配置
	identityKeyFile string
	identity        *identity.Identity

	// 追加驱动（测试替身或自定义传输）
	extraDrivers []interfaces.Driver
}

// newOptions 创建默认选项
func newOptions() *options {
	return &options{}
}

// toInternalConfig 转换为内部配置
func (o *options) toInternalConfig() *config.Config {
	cfg := config.DefaultConfig()

	cfg.DataDir = o.dataDir
	if cfg.DataDir == "" {
		cfg.DataDir = config.DefaultDataDir()
	}

	// 覆盖: 启用的传输集合
	if o.protocols != nil {
		cfg.XMTPEnabled = false
		cfg.NostrEnabled = false
		cfg.WakuEnabled = false
		cfg.MQTTEnabled = false
		cfg.IrohEnabled = false
		for _, p := range o.protocols {
			switch p {
			case types.ProtocolXMTP:
				cfg.XMTPEnabled = true
			case types.ProtocolNostr:
				cfg.NostrEnabled = true
			case types.ProtocolWaku:
				cfg.WakuEnabled = true
			case types.ProtocolMQTT:
				cfg.MQTTEnabled = true
			case types.ProtocolIroh:
				cfg.IrohEnabled = true
			}
		}
	}

	// 覆盖: 驱动参数
	if o.xmtpEnv != "" {
		cfg.XMTPEnv = o.xmtpEnv
	}
	if o.nostrRelaysSet {
		cfg.NostrRelays = o.nostrRelays
	}
	if o.mqttBrokersSet {
		cfg.MQTTBrokers = o.mqttBrokers
	}
	if len(o.wakuListenAddrs) > 0 {
		cfg.WakuListenAddrs = o.wakuListenAddrs
	}
	if len(o.wakuBootstrapPeers) > 0 {
		cfg.WakuBootstrapPeers = o.wakuBootstrapPeers
	}
	if o.irohListenAddr != "" {
		cfg.IrohListenAddr = o.irohListenAddr
	}
	if len(o.irohPeers) > 0 {
		cfg.IrohPeers = o.irohPeers
	}

	// 覆盖: 指标与去重集
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	if o.seenCacheSize > 0 {
		cfg.SeenCacheSize = o.seenCacheSize
	}
	if o.seenCacheTTL > 0 {
		cfg.SeenCacheTTL = o.seenCacheTTL
	}

	return cfg
}

// ============================================================================
//                              通用选项
// ============================================================================

// WithDataDir 设置数据目录
//
// 证据库、身份密钥文件与 xmtp 会话库都放在此目录下。
// 未设置时使用 ~/.go-broadcast。
func WithDataDir(dir string) Option {
	return func(o *options) error {
		if dir == "" {
			return fmt.Errorf("data dir must not be empty")
		}
		o.dataDir = dir
		return nil
	}
}

// WithProtocols 只启用给定的传输集合
//
// 未列出的传输不会被构建。传空集合表示不启用任何内置传输
// （配合 WithDrivers 注入自定义驱动时使用）。
//
//	broadcast.New(broadcast.WithProtocols(broadcast.ProtocolNostr, broadcast.ProtocolMQTT))
func WithProtocols(protocols ...types.Protocol) Option {
	return func(o *options) error {
		for _, p := range protocols {
			if !p.Valid() {
				return fmt.Errorf("unknown protocol %q", p)
			}
		}
		o.protocols = append([]types.Protocol{}, protocols...)
		return nil
	}
}

// WithMetricsAddr 在给定地址上开启 Prometheus 指标服务
//
// 形如 "127.0.0.1:9090"。未设置时不开启指标监听。
func WithMetricsAddr(addr string) Option {
	return func(o *options) error {
		if addr == "" {
			return fmt.Errorf("metrics addr must not be empty")
		}
		o.metricsAddr = addr
		return nil
	}
}

// WithSeenCache 调整入站去重集的容量与滑动窗口
func WithSeenCache(size int, ttl time.Duration) Option {
	return func(o *options) error {
		if size <= 0 {
			return fmt.Errorf("seen cache size must be positive")
		}
		if ttl <= 0 {
			return fmt.Errorf("seen cache ttl must be positive")
		}
		o.seenCacheSize = size
		o.seenCacheTTL = ttl
		return nil
	}
}

// ============================================================================
//                              身份选项
// ============================================================================

// WithIdentityFromFile 从文件加载身份密钥
//
// 文件不存在时自动生成新身份并保存（0600 权限）。
// 未设置时使用 <dataDir>/identity.json。
func WithIdentityFromFile(path string) Option {
	return func(o *options) error {
		if path == "" {
			return fmt.Errorf("identity key file path must not be empty")
		}
		o.identityKeyFile = path
		return nil
	}
}

// WithIdentity 使用指定身份
//
// 适用于程序化生成或外部管理密钥的场景，优先于密钥文件。
func WithIdentity(id *identity.Identity) Option {
	return func(o *options) error {
		if id == nil {
			return fmt.Errorf("identity must not be nil")
		}
		o.identity = id
		return nil
	}
}

// ============================================================================
//                              驱动参数选项
// ============================================================================

// WithXMTPEnv 设置 xmtp 网关环境
//
// 合法值：dev、production、local。
func WithXMTPEnv(env string) Option {
	return func(o *options) error {
		switch env {
		case "dev", "production", "local":
			o.xmtpEnv = env
			return nil
		default:
			return fmt.Errorf("xmtp env must be one of dev, production, local; got %q", env)
		}
	}
}

// WithNostrRelays 设置 nostr 中继集合（覆盖默认中继）
func WithNostrRelays(relays ...string) Option {
	return func(o *options) error {
		for _, r := range relays {
			if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
				return fmt.Errorf("nostr relay %q must be a ws:// or wss:// URL", r)
			}
		}
		o.nostrRelays = append([]string{}, relays...)
		o.nostrRelaysSet = true
		return nil
	}
}

// WithMQTTBrokers 设置 mqtt Broker 集合（覆盖默认 Broker）
func WithMQTTBrokers(brokers ...string) Option {
	return func(o *options) error {
		for _, b := range brokers {
			if b == "" {
				return fmt.Errorf("mqtt broker URL must not be empty")
			}
		}
		o.mqttBrokers = append([]string{}, brokers...)
		o.mqttBrokersSet = true
		return nil
	}
}

// WithWakuListenAddrs 设置 waku libp2p 主机的监听多地址
func WithWakuListenAddrs(addrs ...string) Option {
	return func(o *options) error {
		if len(addrs) == 0 {
			return fmt.Errorf("waku listen addrs must not be empty")
		}
		o.wakuListenAddrs = append([]string{}, addrs...)
		return nil
	}
}

// WithWakuBootstrapPeers 设置 waku 网格引导节点
//
// 多地址需携带 /p2p/ 段。配置后 Init 要求至少连上一个。
func WithWakuBootstrapPeers(addrs ...string) Option {
	return func(o *options) error {
		o.wakuBootstrapPeers = append([]string{}, addrs...)
		return nil
	}
}

// WithIrohListenAddr 设置 iroh 驱动的 QUIC 监听地址（host:port）
func WithIrohListenAddr(addr string) Option {
	return func(o *options) error {
		if addr == "" {
			return fmt.Errorf("iroh listen addr must not be empty")
		}
		o.irohListenAddr = addr
		return nil
	}
}

// WithIrohPeers 设置 iroh 静态对端簿
//
// 条目形如 nodeID@host:port。
func WithIrohPeers(peers ...string) Option {
	return func(o *options) error {
		for _, p := range peers {
			if !strings.Contains(p, "@") {
				return fmt.Errorf("iroh peer %q must look like nodeID@host:port", p)
			}
		}
		o.irohPeers = append([]string{}, peers...)
		return nil
	}
}

// ============================================================================
//                              扩展选项
// ============================================================================

// WithDrivers 追加自定义驱动
//
// 注入的驱动与内置驱动一同初始化、发送与关闭。
// 主要用于测试替身，也可挂接第六种传输。
func WithDrivers(drivers ...interfaces.Driver) Option {
	return func(o *options) error {
		for _, d := range drivers {
			if d == nil {
				return fmt.Errorf("driver must not be nil")
			}
		}
		o.extraDrivers = append(o.extraDrivers, drivers...)
		return nil
	}
}

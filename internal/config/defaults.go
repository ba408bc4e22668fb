package config

import (
	"os"
	"path/filepath"
	"time"
)

// ============================================================================
//                              预设默认值
// ============================================================================

// xmtp 默认值
const (
	// DefaultXMTPEnv 默认 xmtp 网关环境
	DefaultXMTPEnv = "dev"
)

// iroh 默认值
const (
	// DefaultIrohListenAddr 默认 QUIC 监听地址（随机端口）
	DefaultIrohListenAddr = "0.0.0.0:0"
)

// 去重集默认值
const (
	// DefaultSeenCacheSize 默认去重集容量
	DefaultSeenCacheSize = 100_000

	// DefaultSeenCacheTTL 默认去重滑动窗口
	DefaultSeenCacheTTL = 24 * time.Hour
)

// DefaultNostrRelays 返回默认 nostr 中继集合
func DefaultNostrRelays() []string {
	return []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
		"wss://relay.nostr.band",
	}
}

// DefaultMQTTBrokers 返回默认 mqtt Broker 集合
func DefaultMQTTBrokers() []string {
	return []string{
		"mqtt://broker.hivemq.com:1883",
		"mqtt://broker.emqx.io:1883",
		"mqtt://test.mosquitto.org:1883",
	}
}

// DefaultWakuListenAddrs 返回 waku 主机的默认监听多地址
func DefaultWakuListenAddrs() []string {
	return []string{
		"/ip4/0.0.0.0/tcp/0",
	}
}

// DefaultDataDir 返回默认数据目录
//
// 优先使用用户主目录下的 .go-broadcast，取不到主目录时
// 退回当前目录。
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".go-broadcast"
	}
	return filepath.Join(home, ".go-broadcast")
}

// ============================================================================
//                              环境变量（供 CLI 使用）
// ============================================================================

// 环境变量前缀和名称常量（供 cmd 层使用）
const (
	// EnvPrefix 环境变量前缀
	EnvPrefix = "BROADCAST_"

	// EnvDataDir 数据目录
	EnvDataDir = "DATA_DIR"

	// EnvProtocols 启用的传输集合（逗号分隔）
	EnvProtocols = "PROTOCOLS"

	// EnvIdentityKeyFile 身份密钥文件路径
	EnvIdentityKeyFile = "IDENTITY_KEY_FILE"

	// EnvXMTPEnv xmtp 网关环境
	EnvXMTPEnv = "XMTP_ENV"

	// EnvNostrRelays nostr 中继列表（逗号分隔）
	EnvNostrRelays = "NOSTR_RELAYS"

	// EnvMQTTBrokers mqtt Broker 列表（逗号分隔）
	EnvMQTTBrokers = "MQTT_BROKERS"

	// EnvMetricsAddr Prometheus 指标监听地址
	EnvMetricsAddr = "METRICS_ADDR"

	// EnvLogFile 日志文件路径
	EnvLogFile = "LOG_FILE"
)

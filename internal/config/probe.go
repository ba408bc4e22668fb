package config

import (
	"fmt"
	"net"
	"os"

	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是配置层的日志记录器
var logger = log.Logger("config")

// Exclusion 能力探测得出的驱动排除项
type Exclusion struct {
	// Protocol 被排除的传输
	Protocol types.Protocol

	// Reason 排除原因（面向日志）
	Reason string
}

// Probe 对启用的驱动做能力探测
//
// 宿主缺少某驱动依赖的能力（数据目录不可写、无法绑定端口）时，
// 该驱动被列入排除项并显式告警，绝不静默禁用。
// 返回的排除项由上层在构建驱动注册表时应用。
func Probe(cfg *Config) []Exclusion {
	var out []Exclusion

	exclude := func(proto types.Protocol, reason string) {
		logger.Warn("capability probe excluded driver",
			"protocol", proto,
			"reason", reason)
		out = append(out, Exclusion{Protocol: proto, Reason: reason})
	}

	if cfg.XMTPEnabled {
		if err := probeWritableDir(cfg.DataDir); err != nil {
			exclude(types.ProtocolXMTP, fmt.Sprintf("data dir not writable: %v", err))
		}
	}

	if cfg.WakuEnabled {
		if err := probeTCPBind(); err != nil {
			exclude(types.ProtocolWaku, fmt.Sprintf("cannot bind tcp socket: %v", err))
		}
	}

	if cfg.IrohEnabled {
		if err := probeUDPBind(); err != nil {
			exclude(types.ProtocolIroh, fmt.Sprintf("cannot bind udp socket: %v", err))
		}
	}

	return out
}

// probeWritableDir 检查目录可创建且可写
func probeWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".probe-")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// probeTCPBind 检查能否绑定一个 TCP 端口
func probeTCPBind() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	return l.Close()
}

// probeUDPBind 检查能否绑定一个 UDP 端口
func probeUDPBind() error {
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	return c.Close()
}

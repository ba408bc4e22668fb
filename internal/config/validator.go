package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError 配置校验错误
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors 多个配置校验错误
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}

	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors 是否有错误
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// validXMTPEnvs xmtp 网关环境的合法值
var validXMTPEnvs = map[string]bool{
	"dev":        true,
	"production": true,
	"local":      true,
}

// Validate 校验配置
//
// 返回 ValidationErrors（实现 error），一次性报告全部问题。
func Validate(cfg *Config) error {
	var errs ValidationErrors

	addError := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if cfg.DataDir == "" {
		addError("dataDir", "must not be empty")
	}

	if cfg.XMTPEnabled && !validXMTPEnvs[cfg.XMTPEnv] {
		addError("xmtpEnv", "must be one of dev, production, local; got %q", cfg.XMTPEnv)
	}

	if cfg.NostrEnabled {
		if len(cfg.NostrRelays) == 0 {
			addError("nostrRelays", "must not be empty when nostr is enabled")
		}
		for _, relay := range cfg.NostrRelays {
			u, err := url.Parse(relay)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
				addError("nostrRelays", "relay %q must be a ws:// or wss:// URL", relay)
			}
		}
	}

	if cfg.MQTTEnabled {
		if len(cfg.MQTTBrokers) == 0 {
			addError("mqttBrokers", "must not be empty when mqtt is enabled")
		}
		for _, broker := range cfg.MQTTBrokers {
			u, err := url.Parse(broker)
			if err != nil || u.Host == "" {
				addError("mqttBrokers", "broker %q must be a URL with host", broker)
			}
		}
	}

	if cfg.WakuEnabled && len(cfg.WakuListenAddrs) == 0 {
		addError("wakuListenAddrs", "must not be empty when waku is enabled")
	}

	if cfg.IrohEnabled {
		if cfg.IrohListenAddr == "" {
			addError("irohListenAddr", "must not be empty when iroh is enabled")
		}
		for _, peer := range cfg.IrohPeers {
			if !strings.Contains(peer, "@") {
				addError("irohPeers", "peer %q must look like nodeID@host:port", peer)
			}
		}
	}

	if cfg.SeenCacheSize < 0 {
		addError("seenCacheSize", "must not be negative")
	}
	if cfg.SeenCacheTTL < 0 {
		addError("seenCacheTTL", "must not be negative")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

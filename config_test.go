package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUserConfigFromJSON(t *testing.T) {
	const doc = `{
		"data_dir": "/var/lib/broadcast",
		"protocols": ["nostr", "mqtt"],
		"identity": {"key_file": "/etc/broadcast/key.json"},
		"xmtp": {"env": "production"},
		"nostr": {"relays": ["wss://relay.damus.io"]},
		"mqtt": {"brokers": ["tcp://broker.hivemq.com:1883"]},
		"waku": {
			"listen_addrs": ["/ip4/127.0.0.1/tcp/0"],
			"bootstrap_peers": ["/dns4/boot.example.org/tcp/60000/p2p/16Uiu2HAm"]
		},
		"iroh": {"listen_addr": "127.0.0.1:4433", "peers": ["ab12@127.0.0.1:4434"]},
		"metrics_addr": "127.0.0.1:9464",
		"seen_cache": {"size": 4096, "ttl": "10m"}
	}`

	var uc UserConfig
	require.NoError(t, json.Unmarshal([]byte(doc), &uc))

	o := applyOptions(t, uc.ToOptions()...)
	cfg := o.toInternalConfig()

	require.Equal(t, "/var/lib/broadcast", cfg.DataDir)
	require.Equal(t, []string{"nostr", "mqtt"}, cfg.EnabledProtocols())
	require.Equal(t, "production", cfg.XMTPEnv)
	require.Equal(t, []string{"wss://relay.damus.io"}, cfg.NostrRelays)
	require.Equal(t, []string{"tcp://broker.hivemq.com:1883"}, cfg.MQTTBrokers)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/0"}, cfg.WakuListenAddrs)
	require.Equal(t, []string{"/dns4/boot.example.org/tcp/60000/p2p/16Uiu2HAm"}, cfg.WakuBootstrapPeers)
	require.Equal(t, "127.0.0.1:4433", cfg.IrohListenAddr)
	require.Equal(t, []string{"ab12@127.0.0.1:4434"}, cfg.IrohPeers)
	require.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
	require.Equal(t, 4096, cfg.SeenCacheSize)
	require.Equal(t, 10*time.Minute, cfg.SeenCacheTTL)
	require.Equal(t, "/etc/broadcast/key.json", o.identityKeyFile)
}

func TestUserConfigPartialKeepsDefaults(t *testing.T) {
	var uc UserConfig
	require.NoError(t, json.Unmarshal([]byte(`{"xmtp": {"env": "local"}}`), &uc))

	cfg := applyOptions(t, uc.ToOptions()...).toInternalConfig()

	require.Equal(t, "local", cfg.XMTPEnv)
	// 未提及的部分保留默认值
	require.Len(t, cfg.EnabledProtocols(), 5)
	require.NotEmpty(t, cfg.NostrRelays)
	require.NotEmpty(t, cfg.MQTTBrokers)
	require.Empty(t, cfg.MetricsAddr)
}

func TestUserConfigEmptyRelayListIsExplicit(t *testing.T) {
	// "relays": [] 与省略 nostr 段含义不同：前者清空中继集合
	var uc UserConfig
	require.NoError(t, json.Unmarshal([]byte(`{"nostr": {"relays": []}}`), &uc))

	cfg := applyOptions(t, uc.ToOptions()...).toInternalConfig()
	require.Empty(t, cfg.NostrRelays)
}

func TestUserConfigRejectsUnknownProtocol(t *testing.T) {
	var uc UserConfig
	require.NoError(t, json.Unmarshal([]byte(`{"protocols": ["pigeon"]}`), &uc))

	o := newOptions()
	var applyErr error
	for _, opt := range uc.ToOptions() {
		if err := opt(o); err != nil {
			applyErr = err
		}
	}
	require.Error(t, applyErr)
	require.Contains(t, applyErr.Error(), "unknown protocol")
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"90s"`), &d))
	require.Equal(t, 90*time.Second, d.Duration())

	// 纳秒数字同样接受
	require.NoError(t, json.Unmarshal([]byte(`5000000000`), &d))
	require.Equal(t, 5*time.Second, d.Duration())

	require.Error(t, json.Unmarshal([]byte(`"fast"`), &d))

	out, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	require.Equal(t, `"1m30s"`, string(out))
}

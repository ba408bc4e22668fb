package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/internal/config"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// applyOptions 应用选项并断言全部成功
func applyOptions(t *testing.T, opts ...Option) *options {
	t.Helper()
	o := newOptions()
	for _, opt := range opts {
		require.NoError(t, opt(o))
	}
	return o
}

func TestDefaultInternalConfig(t *testing.T) {
	cfg := newOptions().toInternalConfig()

	require.Equal(t, config.DefaultDataDir(), cfg.DataDir)
	require.True(t, cfg.XMTPEnabled)
	require.True(t, cfg.NostrEnabled)
	require.True(t, cfg.WakuEnabled)
	require.True(t, cfg.MQTTEnabled)
	require.True(t, cfg.IrohEnabled)
	require.Equal(t, config.DefaultXMTPEnv, cfg.XMTPEnv)
	require.NotEmpty(t, cfg.NostrRelays)
	require.NotEmpty(t, cfg.MQTTBrokers)

	// 默认配置本身必须能过校验
	require.NoError(t, config.Validate(cfg))
}

func TestWithProtocolsLimitsDrivers(t *testing.T) {
	o := applyOptions(t, WithProtocols(types.ProtocolMQTT, types.ProtocolIroh))
	cfg := o.toInternalConfig()

	require.False(t, cfg.XMTPEnabled)
	require.False(t, cfg.NostrEnabled)
	require.False(t, cfg.WakuEnabled)
	require.True(t, cfg.MQTTEnabled)
	require.True(t, cfg.IrohEnabled)
	require.Equal(t, []string{"mqtt", "iroh"}, cfg.EnabledProtocols())
}

func TestWithProtocolsEmptyDisablesAll(t *testing.T) {
	o := applyOptions(t, WithProtocols())
	cfg := o.toInternalConfig()

	require.Empty(t, cfg.EnabledProtocols())
}

func TestDriverParameterOverrides(t *testing.T) {
	o := applyOptions(t,
		WithDataDir("/tmp/bc-test"),
		WithXMTPEnv("production"),
		WithNostrRelays("wss://relay.example.org"),
		WithMQTTBrokers("tcp://broker.example.org:1883"),
		WithWakuListenAddrs("/ip4/127.0.0.1/tcp/0"),
		WithWakuBootstrapPeers("/dns4/boot.example.org/tcp/60000/p2p/16Uiu2HAm"),
		WithIrohListenAddr("127.0.0.1:4433"),
		WithIrohPeers("ab12@127.0.0.1:4434"),
		WithMetricsAddr("127.0.0.1:9464"),
		WithSeenCache(512, time.Hour),
	)
	cfg := o.toInternalConfig()

	require.Equal(t, "/tmp/bc-test", cfg.DataDir)
	require.Equal(t, "production", cfg.XMTPEnv)
	require.Equal(t, []string{"wss://relay.example.org"}, cfg.NostrRelays)
	require.Equal(t, []string{"tcp://broker.example.org:1883"}, cfg.MQTTBrokers)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/0"}, cfg.WakuListenAddrs)
	require.Equal(t, []string{"/dns4/boot.example.org/tcp/60000/p2p/16Uiu2HAm"}, cfg.WakuBootstrapPeers)
	require.Equal(t, "127.0.0.1:4433", cfg.IrohListenAddr)
	require.Equal(t, []string{"ab12@127.0.0.1:4434"}, cfg.IrohPeers)
	require.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
	require.Equal(t, 512, cfg.SeenCacheSize)
	require.Equal(t, time.Hour, cfg.SeenCacheTTL)
}

func TestOptionValidation(t *testing.T) {
	cases := []struct {
		name string
		opt  Option
	}{
		{"empty data dir", WithDataDir("")},
		{"unknown protocol", WithProtocols(types.Protocol("pigeon"))},
		{"bad xmtp env", WithXMTPEnv("staging")},
		{"http nostr relay", WithNostrRelays("http://relay.example.org")},
		{"empty mqtt broker", WithMQTTBrokers("")},
		{"empty waku listen addrs", WithWakuListenAddrs()},
		{"empty iroh listen addr", WithIrohListenAddr("")},
		{"iroh peer without node id", WithIrohPeers("127.0.0.1:4434")},
		{"empty metrics addr", WithMetricsAddr("")},
		{"zero seen cache size", WithSeenCache(0, time.Hour)},
		{"zero seen cache ttl", WithSeenCache(512, 0)},
		{"nil driver", WithDrivers(nil)},
		{"nil identity", WithIdentity(nil)},
		{"empty key file", WithIdentityFromFile("")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.opt(newOptions()))
		})
	}
}

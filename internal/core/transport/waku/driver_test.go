package waku

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	in := frame{
		ContentTopic: "/broadcast/1/dm-04ab/proto",
		Payload:      []byte(`{"uuid":"x"}`),
		Timestamp:    time.Now().UnixNano(),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	// payload 走 base64，线材上不出现裸 JSON
	assert.NotContains(t, string(data), `{"uuid"`)

	var out frame
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestSendBeforeInit(t *testing.T) {
	recipient, err := identity.Generate()
	require.NoError(t, err)

	d := New(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	res := d.Send(context.Background(), recipient.Public(), []byte("too early"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindNotInitialized, res.ErrorKind)
}

func TestMeshDelivery(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type inboundEvent struct {
		payload []byte
		server  string
	}
	received := make(chan inboundEvent, 4)

	a := New(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	a.OnInbound(func(payload []byte, server string) {
		received <- inboundEvent{payload, server}
	})
	require.NoError(t, a.Init(ctx, idA))
	defer func() { _ = a.Shutdown(context.Background()) }()

	addrs := a.HostAddrs()
	require.NotEmpty(t, addrs)

	b := New(Config{
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers: addrs[:1],
	})
	b.OnInbound(func([]byte, string) {})
	require.NoError(t, b.Init(ctx, idB))
	defer func() { _ = b.Shutdown(context.Background()) }()

	// 等订阅互通：双方共享同一个分片主题
	shardTopic, err := PubsubTopicFor(contentTopicFor(idA.Public().PubSubID()))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		topic, err := b.joinTopic(shardTopic)
		if err != nil {
			return false
		}
		return len(topic.ListPeers()) > 0
	}, 20*time.Second, 100*time.Millisecond, "mesh never formed")

	// 网格尚未完成 GRAFT 时发布可能落空，重发直到送达
	deadline := time.After(20 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev := <-received:
			assert.Equal(t, "over the mesh", string(ev.payload))
			assert.NotEmpty(t, ev.server)
			return
		case <-deadline:
			t.Fatal("payload never crossed the mesh")
		case <-ticker.C:
			_ = b.Send(ctx, idA.Public(), []byte("over the mesh"))
		}
	}
}

func TestSendWithoutMeshPeers(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	recipient, err := identity.Generate()
	require.NoError(t, err)

	d := New(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	d.OnInbound(func([]byte, string) {})
	require.NoError(t, d.Init(context.Background(), id))
	defer func() { _ = d.Shutdown(context.Background()) }()

	res := d.Send(context.Background(), recipient.Public(), []byte("into the void"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindUnreachable, res.ErrorKind)
}

func TestInitRejectsBadBootstrapAddr(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	d := New(Config{
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers: []string{"not-a-multiaddr"},
	})
	assert.Error(t, d.Init(context.Background(), id))
}

package iroh

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

type inboundEvent struct {
	payload []byte
	server  string
}

// startDriver 在回环地址上启动一个驱动，返回驱动与入站事件通道
func startDriver(t *testing.T, id *identity.Identity, peers ...string) (*Driver, chan inboundEvent) {
	t.Helper()

	events := make(chan inboundEvent, 8)
	d := New(Config{ListenAddr: "127.0.0.1:0", Peers: peers})
	d.OnInbound(func(payload []byte, server string) {
		events <- inboundEvent{payload: payload, server: server}
	})
	require.NoError(t, d.Init(context.Background(), id))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d, events
}

func TestLoopbackDelivery(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)

	b, received := startDriver(t, idB)
	a, _ := startDriver(t, idA, idB.Public().IrohNodeID()+"@"+b.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res := a.Send(ctx, idB.Public(), []byte("hello over quic"))
	require.True(t, res.Success, res.Detail)
	assert.Equal(t, types.ProtocolIroh, res.Protocol)
	assert.Equal(t, types.ErrorKindNone, res.ErrorKind)

	select {
	case ev := <-received:
		assert.Equal(t, "hello over quic", string(ev.payload))
		// server 标签是发送方的节点 ID（从其客户端证书派生）
		assert.Equal(t, idA.Public().IrohNodeID(), ev.server)
	case <-time.After(10 * time.Second):
		t.Fatal("payload never arrived")
	}
}

func TestOversizedPayloadTruncated(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)

	b, received := startDriver(t, idB)
	a, _ := startDriver(t, idA, idB.Public().IrohNodeID()+"@"+b.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	oversized := bytes.Repeat([]byte{'x'}, maxInboundBytes+4096)
	res := a.Send(ctx, idB.Public(), oversized)
	require.True(t, res.Success, res.Detail)

	select {
	case ev := <-received:
		// 读取侧在 1 MiB 截断，发送端不受影响
		assert.Len(t, ev.payload, maxInboundBytes)
	case <-time.After(30 * time.Second):
		t.Fatal("payload never arrived")
	}
}

func TestSendToSelf(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	d, _ := startDriver(t, id)

	res := d.Send(context.Background(), id.Public(), []byte("echo"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindSelf, res.ErrorKind)
}

func TestSendToUnknownPeer(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idC, err := identity.Generate()
	require.NoError(t, err)

	a, _ := startDriver(t, idA)

	res := a.Send(context.Background(), idC.Public(), []byte("nobody home"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindUnreachable, res.ErrorKind)
}

func TestSendBeforeInit(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	d := New(Config{ListenAddr: "127.0.0.1:0"})
	res := d.Send(context.Background(), id.Public(), []byte("too early"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindNotInitialized, res.ErrorKind)
}

func TestNodeIDPinning(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)
	idC, err := identity.Generate()
	require.NoError(t, err)

	// 对端簿把 C 的节点 ID 指到 B 的地址：握手必须失败
	b, received := startDriver(t, idB)
	a, _ := startDriver(t, idA, idC.Public().IrohNodeID()+"@"+b.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res := a.Send(ctx, idC.Public(), []byte("impostor"))
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrorKindAuth, res.ErrorKind, res.Detail)

	select {
	case <-received:
		t.Fatal("payload must not reach a mismatched node")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestParsePeerBook(t *testing.T) {
	peers, err := parsePeerBook([]string{"AbCd@10.0.0.1:4433", "ff00@[::1]:9"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4433", peers["abcd"])
	assert.Equal(t, "[::1]:9", peers["ff00"])

	_, err = parsePeerBook([]string{"missing-separator"})
	assert.Error(t, err)

	_, err = parsePeerBook([]string{"@1.2.3.4:5"})
	assert.Error(t, err)
}

func TestStatusAndShutdown(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	d := New(Config{ListenAddr: "127.0.0.1:0"})
	assert.False(t, d.Status().Ready())

	require.NoError(t, d.Init(context.Background(), id))
	st := d.Status()
	assert.True(t, st.Ready())
	assert.Equal(t, 1, st.Connected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.False(t, d.Status().Ready())

	// 幂等
	require.NoError(t, d.Shutdown(ctx))
}

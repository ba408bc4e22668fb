package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/internal/core/envelope"
	"github.com/broadcast-dm/go-broadcast/internal/core/evidence"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// newTestStore 在临时目录里开一个真实的证据存储
func newTestStore(t *testing.T) interfaces.EvidenceStore {
	t.Helper()
	store, err := evidence.New(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestMessage(t *testing.T, from *identity.Identity) *types.Message {
	t.Helper()
	msg, err := envelope.NewMessage(from.MagnetLink(), "hello everyone", time.Now())
	require.NoError(t, err)
	return msg
}

func TestInitializeAllSettled(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)

	healthy1 := NewFakeDriver(types.ProtocolIroh)
	broken := NewFakeDriver(types.ProtocolNostr).FailInit(errors.New("no relay reachable"))
	healthy2 := NewFakeDriver(types.ProtocolMQTT)

	b := New([]interfaces.Driver{healthy1, broken, healthy2}, newTestStore(t))
	results := b.Initialize(context.Background(), self)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)

	assert.Equal(t, []types.Protocol{types.ProtocolIroh, types.ProtocolMQTT},
		b.InitializedProtocols())
}

func TestBroadcastFansOutToInitializedDrivers(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)
	recipient, err := identity.Generate()
	require.NoError(t, err)

	d1 := NewFakeDriver(types.ProtocolIroh)
	d2 := NewFakeDriver(types.ProtocolMQTT)
	broken := NewFakeDriver(types.ProtocolNostr).FailInit(errors.New("down"))

	store := newTestStore(t)
	b := New([]interfaces.Driver{d1, broken, d2}, store)
	b.Initialize(context.Background(), self)

	msg := newTestMessage(t, self)
	results, err := b.Broadcast(context.Background(), msg, recipient.MagnetLink())
	require.NoError(t, err)

	// 结果向量只覆盖已初始化的驱动
	require.Len(t, results, 2)
	seen := map[types.Protocol]bool{}
	for _, res := range results {
		assert.True(t, res.Success)
		assert.GreaterOrEqual(t, res.LatencyMs, int64(0))
		seen[res.Protocol] = true
	}
	assert.True(t, seen[types.ProtocolIroh])
	assert.True(t, seen[types.ProtocolMQTT])

	// 两个驱动都拿到了同一份序列化载荷
	require.Len(t, d1.Sent(), 1)
	require.Len(t, d2.Sent(), 1)
	assert.Equal(t, d1.Sent()[0].Payload, d2.Sent()[0].Payload)

	decoded, err := envelope.Deserialize(d1.Sent()[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, msg.UUID, decoded.UUID)

	// 消息先于投递落库
	has, err := store.HasMessage(msg.UUID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBroadcastInvalidRecipient(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)

	d := NewFakeDriver(types.ProtocolIroh)
	store := newTestStore(t)
	b := New([]interfaces.Driver{d}, store)
	b.Initialize(context.Background(), self)

	msg := newTestMessage(t, self)
	_, err = b.Broadcast(context.Background(), msg, "magnet:?xt=broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	assert.ErrorIs(t, err, identity.ErrInvalidMagnet)

	// 解码失败先于一切副作用：没有落库，没有触达驱动
	assert.Empty(t, d.Sent())
	n, err := store.MessageCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBroadcastWithoutDrivers(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)
	recipient, err := identity.Generate()
	require.NoError(t, err)

	store := newTestStore(t)
	b := New(nil, store)
	b.Initialize(context.Background(), self)

	msg := newTestMessage(t, self)
	results, err := b.Broadcast(context.Background(), msg, recipient.MagnetLink())
	require.NoError(t, err)
	assert.Empty(t, results)

	// 消息仍然落库，重启后可以补发或审计
	has, err := store.HasMessage(msg.UUID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestBroadcastMeasuresLatencyWithOwnClock(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)
	recipient, err := identity.Generate()
	require.NoError(t, err)

	mock := clock.NewMock()
	d := NewFakeDriver(types.ProtocolIroh)
	d.SetSendFunc(func(context.Context, *identity.PublicIdentity, []byte) types.SendResult {
		mock.Add(250 * time.Millisecond)
		// 驱动自报的延迟会被广播器的时钟覆盖
		res := types.Successf(types.ProtocolIroh, "ok")
		res.LatencyMs = 999999
		return res
	})

	store := newTestStore(t)
	b := New([]interfaces.Driver{d}, store, WithClock(mock))
	b.Initialize(context.Background(), self)

	msg := newTestMessage(t, self)
	results, err := b.Broadcast(context.Background(), msg, recipient.MagnetLink())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(250), results[0].LatencyMs)

	stats, err := store.GetProtocolStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, types.ProtocolIroh, stats[0].Protocol)
	assert.Equal(t, int64(1), stats[0].TotalSent)
	assert.Equal(t, int64(1), stats[0].TotalAcked)
	require.NotNil(t, stats[0].AvgLatencyMs)
	assert.Equal(t, int64(250), *stats[0].AvgLatencyMs)
}

func TestBroadcastPartialFailure(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)
	recipient, err := identity.Generate()
	require.NoError(t, err)

	good := NewFakeDriver(types.ProtocolIroh)
	bad := NewFakeDriver(types.ProtocolMQTT)
	bad.SetSendFunc(func(context.Context, *identity.PublicIdentity, []byte) types.SendResult {
		return types.Failure(types.ProtocolMQTT, types.ErrorKindUnreachable, "no brokers")
	})

	store := newTestStore(t)
	b := New([]interfaces.Driver{good, bad}, store)
	b.Initialize(context.Background(), self)

	msg := newTestMessage(t, self)
	results, err := b.Broadcast(context.Background(), msg, recipient.MagnetLink())
	require.NoError(t, err)
	require.Len(t, results, 2)

	byProto := map[types.Protocol]types.SendResult{}
	for _, res := range results {
		byProto[res.Protocol] = res
	}
	assert.True(t, byProto[types.ProtocolIroh].Success)
	assert.False(t, byProto[types.ProtocolMQTT].Success)
	assert.Equal(t, types.ErrorKindUnreachable, byProto[types.ProtocolMQTT].ErrorKind)

	// 失败只递增尝试数，不污染延迟均值
	stats, err := store.GetProtocolStats()
	require.NoError(t, err)
	statByProto := map[types.Protocol]*types.ProtocolStats{}
	for _, s := range stats {
		statByProto[s.Protocol] = s
	}
	require.Contains(t, statByProto, types.ProtocolMQTT)
	assert.Equal(t, int64(1), statByProto[types.ProtocolMQTT].TotalSent)
	assert.Equal(t, int64(0), statByProto[types.ProtocolMQTT].TotalAcked)
	assert.Nil(t, statByProto[types.ProtocolMQTT].AvgLatencyMs)
}

func TestShutdownAggregatesErrors(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)

	ok := NewFakeDriver(types.ProtocolIroh)
	bad1 := NewFakeDriver(types.ProtocolMQTT).FailShutdown(errors.New("flush failed"))
	bad2 := NewFakeDriver(types.ProtocolNostr).FailShutdown(errors.New("socket stuck"))

	b := New([]interfaces.Driver{ok, bad1, bad2}, newTestStore(t))
	b.Initialize(context.Background(), self)

	err = b.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")
	assert.Contains(t, err.Error(), "socket stuck")
	assert.Equal(t, 1, ok.Shutdowns())
	assert.Empty(t, b.InitializedProtocols())
}

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fanout "github.com/broadcast-dm/go-broadcast/internal/core/broadcast"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// linkedEngines 创建两台经内存链路互联的引擎
//
// 每个给定传输名各生成一对驱动并双向 Pair，一端的发送异步
// 送达另一端的入站回调，时序与真实网络一致。
func linkedEngines(t *testing.T, protocols ...types.Protocol) (*Engine, *Engine) {
	t.Helper()

	var left, right []interfaces.Driver
	for _, p := range protocols {
		a := fanout.NewFakeDriver(p)
		b := fanout.NewFakeDriver(p)
		a.Pair(b)
		b.Pair(a)
		left = append(left, a)
		right = append(right, b)
	}

	e1, err := New(WithDataDir(t.TempDir()), WithProtocols(), WithDrivers(left...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e1.Close() })

	e2, err := New(WithDataDir(t.TempDir()), WithProtocols(), WithDrivers(right...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	return e1, e2
}

// inbox 线程安全的消息收集器（只收非确认消息）
type inbox struct {
	mu   sync.Mutex
	msgs []*Message
	vias []Protocol
}

func (b *inbox) attach(eng *Engine) {
	eng.OnMessage(func(msg *Message, via Protocol) {
		if msg.IsAck() {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.msgs = append(b.msgs, msg)
		b.vias = append(b.vias, via)
	})
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *inbox) first() (*Message, Protocol) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs[0], b.vias[0]
}

func TestMessageFlowBetweenEngines(t *testing.T) {
	ctx := context.Background()
	e1, e2 := linkedEngines(t, types.ProtocolMQTT)

	var received inbox
	received.attach(e2)

	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e2.Start(ctx))

	results, err := e1.Send(ctx, e2.MagnetLink(), "hello over the wire")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)

	// 对端收到去重后的消息
	require.Eventually(t, func() bool {
		return received.count() == 1
	}, 5*time.Second, 20*time.Millisecond)

	msg, via := received.first()
	require.Equal(t, "hello over the wire", msg.Content)
	require.Equal(t, e1.MagnetLink(), msg.FromMagnetLink)
	require.Equal(t, ProtocolMQTT, via)

	// 接收端留有到达回执
	receipts, err := e2.Receipts(msg.UUID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, ProtocolMQTT, receipts[0].Protocol)

	// 确认回流后，发送端掌握对端在该传输上的可达性
	require.Eventually(t, func() bool {
		prefs, err := e1.PeerPreferences(e2.MagnetLink())
		if err != nil {
			return false
		}
		for _, p := range prefs {
			if p.Protocol == ProtocolMQTT && p.IsWorking {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// 发送侧聚合统计：一次尝试一次成功
	stats, err := e1.ProtocolStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, ProtocolMQTT, stats[0].Protocol)
	require.Equal(t, int64(1), stats[0].TotalSent)
	require.Equal(t, int64(1), stats[0].TotalAcked)
}

func TestMessageFlowBothDirections(t *testing.T) {
	ctx := context.Background()
	e1, e2 := linkedEngines(t, types.ProtocolNostr)

	var atE1, atE2 inbox
	atE1.attach(e1)
	atE2.attach(e2)

	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e2.Start(ctx))

	_, err := e1.Send(ctx, e2.MagnetLink(), "ping")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atE2.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	_, err = e2.Send(ctx, e1.MagnetLink(), "pong")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atE1.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	msg, _ := atE1.first()
	require.Equal(t, "pong", msg.Content)
	require.Equal(t, e2.MagnetLink(), msg.FromMagnetLink)
}

func TestRedundantTransportsCollapseToOneDelivery(t *testing.T) {
	ctx := context.Background()
	e1, e2 := linkedEngines(t, types.ProtocolMQTT, types.ProtocolNostr)

	var received inbox
	received.attach(e2)

	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e2.Start(ctx))

	results, err := e1.Send(ctx, e2.MagnetLink(), "redundant copies")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		require.True(t, res.Success, "transport %s", res.Protocol)
	}

	// 两路副本都到齐：同一 uuid 两条回执
	require.Eventually(t, func() bool {
		return received.count() >= 1
	}, 5*time.Second, 20*time.Millisecond)
	msg, _ := received.first()

	require.Eventually(t, func() bool {
		receipts, err := e2.Receipts(msg.UUID)
		return err == nil && len(receipts) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// 上层仍只看到一次
	require.Equal(t, 1, received.count())

	// 两条传输各留一条回执
	receipts, err := e2.Receipts(msg.UUID)
	require.NoError(t, err)
	seen := map[Protocol]int{}
	for _, r := range receipts {
		seen[r.Protocol]++
	}
	require.Equal(t, 1, seen[ProtocolMQTT])
	require.Equal(t, 1, seen[ProtocolNostr])

	// 确认也走双路回流，发送端两条传输最终都有画像
	require.Eventually(t, func() bool {
		prefs, err := e1.PeerPreferences(e2.MagnetLink())
		if err != nil || len(prefs) != 2 {
			return false
		}
		working := 0
		for _, p := range prefs {
			if p.IsWorking {
				working++
			}
		}
		// 确认本身也被去重：只有先到的那条传输立住观测，
		// 另一条靠确认里声明的偏好留下记录
		return working >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAcksVisibleToHandlersButNotReAcked(t *testing.T) {
	ctx := context.Background()
	e1, e2 := linkedEngines(t, types.ProtocolIroh)

	var mu sync.Mutex
	var acks []*Message
	e1.OnMessage(func(msg *Message, via Protocol) {
		if !msg.IsAck() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		acks = append(acks, msg)
	})

	require.NoError(t, e1.Start(ctx))
	require.NoError(t, e2.Start(ctx))

	_, err := e1.Send(ctx, e2.MagnetLink(), "ack me")
	require.NoError(t, err)

	// e2 的自动确认回到 e1，作为一条 type=ack 消息可见
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acks) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	ack := acks[0]
	mu.Unlock()
	require.True(t, ack.IsAck())
	require.Equal(t, e2.MagnetLink(), ack.FromMagnetLink)
	require.Equal(t, types.ProtocolIroh, ack.ReceivedVia)

	// 确认不再被确认：链路归于平静
	time.Sleep(150 * time.Millisecond)
	msgs, err := e2.Messages(10)
	require.NoError(t, err)
	for _, m := range msgs {
		require.False(t, m.IsAck() && m.FromMagnetLink == e1.MagnetLink(),
			"no ack-of-ack expected, got %s", m.UUID)
	}
}

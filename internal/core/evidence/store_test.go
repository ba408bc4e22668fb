package evidence

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMessage(uuid string) *types.Message {
	return &types.Message{
		UUID:           uuid,
		Type:           types.MessageTypeMessage,
		Content:        "hello",
		Timestamp:      1_700_000_000_000,
		FromMagnetLink: "magnet:?xt=urn:identity:v1&eth=0xabc",
	}
}

func TestSaveMessageIdempotent(t *testing.T) {
	s := newTestStore(t)

	inserted, err := s.SaveMessage(testMessage("uuid-1"), "magnet:self")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.SaveMessage(testMessage("uuid-1"), "magnet:self")
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.MessageCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHasMessage(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.HasMessage("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SaveMessage(testMessage("uuid-2"), "")
	require.NoError(t, err)

	ok, err = s.HasMessage("uuid-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveMessageConcurrent(t *testing.T) {
	s := newTestStore(t)

	const n = 100
	var wg sync.WaitGroup
	insertedCount := make(chan bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := s.SaveMessage(testMessage("same-uuid"), "")
			assert.NoError(t, err)
			insertedCount <- inserted
		}()
	}
	wg.Wait()
	close(insertedCount)

	var wins int
	for inserted := range insertedCount {
		if inserted {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	count, err := s.MessageCount()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestListAllMessages(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		m := testMessage(fmt.Sprintf("uuid-%d", i))
		m.Timestamp = int64(1000 + i)
		_, err := s.SaveMessage(m, "")
		require.NoError(t, err)
	}

	msgs, err := s.ListAllMessages(3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// 按时间戳降序
	assert.Equal(t, "uuid-4", msgs[0].UUID)
	assert.Equal(t, "uuid-3", msgs[1].UUID)
	assert.Equal(t, "uuid-2", msgs[2].UUID)

	all, err := s.ListAllMessages(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSaveMessageAckFieldsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	ack := &types.Message{
		UUID:           "ack-1",
		Type:           types.MessageTypeAck,
		Content:        "ACK: uuid-1",
		Timestamp:      2000,
		FromMagnetLink: "magnet:?xt=urn:identity:v1&eth=0xdef",
		AckOfUUID:      "uuid-1",
		ReceivedVia:    types.ProtocolNostr,
	}
	_, err := s.SaveMessage(ack, "")
	require.NoError(t, err)

	msgs, err := s.ListAllMessages(1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got := msgs[0]
	assert.Equal(t, types.MessageTypeAck, got.Type)
	assert.True(t, got.IsAck())
	assert.Equal(t, "uuid-1", got.AckOfUUID)
	assert.Equal(t, types.ProtocolNostr, got.ReceivedVia)
}

func TestReceiptsAppendAndOrder(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveMessage(testMessage("m-1"), "")
	require.NoError(t, err)

	// 乱序插入：到达时间晚的先插
	require.NoError(t, s.SaveReceipt(&types.Receipt{
		MessageUUID: "m-1", Protocol: types.ProtocolMQTT,
		Server: "broker.example", ReceivedAt: 300, LatencyMs: 100,
	}))
	require.NoError(t, s.SaveReceipt(&types.Receipt{
		MessageUUID: "m-1", Protocol: types.ProtocolNostr,
		Server: "wss://relay.example", ReceivedAt: 100, LatencyMs: -5,
	}))
	// 同一时刻的两条按插入顺序
	require.NoError(t, s.SaveReceipt(&types.Receipt{
		MessageUUID: "m-1", Protocol: types.ProtocolIroh,
		ReceivedAt: 200, LatencyMs: 10,
	}))
	require.NoError(t, s.SaveReceipt(&types.Receipt{
		MessageUUID: "m-1", Protocol: types.ProtocolWaku,
		ReceivedAt: 200, LatencyMs: 11,
	}))

	receipts, err := s.ListReceipts("m-1")
	require.NoError(t, err)
	require.Len(t, receipts, 4)

	assert.Equal(t, types.ProtocolNostr, receipts[0].Protocol)
	assert.Equal(t, types.ProtocolIroh, receipts[1].Protocol)
	assert.Equal(t, types.ProtocolWaku, receipts[2].Protocol)
	assert.Equal(t, types.ProtocolMQTT, receipts[3].Protocol)

	// 负延迟按原值存储
	assert.EqualValues(t, -5, receipts[0].LatencyMs)
	// 未填 server 读回为空串
	assert.Empty(t, receipts[1].Server)
	assert.Equal(t, "wss://relay.example", receipts[0].Server)
}

func TestUpdatePeerPreferenceUpsert(t *testing.T) {
	s := newTestStore(t)
	const peer = "magnet:?xt=urn:identity:v1&eth=0xpeer"

	order := 2
	lastAck := int64(5000)
	avg := int64(40)
	require.NoError(t, s.UpdatePeerPreference(&types.PeerChannelPreference{
		Identity: peer, Protocol: types.ProtocolNostr,
		IsWorking: true, LastAckAt: &lastAck, AvgLatencyMs: &avg,
		PreferenceOrder: &order,
	}))

	// 不带顺序与观测值的更新保留旧值
	require.NoError(t, s.UpdatePeerPreference(&types.PeerChannelPreference{
		Identity: peer, Protocol: types.ProtocolNostr,
		IsWorking: false, CannotUse: true,
	}))

	prefs, err := s.GetPeerPreferences(peer)
	require.NoError(t, err)
	require.Len(t, prefs, 1)

	p := prefs[0]
	assert.False(t, p.IsWorking)
	assert.True(t, p.CannotUse)
	require.NotNil(t, p.PreferenceOrder)
	assert.Equal(t, 2, *p.PreferenceOrder)
	require.NotNil(t, p.LastAckAt)
	assert.EqualValues(t, 5000, *p.LastAckAt)
	require.NotNil(t, p.AvgLatencyMs)
	assert.EqualValues(t, 40, *p.AvgLatencyMs)

	// 显式提供的顺序覆盖旧值
	newOrder := 1
	require.NoError(t, s.UpdatePeerPreference(&types.PeerChannelPreference{
		Identity: peer, Protocol: types.ProtocolNostr,
		IsWorking: true, PreferenceOrder: &newOrder,
	}))
	prefs, err = s.GetPeerPreferences(peer)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, 1, *prefs[0].PreferenceOrder)
}

func TestUpdateDeclaredPreference(t *testing.T) {
	s := newTestStore(t)
	const peer = "magnet:peer"

	// 本端已观测到 nostr 可用
	lastAck := int64(9000)
	require.NoError(t, s.UpdatePeerPreference(&types.PeerChannelPreference{
		Identity: peer, Protocol: types.ProtocolNostr,
		IsWorking: true, LastAckAt: &lastAck,
	}))

	// 对端声明只影响顺序与 cannotUse
	order := 3
	require.NoError(t, s.UpdateDeclaredPreference(peer, types.ChannelPreference{
		Protocol: types.ProtocolNostr, PreferenceOrder: &order,
	}))

	prefs, err := s.GetPeerPreferences(peer)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.True(t, prefs[0].IsWorking)
	require.NotNil(t, prefs[0].LastAckAt)
	assert.EqualValues(t, 9000, *prefs[0].LastAckAt)
	require.NotNil(t, prefs[0].PreferenceOrder)
	assert.Equal(t, 3, *prefs[0].PreferenceOrder)

	// 未观测过的传输：声明建新行，is_working 默认 false
	require.NoError(t, s.UpdateDeclaredPreference(peer, types.ChannelPreference{
		Protocol: types.ProtocolMQTT, CannotUse: true,
	}))
	prefs, err = s.GetPeerPreferences(peer)
	require.NoError(t, err)
	require.Len(t, prefs, 2)
	for _, p := range prefs {
		if p.Protocol == types.ProtocolMQTT {
			assert.False(t, p.IsWorking)
			assert.True(t, p.CannotUse)
		}
	}
}

func TestGetPeerPreferencesOrdering(t *testing.T) {
	s := newTestStore(t)
	const peer = "magnet:peer"

	second := 2
	first := 1
	require.NoError(t, s.UpdatePeerPreference(&types.PeerChannelPreference{
		Identity: peer, Protocol: types.ProtocolWaku, IsWorking: true,
	}))
	require.NoError(t, s.UpdatePeerPreference(&types.PeerChannelPreference{
		Identity: peer, Protocol: types.ProtocolMQTT, IsWorking: true, PreferenceOrder: &second,
	}))
	require.NoError(t, s.UpdatePeerPreference(&types.PeerChannelPreference{
		Identity: peer, Protocol: types.ProtocolIroh, IsWorking: true, PreferenceOrder: &first,
	}))

	prefs, err := s.GetPeerPreferences(peer)
	require.NoError(t, err)
	require.Len(t, prefs, 3)

	// 声明了顺序的在前，未声明的垫底
	assert.Equal(t, types.ProtocolIroh, prefs[0].Protocol)
	assert.Equal(t, types.ProtocolMQTT, prefs[1].Protocol)
	assert.Equal(t, types.ProtocolWaku, prefs[2].Protocol)
	assert.Nil(t, prefs[2].PreferenceOrder)
}

func TestUpdateProtocolAggregate(t *testing.T) {
	s := newTestStore(t)

	lat100 := int64(100)
	require.NoError(t, s.UpdateProtocolAggregate(types.ProtocolXMTP, true, &lat100))

	stats := statsFor(t, s, types.ProtocolXMTP)
	assert.EqualValues(t, 1, stats.TotalSent)
	assert.EqualValues(t, 1, stats.TotalAcked)
	require.NotNil(t, stats.AvgLatencyMs)
	assert.EqualValues(t, 100, *stats.AvgLatencyMs)
	assert.NotZero(t, stats.LastUsedAt)

	// 失败的发送：无延迟样本，均值保持
	require.NoError(t, s.UpdateProtocolAggregate(types.ProtocolXMTP, false, nil))
	stats = statsFor(t, s, types.ProtocolXMTP)
	assert.EqualValues(t, 2, stats.TotalSent)
	assert.EqualValues(t, 1, stats.TotalAcked)
	assert.EqualValues(t, 100, *stats.AvgLatencyMs)

	// 迭代均值：(100 + 31) / 2 = 65（向下取整）
	lat31 := int64(31)
	require.NoError(t, s.UpdateProtocolAggregate(types.ProtocolXMTP, true, &lat31))
	stats = statsFor(t, s, types.ProtocolXMTP)
	assert.EqualValues(t, 3, stats.TotalSent)
	assert.EqualValues(t, 2, stats.TotalAcked)
	assert.EqualValues(t, 65, *stats.AvgLatencyMs)

	assert.LessOrEqual(t, stats.TotalAcked, stats.TotalSent)
}

func TestUpdateProtocolAggregateFirstSampleAfterNull(t *testing.T) {
	s := newTestStore(t)

	// 先有一次无样本的发送，均值为 NULL
	require.NoError(t, s.UpdateProtocolAggregate(types.ProtocolIroh, false, nil))
	stats := statsFor(t, s, types.ProtocolIroh)
	assert.Nil(t, stats.AvgLatencyMs)

	// 首个样本直接成为均值
	lat := int64(42)
	require.NoError(t, s.UpdateProtocolAggregate(types.ProtocolIroh, true, &lat))
	stats = statsFor(t, s, types.ProtocolIroh)
	require.NotNil(t, stats.AvgLatencyMs)
	assert.EqualValues(t, 42, *stats.AvgLatencyMs)
}

func statsFor(t *testing.T, s *Store, proto types.Protocol) *types.ProtocolStats {
	t.Helper()
	all, err := s.GetProtocolStats()
	require.NoError(t, err)
	for _, st := range all {
		if st.Protocol == proto {
			return st
		}
	}
	t.Fatalf("no stats for %s", proto)
	return nil
}

func TestMigrationAddsServerColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	// 构造缺少 server 列的历史库
	raw, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE receipts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			message_uuid TEXT NOT NULL,
			protocol     TEXT NOT NULL,
			received_at  INTEGER NOT NULL,
			latency_ms   INTEGER NOT NULL
		);
		INSERT INTO receipts (message_uuid, protocol, received_at, latency_ms)
		VALUES ('legacy', 'nostr', 123, 5);`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := New(path)
	require.NoError(t, err)
	defer s.Close()

	// 历史行读回，server 为空
	receipts, err := s.ListReceipts("legacy")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Empty(t, receipts[0].Server)

	// 新列立即可写
	require.NoError(t, s.SaveReceipt(&types.Receipt{
		MessageUUID: "legacy", Protocol: types.ProtocolMQTT,
		Server: "broker", ReceivedAt: 456, LatencyMs: 7,
	}))
	receipts, err = s.ListReceipts("legacy")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "broker", receipts[1].Server)
}

func TestClosedStoreRejectsOps(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.SaveMessage(testMessage("x"), "")
	assert.ErrorIs(t, err, ErrClosed)
	err = s.SaveReceipt(&types.Receipt{MessageUUID: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ListAllMessages(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := New(path)
	require.NoError(t, err)
	_, err = s.SaveMessage(testMessage("keep"), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()

	ok, err := s2.HasMessage("keep")
	require.NoError(t, err)
	assert.True(t, ok)
}

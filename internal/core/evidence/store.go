// Package evidence 实现投递证据存储
//
// 底层是启用 WAL 的 SQLite 库，四张表记录消息、回执、对端通道
// 偏好与协议聚合统计。所有变更以 uuid 幂等，并在 sqlite 繁忙时
// 按指数退避重试（见 retry.go）。
//
// 并发模型：连接池收紧为单连接，串行化全部访问；叠加 10 秒
// busy_timeout 与重试包装，多进程共用同一库文件时也能收敛。
package evidence

import (
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是证据存储的日志记录器
var logger = log.Logger("evidence")

// busyTimeoutMs sqlite 层的繁忙等待上限（毫秒）
const busyTimeoutMs = 10_000

// defaultListLimit ListAllMessages 的默认条数
const defaultListLimit = 100

// ErrClosed 存储已关闭
var ErrClosed = errors.New("evidence store closed")

// Store SQLite 证据存储
type Store struct {
	db     *sql.DB
	clk    clock.Clock
	closed atomic.Bool
}

// 确保实现了接口
var _ interfaces.EvidenceStore = (*Store)(nil)

// Option 存储选项
type Option func(*Store)

// WithClock 注入时钟（测试用）
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// New 打开（或创建）证据存储
//
// DSN 启用 WAL 日志与 10 秒繁忙等待；打开后立即执行建表与
// 检测补列迁移。
func New(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open evidence store: %w", err)
	}

	// 单连接串行化全部读写
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open evidence store: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:  db,
		clk: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Debug("evidence store opened", "path", path)
	return s, nil
}

// Close 关闭存储，幂等
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// ============================================================================
//                              消息
// ============================================================================

// SaveMessage 保存一条消息（INSERT OR IGNORE，以 uuid 幂等）
//
// 返回值指示本次调用是否真正插入了新行。
func (s *Store) SaveMessage(msg *types.Message, toMagnet string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	var inserted bool
	err := s.withRetry("save message", func() error {
		res, err := s.db.Exec(`
			INSERT OR IGNORE INTO messages
				(uuid, type, content, timestamp, from_magnet, to_magnet, ack_of, received_via)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.UUID, string(msg.Type), msg.Content, msg.Timestamp,
			msg.FromMagnetLink, toMagnet,
			nullString(msg.AckOfUUID), nullString(string(msg.ReceivedVia)))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// HasMessage 检查消息是否已存在
func (s *Store) HasMessage(uuid string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM messages WHERE uuid = ?`, uuid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListAllMessages 返回最近的消息，按时间戳降序
//
// limit <= 0 时使用默认条数。
func (s *Store) ListAllMessages(limit int) ([]*types.Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.Query(`
		SELECT uuid, type, content, timestamp, from_magnet, ack_of, received_via
		FROM messages
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var (
			m           types.Message
			typ         string
			ackOf       sql.NullString
			receivedVia sql.NullString
		)
		if err := rows.Scan(&m.UUID, &typ, &m.Content, &m.Timestamp,
			&m.FromMagnetLink, &ackOf, &receivedVia); err != nil {
			return nil, err
		}
		m.Type = types.MessageType(typ)
		m.AckOfUUID = ackOf.String
		m.ReceivedVia = types.Protocol(receivedVia.String)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MessageCount 返回已存消息总数
func (s *Store) MessageCount() (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// ============================================================================
//                              回执
// ============================================================================

// SaveReceipt 追加一条回执
//
// 同一消息经多个传输（或同一传输重复）到达时每次都落一行，
// 冗余到达本身就是要记录的证据。
func (s *Store) SaveReceipt(r *types.Receipt) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.withRetry("save receipt", func() error {
		_, err := s.db.Exec(`
			INSERT INTO receipts (message_uuid, protocol, server, received_at, latency_ms)
			VALUES (?, ?, ?, ?, ?)`,
			r.MessageUUID, string(r.Protocol), nullString(r.Server),
			r.ReceivedAt, r.LatencyMs)
		return err
	})
}

// ListReceipts 返回某条消息的全部回执
//
// 按到达时间升序，时间相同时按插入顺序，保证首达回执唯一。
func (s *Store) ListReceipts(uuid string) ([]*types.Receipt, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT message_uuid, protocol, server, received_at, latency_ms
		FROM receipts
		WHERE message_uuid = ?
		ORDER BY received_at ASC, id ASC`, uuid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Receipt
	for rows.Next() {
		var (
			r      types.Receipt
			proto  string
			server sql.NullString
		)
		if err := rows.Scan(&r.MessageUUID, &proto, &server, &r.ReceivedAt, &r.LatencyMs); err != nil {
			return nil, err
		}
		r.Protocol = types.Protocol(proto)
		r.Server = server.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ============================================================================
//                              对端通道偏好
// ============================================================================

// UpdatePeerPreference 更新对端在某传输上的可达性观测
//
// (identity, protocol) 冲突时 UPSERT；last_ack_at、avg_latency_ms、
// preference_order 传 nil 表示保留已有值（COALESCE）。
func (s *Store) UpdatePeerPreference(p *types.PeerChannelPreference) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.withRetry("update peer preference", func() error {
		_, err := s.db.Exec(`
			INSERT INTO peer_channel_preferences
				(identity, protocol, is_working, last_ack_at, avg_latency_ms, preference_order, cannot_use)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(identity, protocol) DO UPDATE SET
				is_working       = excluded.is_working,
				last_ack_at      = COALESCE(excluded.last_ack_at, last_ack_at),
				avg_latency_ms   = COALESCE(excluded.avg_latency_ms, avg_latency_ms),
				preference_order = COALESCE(excluded.preference_order, preference_order),
				cannot_use       = excluded.cannot_use`,
			p.Identity, string(p.Protocol), boolToInt(p.IsWorking),
			nullInt64(p.LastAckAt), nullInt64(p.AvgLatencyMs), nullInt(p.PreferenceOrder),
			boolToInt(p.CannotUse))
		return err
	})
}

// UpdateDeclaredPreference 记录对端声明的通道偏好
//
// 确认消息携带的偏好只表达对端的意愿：写入顺序与 cannotUse，
// 不覆盖本端观测到的 is_working 与延迟字段。
func (s *Store) UpdateDeclaredPreference(identity string, pref types.ChannelPreference) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.withRetry("update declared preference", func() error {
		_, err := s.db.Exec(`
			INSERT INTO peer_channel_preferences
				(identity, protocol, is_working, preference_order, cannot_use)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT(identity, protocol) DO UPDATE SET
				preference_order = COALESCE(excluded.preference_order, preference_order),
				cannot_use       = excluded.cannot_use`,
			identity, string(pref.Protocol), nullInt(pref.PreferenceOrder),
			boolToInt(pref.CannotUse))
		return err
	})
}

// GetPeerPreferences 返回对端的全部传输观测
//
// 已声明偏好顺序的在前（按顺序升序），未声明的按协议名排列。
func (s *Store) GetPeerPreferences(identity string) ([]*types.PeerChannelPreference, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT identity, protocol, is_working, last_ack_at, avg_latency_ms, preference_order, cannot_use
		FROM peer_channel_preferences
		WHERE identity = ?
		ORDER BY preference_order IS NULL, preference_order ASC, protocol ASC`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PeerChannelPreference
	for rows.Next() {
		var (
			p         types.PeerChannelPreference
			proto     string
			isWorking int
			lastAck   sql.NullInt64
			avgLat    sql.NullInt64
			prefOrder sql.NullInt64
			cannotUse int
		)
		if err := rows.Scan(&p.Identity, &proto, &isWorking, &lastAck, &avgLat,
			&prefOrder, &cannotUse); err != nil {
			return nil, err
		}
		p.Protocol = types.Protocol(proto)
		p.IsWorking = isWorking != 0
		p.LastAckAt = int64Ptr(lastAck)
		p.AvgLatencyMs = int64Ptr(avgLat)
		p.PreferenceOrder = intPtr(prefOrder)
		p.CannotUse = cannotUse != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ============================================================================
//                              协议聚合统计
// ============================================================================

// UpdateProtocolAggregate 更新某传输的聚合统计
//
// totalSent 恒加一；acked 为真时 totalAcked 加一。延迟按
// (prior + new) / 2 向下取整的迭代规则折算，偏向近期样本。
func (s *Store) UpdateProtocolAggregate(protocol types.Protocol, acked bool, latencyMs *int64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.withRetry("update protocol aggregate", func() error {
		_, err := s.db.Exec(`
			INSERT INTO protocol_stats (protocol, total_sent, total_acked, avg_latency_ms, last_used_at)
			VALUES (?, 1, ?, ?, ?)
			ON CONFLICT(protocol) DO UPDATE SET
				total_sent  = total_sent + 1,
				total_acked = total_acked + excluded.total_acked,
				avg_latency_ms = CASE
					WHEN excluded.avg_latency_ms IS NULL THEN avg_latency_ms
					WHEN avg_latency_ms IS NULL THEN excluded.avg_latency_ms
					ELSE (avg_latency_ms + excluded.avg_latency_ms) / 2
				END,
				last_used_at = excluded.last_used_at`,
			string(protocol), boolToInt(acked), nullInt64(latencyMs),
			s.clk.Now().UnixMilli())
		return err
	})
}

// GetProtocolStats 返回全部传输的聚合统计
func (s *Store) GetProtocolStats() ([]*types.ProtocolStats, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT protocol, total_sent, total_acked, avg_latency_ms, last_used_at
		FROM protocol_stats
		ORDER BY protocol ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ProtocolStats
	for rows.Next() {
		var (
			st     types.ProtocolStats
			proto  string
			avgLat sql.NullInt64
		)
		if err := rows.Scan(&proto, &st.TotalSent, &st.TotalAcked, &avgLat, &st.LastUsedAt); err != nil {
			return nil, err
		}
		st.Protocol = types.Protocol(proto)
		st.AvgLatencyMs = int64Ptr(avgLat)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// ============================================================================
//                              值转换辅助
// ============================================================================

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

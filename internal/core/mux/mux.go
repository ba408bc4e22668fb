// Package mux 实现入站消息多路复用器
//
// 五路传输的入站载荷在这里汇流：按 UUID 去重（有界 LRU，
// 24 小时过期，存储兜底跨重启窗口）、落库消息与每次到达的
// 回执、按注册顺序分发给应用监听器。非确认消息触发一次
// 自动确认，经全部传输广播回发件人；确认消息驱动对端通道
// 偏好的更新。确认不再确认，否则两端会无限往返。
package mux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/broadcast-dm/go-broadcast/internal/core/envelope"
	"github.com/broadcast-dm/go-broadcast/internal/core/metrics"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是多路复用器的日志记录器
var logger = log.Logger("mux")

const (
	// defaultSeenSize 去重集的默认容量
	defaultSeenSize = 100_000

	// defaultSeenTTL 去重条目的默认存活时间
	defaultSeenTTL = 24 * time.Hour

	// shutdownGrace 关闭时等待在途处理的宽限
	shutdownGrace = 5 * time.Second

	// ackBroadcastTimeout 单次自动确认广播的上限
	ackBroadcastTimeout = 30 * time.Second
)

// AckSender 发出自动确认所需的最小广播能力
type AckSender interface {
	Broadcast(ctx context.Context, msg *types.Message, recipientMagnet string) ([]types.SendResult, error)
}

// MessageHandler 消息监听器，按注册顺序同步调用
type MessageHandler func(msg *types.Message, via types.Protocol)

// ReceiptHandler 回执监听器，duplicate 指示该次到达是否为重复
type ReceiptHandler func(r *types.Receipt, duplicate bool)

// Mux 入站消息多路复用器
type Mux struct {
	store      interfaces.EvidenceStore
	selfMagnet string
	clk        clock.Clock
	prefsFn    func() []types.ChannelPreference

	seenMu sync.Mutex
	seen   *expirable.LRU[string, struct{}]
	gates  map[string]chan struct{}

	handlerMu    sync.RWMutex
	msgHandlers  []MessageHandler
	rcptHandlers []ReceiptHandler
	ackSender    AckSender

	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option 多路复用器可选参数
type Option func(*options)

type options struct {
	clk      clock.Clock
	seenSize int
	seenTTL  time.Duration
	prefsFn  func() []types.ChannelPreference
}

// WithClock 注入时钟（测试用）
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clk = clk
	}
}

// WithSeenCache 调整去重集的容量与过期时间
func WithSeenCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		if size > 0 {
			o.seenSize = size
		}
		if ttl > 0 {
			o.seenTTL = ttl
		}
	}
}

// WithPreferences 注入自动确认要携带的本端通道偏好
func WithPreferences(fn func() []types.ChannelPreference) Option {
	return func(o *options) {
		o.prefsFn = fn
	}
}

// New 创建多路复用器
//
// selfMagnet 是本端身份的磁力链接：入站消息以它为收件方落库，
// 自动确认以它为发件方签发。
func New(store interfaces.EvidenceStore, selfMagnet string, opts ...Option) *Mux {
	o := &options{
		clk:      clock.New(),
		seenSize: defaultSeenSize,
		seenTTL:  defaultSeenTTL,
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Mux{
		store:      store,
		selfMagnet: selfMagnet,
		clk:        o.clk,
		prefsFn:    o.prefsFn,
		seen:       expirable.NewLRU[string, struct{}](o.seenSize, nil, o.seenTTL),
		gates:      make(map[string]chan struct{}),
	}
}

// OnMessage 注册消息监听器（对每条首次到达的消息触发一次）
func (m *Mux) OnMessage(h MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.msgHandlers = append(m.msgHandlers, h)
}

// OnReceipt 注册回执监听器（对每次到达触发，含重复）
func (m *Mux) OnReceipt(h ReceiptHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.rcptHandlers = append(m.rcptHandlers, h)
}

// SetAckSender 挂上自动确认的广播出口
func (m *Mux) SetAckSender(s AckSender) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.ackSender = s
}

// HandleInbound 返回绑定某个传输的入站回调，挂到驱动的 OnInbound
func (m *Mux) HandleInbound(protocol types.Protocol) interfaces.InboundHandler {
	return func(payload []byte, server string) {
		if !m.enter() {
			return
		}
		defer m.wg.Done()
		m.process(payload, protocol, server)
	}
}

// Close 停止接收新载荷并等待在途处理完成（有宽限）
func (m *Mux) Close() error {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	m.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(shutdownGrace):
		return fmt.Errorf("mux close: in-flight handlers still running after %s", shutdownGrace)
	}
}

// ============================================================================
//                              处理管线
// ============================================================================

// enter 登记一次在途处理；已关闭时拒绝
func (m *Mux) enter() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

// process 跑完一份入站载荷的完整管线
func (m *Mux) process(payload []byte, protocol types.Protocol, server string) {
	msg, err := envelope.Deserialize(payload)
	if err != nil {
		logger.Warn("malformed inbound payload dropped",
			"protocol", protocol, "server", server, "bytes", len(payload), "err", err)
		metrics.InboundTotal.WithLabelValues(string(protocol), "malformed").Inc()
		return
	}

	now := m.clk.Now()
	receipt := &types.Receipt{
		MessageUUID: msg.UUID,
		Protocol:    protocol,
		Server:      server,
		ReceivedAt:  now.UnixMilli(),
		LatencyMs:   now.UnixMilli() - msg.Timestamp,
	}

	dup, gate := m.markSeen(msg.UUID)
	if dup {
		if gate != nil {
			// 首达的落库可能还在途（忙重试），等它的首行回执写完
			<-gate
		}
		m.recordDuplicate(msg, receipt, protocol)
		return
	}
	// 同 UUID 的存储变更单线程化：首达持闸直到自己的回执落库，
	// 并发重复在闸上排队，重复回执行不会插到首达回执行前面
	defer m.releaseGate(msg.UUID)

	inserted, err := m.store.SaveMessage(msg, m.selfMagnet)
	if err != nil {
		// 存储降级不弃消息：应用仍然拿到它。但消息行没落，
		// 回执行与自动确认一并跳过，不告诉对端“已收讫并存证”
		logger.Error("save inbound message failed", "uuid", msg.UUID, "err", err)
		metrics.InboundTotal.WithLabelValues(string(protocol), "degraded").Inc()

		for _, h := range m.snapshotMessageHandlers() {
			h(msg, protocol)
		}
		m.fireReceipt(receipt, false)
		if msg.IsAck() {
			m.absorbAck(msg, protocol, now)
		}
		return
	}
	if !inserted {
		// 进程重启清空了去重集，存储里还有：按重复处理
		m.recordDuplicate(msg, receipt, protocol)
		return
	}

	if err := m.store.SaveReceipt(receipt); err != nil {
		logger.Error("save receipt failed", "uuid", msg.UUID, "err", err)
	}
	metrics.InboundTotal.WithLabelValues(string(protocol), string(msg.Type)).Inc()

	logger.Debug("inbound message",
		"uuid", log.TruncateID(msg.UUID, 8),
		"type", msg.Type,
		"protocol", protocol,
		"server", server)

	for _, h := range m.snapshotMessageHandlers() {
		h(msg, protocol)
	}
	m.fireReceipt(receipt, false)

	if msg.IsAck() {
		m.absorbAck(msg, protocol, now)
		return
	}
	m.issueAck(msg, protocol)
}

// markSeen 原子地查询并登记一个 UUID
//
// 首达（seen=false）拿到一把新开的闸，处理完自己的存储写入后
// 用 releaseGate 放行；重复到达拿到首达的闸（已放行则为 nil），
// 在上面等首达的回执先落库。
func (m *Mux) markSeen(uuid string) (seen bool, gate chan struct{}) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if m.seen.Contains(uuid) {
		return true, m.gates[uuid]
	}
	m.seen.Add(uuid, struct{}{})
	ch := make(chan struct{})
	m.gates[uuid] = ch
	return false, ch
}

// releaseGate 放行某个 UUID 上排队的重复到达
func (m *Mux) releaseGate(uuid string) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if ch, ok := m.gates[uuid]; ok {
		close(ch)
		delete(m.gates, uuid)
	}
}

// recordDuplicate 处理重复到达：只追加回执，不再分发消息
func (m *Mux) recordDuplicate(msg *types.Message, receipt *types.Receipt, protocol types.Protocol) {
	if err := m.store.SaveReceipt(receipt); err != nil {
		logger.Error("save duplicate receipt failed", "uuid", msg.UUID, "err", err)
	}
	metrics.InboundTotal.WithLabelValues(string(protocol), "duplicate").Inc()

	logger.Debug("duplicate arrival",
		"uuid", log.TruncateID(msg.UUID, 8),
		"protocol", protocol,
		"server", receipt.Server)
	m.fireReceipt(receipt, true)
}

// absorbAck 消化一条入站确认：更新对端通道偏好并核对原消息
func (m *Mux) absorbAck(msg *types.Message, via types.Protocol, now time.Time) {
	nowMs := now.UnixMilli()
	latency := nowMs - msg.Timestamp

	// 确认经由哪条传输到达，哪条传输就被证实可用
	observed := &types.PeerChannelPreference{
		Identity:     msg.FromMagnetLink,
		Protocol:     via,
		IsWorking:    true,
		LastAckAt:    &nowMs,
		AvgLatencyMs: &latency,
		CannotUse:    false,
	}
	if err := m.store.UpdatePeerPreference(observed); err != nil {
		logger.Error("update peer preference failed",
			"peer", log.TruncateID(msg.FromMagnetLink, 24), "err", err)
	}

	for _, declared := range msg.ChannelPreferences {
		if !declared.Protocol.Valid() {
			logger.Debug("unknown protocol in declared preferences ignored",
				"protocol", declared.Protocol)
			continue
		}
		if err := m.store.UpdateDeclaredPreference(msg.FromMagnetLink, declared); err != nil {
			logger.Error("update declared preference failed",
				"peer", log.TruncateID(msg.FromMagnetLink, 24),
				"protocol", declared.Protocol, "err", err)
		}
	}

	if msg.AckOfUUID == "" {
		logger.Warn("acknowledgment without ackOfUuid", "uuid", msg.UUID)
		metrics.InboundTotal.WithLabelValues(string(via), "orphan_ack").Inc()
		return
	}
	has, err := m.store.HasMessage(msg.AckOfUUID)
	if err != nil {
		logger.Error("orphan check failed", "ackOf", msg.AckOfUUID, "err", err)
		return
	}
	if !has {
		// 确认了一条我们没发过的消息：载荷仍已存档，只是对不上号
		logger.Warn("orphan acknowledgment stored",
			"uuid", log.TruncateID(msg.UUID, 8),
			"ackOf", log.TruncateID(msg.AckOfUUID, 8),
			"via", via)
		metrics.InboundTotal.WithLabelValues(string(via), "orphan_ack").Inc()
	}
}

// issueAck 为一条非确认消息异步签发自动确认
//
// 调用点在消息行落库之后，发件人那边不会先收到确认后查无此单。
func (m *Mux) issueAck(msg *types.Message, via types.Protocol) {
	m.handlerMu.RLock()
	sender := m.ackSender
	prefsFn := m.prefsFn
	m.handlerMu.RUnlock()

	if sender == nil {
		logger.Debug("no ack sender wired, skipping auto-ack", "uuid", msg.UUID)
		return
	}

	var prefs []types.ChannelPreference
	if prefsFn != nil {
		prefs = prefsFn()
	}
	ack := envelope.NewAcknowledgment(msg, via, m.selfMagnet, prefs, m.clk.Now())

	if !m.enter() {
		return
	}
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), ackBroadcastTimeout)
		defer cancel()

		results, err := sender.Broadcast(ctx, ack, msg.FromMagnetLink)
		if err != nil {
			// 确认失败只记录：对端靠自身的重发与多传输冗余兜底
			logger.Warn("auto-ack broadcast failed",
				"ackOf", log.TruncateID(msg.UUID, 8), "err", err)
			return
		}
		metrics.AcksIssuedTotal.Inc()

		delivered := 0
		for _, res := range results {
			if res.Success {
				delivered++
			}
		}
		logger.Debug("auto-ack broadcast",
			"ackOf", log.TruncateID(msg.UUID, 8),
			"delivered", delivered,
			"attempted", len(results))
	}()
}

// fireReceipt 分发一次到达回执
func (m *Mux) fireReceipt(r *types.Receipt, duplicate bool) {
	for _, h := range m.snapshotReceiptHandlers() {
		h(r, duplicate)
	}
}

// snapshotMessageHandlers 复制消息监听器列表
func (m *Mux) snapshotMessageHandlers() []MessageHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	out := make([]MessageHandler, len(m.msgHandlers))
	copy(out, m.msgHandlers)
	return out
}

// snapshotReceiptHandlers 复制回执监听器列表
func (m *Mux) snapshotReceiptHandlers() []ReceiptHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	out := make([]ReceiptHandler, len(m.rcptHandlers))
	copy(out, m.rcptHandlers)
	return out
}

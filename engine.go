package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/broadcast-dm/go-broadcast/internal/config"
	fanout "github.com/broadcast-dm/go-broadcast/internal/core/broadcast"
	"github.com/broadcast-dm/go-broadcast/internal/core/envelope"
	"github.com/broadcast-dm/go-broadcast/internal/core/mux"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是引擎层的日志记录器
var logger = log.Logger("broadcast")

// 生命周期超时
const (
	// initializeTimeout Fx 应用启动的超时
	initializeTimeout = 30 * time.Second

	// shutdownTimeout Close 内部的关停超时
	shutdownTimeout = 30 * time.Second

	// gaugeRefreshInterval 驱动连接数指标的刷新间隔
	gaugeRefreshInterval = 15 * time.Second
)

// Engine 多传输消息广播引擎
//
// 一个 Engine 实例代表一份本地身份：它把每条外发消息并行投向
// 全部可用传输，把各传输收到的副本去重收敛成一次上层回调，并为
// 每次到达留下持久化回执。
//
// 使用流程：
//
//	engine, err := broadcast.New(
//	    broadcast.WithDataDir("/var/lib/broadcast"),
//	    broadcast.WithProtocols(broadcast.ProtocolNostr, broadcast.ProtocolMQTT),
//	)
//	if err != nil { ... }
//	defer engine.Close()
//
//	engine.OnMessage(func(msg *broadcast.Message, via broadcast.Protocol) { ... })
//	if err := engine.Start(ctx); err != nil { ... }
//
//	results, err := engine.Send(ctx, recipientMagnet, "hello")
//
// 并发安全：全部方法可被多 goroutine 并发调用。
type Engine struct {
	cfg *config.Config
	app *fx.App

	mu      sync.RWMutex
	state   EngineState
	started bool
	closed  bool

	// 以下组件由 Fx 在组装阶段注入（见 fx.go wireEngine）
	identity    *identity.Identity
	store       interfaces.EvidenceStore
	broadcaster *fanout.Broadcaster
	mux         *mux.Mux

	// 组装失败时 mux 不可用，Start 前注册的处理器先缓存
	pendingMsgHandlers     []MessageHandler
	pendingReceiptHandlers []ReceiptHandler

	// 指标刷新循环
	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// ════════════════════════════════════════════════════════════════════════════
//                              创建与启动
// ════════════════════════════════════════════════════════════════════════════

// New 创建广播引擎
//
// 只组装不联网：应用选项、校验配置、加载身份、打开证据库、
// 构建驱动并挂好入站回调。网络连接要等 Start。
//
// 示例：
//
//	engine, err := broadcast.New(
//	    broadcast.WithDataDir("./data"),
//	    broadcast.WithMQTTBrokers("tcp://broker.emqx.io:1883"),
//	)
func New(opts ...Option) (*Engine, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	eng := &Engine{
		cfg:   o.toInternalConfig(),
		state: StateIdle,
	}

	app, err := buildFxApp(eng.cfg, o, eng)
	if err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	eng.app = app

	return eng, nil
}

// Start 快捷启动函数
//
// 创建引擎并立即启动，等价于 New() + Start()。
// 启动失败时资源已回收，不需要再调用 Close。
func Start(ctx context.Context, opts ...Option) (*Engine, error) {
	eng, err := New(opts...)
	if err != nil {
		return nil, err
	}

	if err := eng.Start(ctx); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return eng, nil
}

// attach 接收 Fx 注入的组件句柄
//
// 在 wireEngine 里调用；同时把缓存的处理器冲刷进多路复用器。
func (e *Engine) attach(id *identity.Identity, store interfaces.EvidenceStore, b *fanout.Broadcaster, m *mux.Mux) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.identity = id
	e.store = store
	e.broadcaster = b
	e.mux = m

	for _, h := range e.pendingMsgHandlers {
		m.OnMessage(h)
	}
	for _, h := range e.pendingReceiptHandlers {
		m.OnReceipt(h)
	}
	e.pendingMsgHandlers = nil
	e.pendingReceiptHandlers = nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              生命周期
// ════════════════════════════════════════════════════════════════════════════

// Start 启动引擎
//
// 执行流程：
//
//	Phase 1: Initialize - 启动 Fx 应用（执行全部 OnStart 钩子）
//	Phase 2: Connect    - 并行初始化全部传输驱动
//	Phase 3: Running    - 启动指标刷新循环
//
// 驱动初始化按 allSettled 语义结算：单个驱动连不上只降级告警，
// 全部失败也不算错误，此时消息仍会落库，只是暂时发不出去。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}

	// ════════════════════════════════════════════════════════════════════════
	// Phase 1: Initialize - 启动 Fx 应用
	// ════════════════════════════════════════════════════════════════════════
	e.state = StateInitializing
	logger.Info("starting engine", "protocols", e.cfg.EnabledProtocols())

	initCtx, initCancel := context.WithTimeout(ctx, initializeTimeout)
	defer initCancel()

	if err := e.app.Start(initCtx); err != nil {
		e.state = StateIdle
		logger.Error("engine initialization failed", "err", err)
		return fmt.Errorf("initialize failed: %w", err)
	}

	// ════════════════════════════════════════════════════════════════════════
	// Phase 2: Connect - 并行初始化传输驱动
	// ════════════════════════════════════════════════════════════════════════
	e.state = StateStarting

	results := e.broadcaster.Initialize(ctx, e.identity)
	ready := 0
	for _, res := range results {
		if res.Err == nil {
			ready++
		}
	}
	if ready == 0 && len(results) > 0 {
		logger.Warn("no driver available, outbound messages will only be stored")
	}

	// ════════════════════════════════════════════════════════════════════════
	// Phase 3: Running - 启动指标刷新循环
	// ════════════════════════════════════════════════════════════════════════
	refreshCtx, refreshCancel := context.WithCancel(context.Background())
	e.refreshCancel = refreshCancel
	e.refreshDone = make(chan struct{})
	go e.refreshLoop(refreshCtx)

	e.state = StateRunning
	e.started = true
	logger.Info("engine started",
		"magnet", log.TruncateID(e.identity.MagnetLink(), 24),
		"ready", ready,
		"mounted", len(results))
	return nil
}

// Stop 停止引擎
//
// 按 mux → 驱动 → 证据库的顺序关停全部组件。
// 停止后的引擎不能重新启动，需要时创建新实例。
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if !e.started {
		return ErrNotStarted
	}

	e.state = StateStopping
	logger.Info("stopping engine")

	e.stopRefreshLocked()

	if err := e.app.Stop(ctx); err != nil {
		// 即使停止出错，也标记为已停止
		e.state = StateStopped
		e.started = false
		e.closed = true
		logger.Error("engine stop failed", "err", err)
		return fmt.Errorf("stop fx app: %w", err)
	}

	e.state = StateStopped
	e.started = false
	e.closed = true
	logger.Info("engine stopped")
	return nil
}

// Close 关闭引擎并释放全部资源
//
// 与 Stop 的区别：Close 幂等且自带超时，适合 defer。
// 未启动过的引擎也要 Close：证据库在创建阶段就已打开。
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil // 已经关闭
	}

	if e.started {
		e.state = StateStopping
		e.stopRefreshLocked()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.app.Stop(ctx); err != nil {
			logger.Warn("stop fx app failed", "err", err)
		}
	} else if e.store != nil {
		// 未启动时 Fx 的 OnStop 钩子不会执行，证据库单独收口
		if err := e.store.Close(); err != nil {
			logger.Warn("close evidence store failed", "err", err)
		}
	}

	e.state = StateStopped
	e.started = false
	e.closed = true
	logger.Info("engine closed")
	return nil
}

// stopRefreshLocked 停掉指标刷新循环（要求已持有 e.mu）
func (e *Engine) stopRefreshLocked() {
	if e.refreshCancel == nil {
		return
	}
	e.refreshCancel()
	<-e.refreshDone
	e.refreshCancel = nil
}

// refreshLoop 周期把驱动连接数写进指标
func (e *Engine) refreshLoop(ctx context.Context) {
	defer close(e.refreshDone)

	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.broadcaster.RefreshGauges()
		}
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              消息收发
// ════════════════════════════════════════════════════════════════════════════

// Send 向一个收件人发送一条消息
//
// 消息并行投向全部可用传输，返回逐传输结果（顺序不定）。
// 消息在任何投递尝试之前先写入证据库；没有可用传输时返回空
// 结果切片，消息仍然在库里。
//
// 收件人磁力链接无效时返回 ErrInvalidRecipient，内容超过
// 64 KiB 时返回 ErrContentTooLarge。
func (e *Engine) Send(ctx context.Context, recipientMagnet, content string) ([]types.SendResult, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	if !e.started {
		e.mu.RUnlock()
		return nil, ErrNotStarted
	}
	b := e.broadcaster
	self := e.identity.MagnetLink()
	e.mu.RUnlock()

	msg, err := envelope.NewMessage(self, content, time.Now())
	if err != nil {
		return nil, err
	}

	return b.Broadcast(ctx, msg, recipientMagnet)
}

// OnMessage 注册消息到达回调
//
// 每条去重后的新消息触发一次，重复副本不再触发。确认消息
// （type=ack）同样入列，需要时按 msg.IsAck() 过滤。
// 回调按注册顺序同步执行，不要在回调里做长阻塞操作。
// 可在 Start 前后任意时刻调用。
func (e *Engine) OnMessage(h MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mux != nil {
		e.mux.OnMessage(h)
		return
	}
	e.pendingMsgHandlers = append(e.pendingMsgHandlers, h)
}

// OnReceipt 注册到达回执回调
//
// 每次物理到达触发一次（包括去重掉的重复副本），duplicate
// 标志区分首达与重复。
func (e *Engine) OnReceipt(h ReceiptHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mux != nil {
		e.mux.OnReceipt(h)
		return
	}
	e.pendingReceiptHandlers = append(e.pendingReceiptHandlers, h)
}

// ════════════════════════════════════════════════════════════════════════════
//                              基本信息
// ════════════════════════════════════════════════════════════════════════════

// MagnetLink 返回本地身份的磁力链接
//
// 这是节点的可分享地址，New 之后即可用。
func (e *Engine) MagnetLink() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.identity == nil {
		return ""
	}
	return e.identity.MagnetLink()
}

// State 返回引擎当前状态
func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsRunning 返回引擎是否处于运行状态
func (e *Engine) IsRunning() bool {
	return e.State() == StateRunning
}

// Status 返回各传输驱动的连接状态快照
func (e *Engine) Status() map[types.Protocol]types.DriverStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.broadcaster == nil {
		return map[types.Protocol]types.DriverStatus{}
	}
	return e.broadcaster.Status()
}

// ActiveProtocols 返回初始化成功的传输名（固定传输顺序）
func (e *Engine) ActiveProtocols() []types.Protocol {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.broadcaster == nil {
		return nil
	}
	return e.broadcaster.InitializedProtocols()
}

// ════════════════════════════════════════════════════════════════════════════
//                              证据查询
// ════════════════════════════════════════════════════════════════════════════

// Messages 返回最近的消息（按时间戳降序，最多 limit 条）
func (e *Engine) Messages(limit int) ([]*types.Message, error) {
	st, err := e.storeHandle()
	if err != nil {
		return nil, err
	}
	return st.ListAllMessages(limit)
}

// Receipts 返回某条消息的全部到达回执（按到达时间升序）
func (e *Engine) Receipts(uuid string) ([]*types.Receipt, error) {
	st, err := e.storeHandle()
	if err != nil {
		return nil, err
	}
	return st.ListReceipts(uuid)
}

// ProtocolStats 返回各传输的发送与确认聚合统计
func (e *Engine) ProtocolStats() ([]*types.ProtocolStats, error) {
	st, err := e.storeHandle()
	if err != nil {
		return nil, err
	}
	return st.GetProtocolStats()
}

// PeerPreferences 返回对端在各传输上的可达性观测
//
// identityMagnet 是对端的磁力链接。观测来自回流的确认：哪条
// 传输送回过确认、往返延迟如何、对端声明过哪些偏好。
func (e *Engine) PeerPreferences(identityMagnet string) ([]*types.PeerChannelPreference, error) {
	st, err := e.storeHandle()
	if err != nil {
		return nil, err
	}
	return st.GetPeerPreferences(identityMagnet)
}

// storeHandle 返回证据库句柄，组装失败时报 ErrNotStarted
func (e *Engine) storeHandle() (interfaces.EvidenceStore, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.store == nil {
		return nil, ErrNotStarted
	}
	return e.store, nil
}

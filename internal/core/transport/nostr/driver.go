// Package nostr 实现基于中继网络的签名事件传输驱动
//
// 驱动维护一个中继连接池：初始化时并行连接全部配置的中继，
// 至少一个可用即算成功；掉线的中继 5 秒后重连并重新订阅。
// 私信是 NIP-04 加密的 kind-4 事件，收件人用 p 标签寻址，
// 发布扇出到全部活跃中继，任何一个接受即算送达。
package nostr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/broadcast-dm/go-broadcast/internal/core/transport"
	"github.com/broadcast-dm/go-broadcast/pkg/interfaces"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/identity"
	"github.com/broadcast-dm/go-broadcast/pkg/lib/log"
	"github.com/broadcast-dm/go-broadcast/pkg/types"
)

// logger 是 nostr 驱动的日志记录器
var logger = log.Logger("transport/nostr")

const (
	// reconnectInterval 中继掉线后的重连间隔
	reconnectInterval = 5 * time.Second

	// connectTimeout 单个中继的连接超时
	connectTimeout = 10 * time.Second

	// publishTimeout 单个中继的发布超时
	publishTimeout = 10 * time.Second
)

// Config nostr 驱动配置
type Config struct {
	// Relays 中继 WebSocket 地址列表
	Relays []string
}

// Driver nostr 传输驱动
type Driver struct {
	mu  sync.RWMutex
	cfg Config

	inbound interfaces.InboundHandler

	privHex string // secp256k1 私钥 hex，签名与 NIP-04 共用
	selfPub string // 自己的 x-only 公钥 hex

	relays map[string]*nostr.Relay // URL → 活跃连接

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	initialized bool
	closed      bool
}

// 确保实现了接口
var _ interfaces.Driver = (*Driver)(nil)

// New 创建 nostr 驱动（尚未连接，Init 时才建池）
func New(cfg Config) *Driver {
	return &Driver{
		cfg:    cfg,
		relays: make(map[string]*nostr.Relay),
	}
}

// Name 返回传输标识
func (d *Driver) Name() types.Protocol {
	return types.ProtocolNostr
}

// OnInbound 注册入站载荷回调（必须在 Init 之前调用）
func (d *Driver) OnInbound(fn interfaces.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbound = fn
}

// Init 并行连接全部配置的中继并订阅发给自己的私信
//
// 至少一个中继连上才算成功；其余的由重连循环继续追。
func (d *Driver) Init(ctx context.Context, id *identity.Identity) error {
	if len(d.cfg.Relays) == 0 {
		return fmt.Errorf("no nostr relays configured")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("nostr driver already shut down")
	}
	if d.initialized {
		d.mu.Unlock()
		return nil
	}
	d.privHex = id.SecpPrivHex()
	d.selfPub = id.Public().NostrPubKey()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]error, len(d.cfg.Relays))
	for i, url := range d.cfg.Relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = d.connectRelay(ctx, url)
		}(i, url)
	}
	wg.Wait()

	connected := 0
	for i, err := range results {
		if err == nil {
			connected++
			continue
		}
		logger.Warn("relay unavailable at startup, will retry",
			"relay", d.cfg.Relays[i], "err", err)
		d.scheduleReconnect(d.cfg.Relays[i])
	}
	if connected == 0 {
		d.cancel()
		return fmt.Errorf("no nostr relay reachable (%d attempted)", len(d.cfg.Relays))
	}

	d.mu.Lock()
	d.initialized = true
	d.mu.Unlock()

	logger.Info("nostr relay pool ready",
		"pubkey", log.TruncateID(d.selfPub, 16),
		"connected", connected,
		"configured", len(d.cfg.Relays))
	return nil
}

// Send 加密并签名一条 kind-4 私信，扇出到全部活跃中继
func (d *Driver) Send(ctx context.Context, to *identity.PublicIdentity, payload []byte) types.SendResult {
	d.mu.RLock()
	initialized := d.initialized
	privHex := d.privHex
	d.mu.RUnlock()

	if !initialized {
		return types.Failure(types.ProtocolNostr, types.ErrorKindNotInitialized, "driver not initialized")
	}

	ev, err := buildDirectMessage(privHex, to.NostrPubKey(), payload)
	if err != nil {
		return types.Failure(types.ProtocolNostr, types.ErrorKindAuth,
			fmt.Sprintf("build direct message: %v", err))
	}

	relays := d.snapshotRelays()
	if len(relays) == 0 {
		return types.Failure(types.ProtocolNostr, types.ErrorKindUnreachable, "no connected relays")
	}

	type publishOutcome struct {
		url string
		err error
	}
	outcomes := make(chan publishOutcome, len(relays))
	for url, relay := range relays {
		go func(url string, relay *nostr.Relay) {
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			outcomes <- publishOutcome{url: url, err: relay.Publish(pubCtx, ev)}
		}(url, relay)
	}

	accepted := 0
	var lastErr error
	for range relays {
		out := <-outcomes
		if out.err == nil {
			accepted++
		} else {
			lastErr = out.err
			logger.Debug("relay rejected event", "relay", out.url, "err", out.err)
		}
	}

	if accepted == 0 {
		return types.Failure(types.ProtocolNostr, transport.Classify(lastErr),
			fmt.Sprintf("all relays rejected event: %v", lastErr))
	}
	return types.Successf(types.ProtocolNostr, "accepted by %d/%d relays", accepted, len(relays))
}

// Status 返回中继池状态
func (d *Driver) Status() types.DriverStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return types.DriverStatus{
		Connected: len(d.relays),
		Total:     len(d.cfg.Relays),
		Detail:    fmt.Sprintf("%d/%d relays connected", len(d.relays), len(d.cfg.Relays)),
	}
}

// Shutdown 断开全部中继并停止重连，幂等
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	relays := d.relays
	d.relays = make(map[string]*nostr.Relay)
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for url, relay := range relays {
		if err := relay.Close(); err != nil {
			logger.Debug("relay close failed", "relay", url, "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
//                              中继池
// ============================================================================

// connectRelay 连接单个中继、订阅私信并挂上掉线监视
func (d *Driver) connectRelay(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	relay, err := nostr.RelayConnect(dialCtx, url)
	if err != nil {
		return err
	}

	if err := d.subscribeSelf(relay); err != nil {
		_ = relay.Close()
		return fmt.Errorf("subscribe on %s: %w", url, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = relay.Close()
		return fmt.Errorf("driver shut down")
	}
	d.relays[url] = relay
	d.mu.Unlock()

	d.wg.Add(1)
	go d.watchRelay(url, relay)
	return nil
}

// subscribeSelf 在中继上订阅发给自己的 kind-4 事件
//
// Since 取当前时刻：历史私信不重放，交给其他传输与出错重试覆盖。
func (d *Driver) subscribeSelf(relay *nostr.Relay) error {
	since := nostr.Now()
	sub, err := relay.Subscribe(d.ctx, nostr.Filters{{
		Kinds: []int{nostr.KindEncryptedDirectMessage},
		Tags:  nostr.TagMap{"p": []string{d.selfPub}},
		Since: &since,
	}})
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go d.consume(relay.URL, sub)
	return nil
}

// consume 解密并分发订阅到的事件
func (d *Driver) consume(url string, sub *nostr.Subscription) {
	defer d.wg.Done()

	for ev := range sub.Events {
		if ev == nil || ev.Kind != nostr.KindEncryptedDirectMessage {
			continue
		}
		payload, err := d.decrypt(ev)
		if err != nil {
			logger.Debug("undecryptable event dropped", "relay", url,
				"event", log.TruncateID(ev.ID, 16), "err", err)
			continue
		}

		d.mu.RLock()
		handler := d.inbound
		d.mu.RUnlock()
		if handler != nil {
			handler(payload, url)
		}
	}
}

// buildDirectMessage 加密、寻址并签名一条 kind-4 私信事件
func buildDirectMessage(privHex, rcptPub string, payload []byte) (nostr.Event, error) {
	shared, err := nip04.ComputeSharedSecret(rcptPub, privHex)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("derive shared secret: %w", err)
	}
	cipher, err := nip04.Encrypt(string(payload), shared)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encrypt payload: %w", err)
	}

	ev := nostr.Event{
		Kind:      nostr.KindEncryptedDirectMessage,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", rcptPub}},
		Content:   cipher,
	}
	if err := ev.Sign(privHex); err != nil {
		return nostr.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

// decrypt 用发件人公钥与自己的私钥解开 NIP-04 密文
func (d *Driver) decrypt(ev *nostr.Event) ([]byte, error) {
	shared, err := nip04.ComputeSharedSecret(ev.PubKey, d.privHex)
	if err != nil {
		return nil, err
	}
	plain, err := nip04.Decrypt(ev.Content, shared)
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}

// watchRelay 监视连接存活，断开后移出池子并安排重连
func (d *Driver) watchRelay(url string, relay *nostr.Relay) {
	defer d.wg.Done()

	select {
	case <-relay.Context().Done():
	case <-d.ctx.Done():
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.relays, url)
	d.mu.Unlock()

	logger.Warn("relay connection lost, reconnecting", "relay", url)
	d.scheduleReconnect(url)
}

// scheduleReconnect 按固定间隔重试，直到连上或驱动关闭
func (d *Driver) scheduleReconnect(url string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(reconnectInterval):
			}
			if err := d.connectRelay(d.ctx, url); err == nil {
				logger.Info("relay reconnected", "relay", url)
				return
			}
			logger.Debug("relay reconnect failed, will retry", "relay", url)
		}
	}()
}

// snapshotRelays 复制当前活跃的中继集合
func (d *Driver) snapshotRelays() map[string]*nostr.Relay {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*nostr.Relay, len(d.relays))
	for url, relay := range d.relays {
		out[url] = relay
	}
	return out
}
